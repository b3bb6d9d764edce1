package memory

import (
	"path/filepath"
	"sort"
	"strings"
)

// ToolContext is what one tool invocation reveals about where the work
// is happening: files it touched and, when one can be inferred, the
// working directory.
type ToolContext struct {
	Files []string
	Cwd   string
}

// IsEmpty reports whether the invocation revealed nothing.
func (tc ToolContext) IsEmpty() bool {
	return len(tc.Files) == 0 && tc.Cwd == ""
}

// ExtractToolContext maps a tool invocation to the files and cwd it
// implies. Pure and deterministic: no filesystem access, unknown tools
// and missing arguments yield an empty context, never an error.
//
// Read/Write/Edit touch their file_path. Glob/Grep treat a path whose
// final segment has no dot as a directory signal, otherwise as a file
// plus its directory. Bash gets its command line parsed for a cd
// target and for absolute paths that look like files.
func ExtractToolContext(toolName string, input map[string]any) ToolContext {
	switch toolName {
	case "Read", "Write", "Edit":
		if p := stringArg(input, "file_path"); p != "" {
			return ToolContext{Files: []string{p}}
		}
	case "Glob", "Grep":
		if p := stringArg(input, "path"); p != "" {
			if looksLikeDir(p) {
				return ToolContext{Cwd: p}
			}
			tc := ToolContext{Files: []string{p}}
			if dir := filepath.Dir(p); dir != "." {
				tc.Cwd = dir
			}
			return tc
		}
	case "Bash":
		if cmd := stringArg(input, "command"); cmd != "" {
			return extractBashContext(cmd)
		}
	}
	return ToolContext{}
}

func stringArg(input map[string]any, key string) string {
	s, _ := input[key].(string)
	return s
}

// looksLikeDir treats a dotless final segment as a directory. The best
// signal available without touching the filesystem; hidden directories
// like .config get misread as files, which only costs a weaker cwd
// hint.
func looksLikeDir(path string) bool {
	return !strings.Contains(filepath.Base(path), ".")
}

func extractBashContext(command string) ToolContext {
	var tc ToolContext
	cdTarget := extractCdTarget(command)
	if strings.HasPrefix(cdTarget, "/") {
		tc.Cwd = cdTarget
	}
	seen := make(map[string]bool)
	for _, p := range absolutePaths(command) {
		if p == cdTarget || seen[p] || !looksLikeFile(p) {
			continue
		}
		seen[p] = true
		tc.Files = append(tc.Files, p)
	}
	return tc
}

// extractCdTarget pulls the argument of a leading "cd " or the first
// "&& cd " chain out of a shell command.
func extractCdTarget(command string) string {
	var rest string
	switch {
	case strings.HasPrefix(command, "cd "):
		rest = command[len("cd "):]
	default:
		i := strings.Index(command, "&& cd ")
		if i < 0 {
			return ""
		}
		rest = command[i+len("&& cd "):]
	}
	return parseCdArg(rest)
}

// parseCdArg reads one shell word: a quoted span, or a run ended by
// whitespace or shell punctuation. Unterminated quotes take the
// remainder.
func parseCdArg(s string) string {
	s = strings.TrimLeft(s, " \t")
	if s == "" {
		return ""
	}
	if s[0] == '"' || s[0] == '\'' {
		quote := s[0]
		if end := strings.IndexByte(s[1:], quote); end >= 0 {
			return s[1 : 1+end]
		}
		return s[1:]
	}
	end := strings.IndexFunc(s, func(r rune) bool {
		switch r {
		case ' ', '\t', '&', '|', ';':
			return true
		}
		return false
	})
	if end < 0 {
		return s
	}
	return s[:end]
}

// absolutePaths scans command text for absolute-path tokens. A token
// starts at a '/' and runs until whitespace, a quote, or shell
// punctuation. Bare "/" is dropped.
func absolutePaths(command string) []string {
	var paths []string
	for i := 0; i < len(command); {
		if command[i] != '/' {
			i++
			continue
		}
		j := i
		for j < len(command) && !isPathEnd(command[j]) {
			j++
		}
		if j-i > 1 {
			paths = append(paths, command[i:j])
		}
		i = j + 1
	}
	return paths
}

func isPathEnd(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '"', '\'', '&', '|', ';', '(', ')':
		return true
	}
	return false
}

// Bare system roots that show up in commands without meaning a file
// was touched.
var nonFileRoots = map[string]bool{
	"/":     true,
	"/tmp":  true,
	"/dev":  true,
	"/proc": true,
	"/sys":  true,
	"/usr":  true,
	"/bin":  true,
	"/etc":  true,
}

// looksLikeFile keeps paths at least two segments deep that are not
// bare system roots and not flag debris like "--" tails or "=-"
// sequences.
func looksLikeFile(p string) bool {
	if nonFileRoots[p] {
		return false
	}
	if !strings.Contains(p[1:], "/") {
		return false
	}
	if strings.HasSuffix(p, "--") || strings.Contains(p, "=-") {
		return false
	}
	return true
}

// TurnAggregator folds the tool invocations of one backend turn into
// the cwd and file set recorded alongside the assistant's reply. Not
// safe for concurrent use; the dispatcher feeds it from a single event
// loop.
type TurnAggregator struct {
	files map[string]struct{}
	cwd   string
}

// NewTurnAggregator starts with the conversation's working directory,
// which may be empty.
func NewTurnAggregator(initialCwd string) *TurnAggregator {
	return &TurnAggregator{
		files: make(map[string]struct{}),
		cwd:   initialCwd,
	}
}

// Observe extracts and merges the context of one tool invocation.
func (a *TurnAggregator) Observe(toolName string, input map[string]any) {
	a.Merge(ExtractToolContext(toolName, input))
}

// Merge unions the files and lets a non-empty cwd overwrite the
// current one. Replaying the same contexts yields the same state.
func (a *TurnAggregator) Merge(tc ToolContext) {
	for _, f := range tc.Files {
		a.files[f] = struct{}{}
	}
	if tc.Cwd != "" {
		a.cwd = tc.Cwd
	}
}

// Files returns the touched files sorted and deduplicated.
func (a *TurnAggregator) Files() []string {
	out := make([]string, 0, len(a.files))
	for f := range a.files {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Cwd returns the current working directory estimate.
func (a *TurnAggregator) Cwd() string {
	return a.cwd
}

// Reset clears the file set for the next turn. Cwd persists: a
// conversation keeps its working directory between turns.
func (a *TurnAggregator) Reset() {
	a.files = make(map[string]struct{})
}

// Finalize snapshots the turn's accumulated context.
func (a *TurnAggregator) Finalize() ToolContext {
	return ToolContext{Files: a.Files(), Cwd: a.cwd}
}
