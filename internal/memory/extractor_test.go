package memory

import (
	"reflect"
	"testing"
)

func TestExtractToolContext_FileTools(t *testing.T) {
	for _, tool := range []string{"Read", "Write", "Edit"} {
		tc := ExtractToolContext(tool, map[string]any{"file_path": "/home/dev/main.go"})
		if want := []string{"/home/dev/main.go"}; !reflect.DeepEqual(tc.Files, want) {
			t.Errorf("%s: files = %v, want %v", tool, tc.Files, want)
		}
		if tc.Cwd != "" {
			t.Errorf("%s: cwd = %q, want empty", tool, tc.Cwd)
		}
	}
}

func TestExtractToolContext_SearchTools(t *testing.T) {
	tests := []struct {
		name  string
		path  string
		files []string
		cwd   string
	}{
		{"directory path", "/home/dev/project", nil, "/home/dev/project"},
		{"file path", "/home/dev/project/main.go", []string{"/home/dev/project/main.go"}, "/home/dev/project"},
		{"root-level file", "/config.yaml", []string{"/config.yaml"}, "/"},
		{"dotted final segment", "/home/dev/.config", []string{"/home/dev/.config"}, "/home/dev"},
		{"relative file", "main.go", []string{"main.go"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := ExtractToolContext("Grep", map[string]any{"path": tt.path})
			if !reflect.DeepEqual(tc.Files, tt.files) {
				t.Errorf("files = %v, want %v", tc.Files, tt.files)
			}
			if tc.Cwd != tt.cwd {
				t.Errorf("cwd = %q, want %q", tc.Cwd, tt.cwd)
			}
		})
	}
}

func TestExtractToolContext_BashCd(t *testing.T) {
	tests := []struct {
		name    string
		command string
		cwd     string
	}{
		{"leading cd", "cd /srv/app", "/srv/app"},
		{"cd then command", "cd /srv/app && make test", "/srv/app"},
		{"chained cd", "mkdir -p /srv/app && cd /srv/app", "/srv/app"},
		{"double quoted", `cd "/srv/my app" && ls`, "/srv/my app"},
		{"single quoted", "cd '/srv/app'", "/srv/app"},
		{"relative target ignored", "cd build && make", ""},
		{"no cd", "ls -la", ""},
		{"cd ends command", "cd /srv/app;", "/srv/app"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := ExtractToolContext("Bash", map[string]any{"command": tt.command})
			if tc.Cwd != tt.cwd {
				t.Errorf("cwd = %q, want %q", tc.Cwd, tt.cwd)
			}
		})
	}
}

func TestExtractToolContext_BashFiles(t *testing.T) {
	tests := []struct {
		name    string
		command string
		files   []string
	}{
		{"single file", "cat /srv/app/config.yaml", []string{"/srv/app/config.yaml"}},
		{"two files", "cp /srv/app/a.txt /srv/app/b.txt", []string{"/srv/app/a.txt", "/srv/app/b.txt"}},
		{"cd target excluded", "cd /srv/app && cat /srv/app/main.go", []string{"/srv/app/main.go"}},
		{"bare root ignored", "ls /tmp", nil},
		{"shallow path ignored", "rm /somefile", nil},
		{"flag tail ignored", "run /srv/app/bin--", nil},
		{"duplicates collapse", "diff /srv/app/a.txt /srv/app/a.txt", []string{"/srv/app/a.txt"}},
		{"quote delimits path", `grep -r "needle" /srv/app/src.go`, []string{"/srv/app/src.go"}},
		{"no paths", "echo hello", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := ExtractToolContext("Bash", map[string]any{"command": tt.command})
			if !reflect.DeepEqual(tc.Files, tt.files) {
				t.Errorf("files = %v, want %v", tc.Files, tt.files)
			}
		})
	}
}

func TestExtractToolContext_UnknownOrMissing(t *testing.T) {
	cases := []struct {
		name  string
		tool  string
		input map[string]any
	}{
		{"unknown tool", "WebFetch", map[string]any{"url": "https://example.com"}},
		{"missing argument", "Read", map[string]any{}},
		{"wrong argument type", "Read", map[string]any{"file_path": 42}},
		{"nil input", "Bash", nil},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if tc := ExtractToolContext(tt.tool, tt.input); !tc.IsEmpty() {
				t.Errorf("context = %+v, want empty", tc)
			}
		})
	}
}

func TestTurnAggregator(t *testing.T) {
	agg := NewTurnAggregator("/home/dev")

	agg.Observe("Read", map[string]any{"file_path": "/srv/app/b.go"})
	agg.Observe("Edit", map[string]any{"file_path": "/srv/app/a.go"})
	agg.Observe("Read", map[string]any{"file_path": "/srv/app/b.go"})

	want := []string{"/srv/app/a.go", "/srv/app/b.go"}
	if got := agg.Files(); !reflect.DeepEqual(got, want) {
		t.Errorf("files = %v, want %v", got, want)
	}
	if agg.Cwd() != "/home/dev" {
		t.Errorf("cwd = %q, want /home/dev", agg.Cwd())
	}

	agg.Observe("Bash", map[string]any{"command": "cd /srv/app && make"})
	if agg.Cwd() != "/srv/app" {
		t.Errorf("cwd after cd = %q, want /srv/app", agg.Cwd())
	}

	snap := agg.Finalize()
	if !reflect.DeepEqual(snap.Files, want) || snap.Cwd != "/srv/app" {
		t.Errorf("finalize = %+v", snap)
	}

	agg.Reset()
	if got := agg.Files(); len(got) != 0 {
		t.Errorf("files after reset = %v, want none", got)
	}
	if agg.Cwd() != "/srv/app" {
		t.Errorf("cwd after reset = %q, want /srv/app", agg.Cwd())
	}
}

func TestTurnAggregator_ReplayIsIdempotent(t *testing.T) {
	agg := NewTurnAggregator("")
	for i := 0; i < 2; i++ {
		agg.Observe("Bash", map[string]any{"command": "cd /srv/app && cat /srv/app/x.txt"})
		agg.Observe("Write", map[string]any{"file_path": "/srv/app/y.txt"})
	}
	snap := agg.Finalize()
	want := ToolContext{Files: []string{"/srv/app/x.txt", "/srv/app/y.txt"}, Cwd: "/srv/app"}
	if !reflect.DeepEqual(snap, want) {
		t.Errorf("finalize = %+v, want %+v", snap, want)
	}
}
