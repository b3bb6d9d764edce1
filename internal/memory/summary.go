package memory

import "strings"

// DefaultSummaryThreshold is the content length in bytes above which a
// message gets an extractive summary before indexing.
const DefaultSummaryThreshold = 500

// Summarize reduces long content to its first and last sentences.
// Content at or under the threshold comes back unchanged. This is
// deliberately extractive - no model call, no tokens spent.
func Summarize(content string, threshold int) string {
	if threshold <= 0 {
		threshold = DefaultSummaryThreshold
	}
	if len(content) <= threshold {
		return content
	}
	sentences := splitSentences(content)
	switch len(sentences) {
	case 0:
		return truncateRunes(content, threshold)
	case 1:
		return sentences[0]
	default:
		return sentences[0] + ". ... " + sentences[len(sentences)-1]
	}
}

// splitSentences breaks content on sentence punctuation, trimming
// whitespace and dropping empty fragments.
func splitSentences(content string) []string {
	parts := strings.FieldsFunc(content, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
