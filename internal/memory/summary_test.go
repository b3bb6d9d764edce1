package memory

import (
	"strings"
	"testing"
)

func TestSummarize_ShortContentUnchanged(t *testing.T) {
	content := "Fixed the race in the pool. All tests pass."
	if got := Summarize(content, 500); got != content {
		t.Errorf("got %q, want unchanged", got)
	}
}

func TestSummarize_FirstAndLastSentence(t *testing.T) {
	middle := strings.Repeat("Then another step happened. ", 40)
	content := "Refactored the session pool. " + middle + "Everything builds again!"
	got := Summarize(content, 500)
	want := "Refactored the session pool. ... Everything builds again"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSummarize_SingleSentenceKeptWhole(t *testing.T) {
	content := "a " + strings.Repeat("very ", 120) + "long sentence with no end"
	if got := Summarize(content, 500); got != content {
		t.Errorf("got %q, want the sentence itself", got)
	}
}

func TestSummarize_NoSentencesTruncates(t *testing.T) {
	content := strings.Repeat("! ", 300)
	got := Summarize(content, 500)
	if !strings.HasSuffix(got, "...") {
		t.Errorf("got %q, want trailing ellipsis", got)
	}
	if len(got) > 503 {
		t.Errorf("len = %d, want at most threshold plus ellipsis", len(got))
	}
}

func TestSummarize_QuestionAndExclamationSplit(t *testing.T) {
	content := "Does the cache work? " + strings.Repeat("Checked a case. ", 40) + "It does!"
	got := Summarize(content, 500)
	want := "Does the cache work. ... It does"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestMessageDocument_NeedsSummary(t *testing.T) {
	doc := MessageDocument{Content: strings.Repeat("x", 600)}
	if !doc.NeedsSummary(500) {
		t.Error("long content without summary should need one")
	}
	doc.Summary = "already summarized"
	if doc.NeedsSummary(500) {
		t.Error("summarized content should not need another")
	}
	short := MessageDocument{Content: "brief"}
	if short.NeedsSummary(500) {
		t.Error("short content should not need a summary")
	}
}

func TestMessageDocument_DisplayContent(t *testing.T) {
	doc := MessageDocument{Content: "full text", Summary: ""}
	if got := doc.DisplayContent(); got != "full text" {
		t.Errorf("got %q, want content", got)
	}
	doc.Summary = "short form"
	if got := doc.DisplayContent(); got != "short form" {
		t.Errorf("got %q, want summary", got)
	}
}

func TestConversationDocument_UpdateFromMessage(t *testing.T) {
	conv := NewConversationDocument("conv-1", "claude-sonnet-4-20250514", "please fix the flaky pool test")

	first := MessageDocument{
		CreatedAt:    1_700_000_100,
		TurnIndex:    0,
		Cwd:          "/srv/app",
		FilesTouched: []string{"/srv/app/pool.go"},
	}
	conv.UpdateFromMessage(&first)
	if conv.MessageCount != 1 || conv.UpdatedAt != 1_700_000_100 {
		t.Errorf("after first message: count=%d updated=%d", conv.MessageCount, conv.UpdatedAt)
	}
	if conv.Cwd != "/srv/app" {
		t.Errorf("cwd = %q, want /srv/app", conv.Cwd)
	}

	second := MessageDocument{
		CreatedAt:    1_700_000_200,
		TurnIndex:    1,
		Cwd:          "/elsewhere",
		FilesTouched: []string{"/srv/app/pool.go", "/srv/app/pool_test.go"},
	}
	conv.UpdateFromMessage(&second)
	if conv.MessageCount != 2 {
		t.Errorf("count = %d, want 2", conv.MessageCount)
	}
	if conv.Cwd != "/srv/app" {
		t.Errorf("cwd = %q, first value should stick", conv.Cwd)
	}
	want := []string{"/srv/app/pool.go", "/srv/app/pool_test.go"}
	if len(conv.FilesSummary) != len(want) {
		t.Fatalf("files = %v, want %v", conv.FilesSummary, want)
	}
	for i := range want {
		if conv.FilesSummary[i] != want[i] {
			t.Errorf("files[%d] = %q, want %q", i, conv.FilesSummary[i], want[i])
		}
	}
}
