package chat

import (
	"fmt"
	"testing"

	"github.com/coursechat/backend/internal/generate"
)

func entry(s string) generate.Message {
	return generate.Message{Role: "user", Content: s}
}

func TestHistoryAppendAndGet(t *testing.T) {
	h := NewHistory(20)

	h.Append("s1", entry("a"), entry("b"))
	h.Append("s1", entry("c"))

	got := h.Get("s1")
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	if got[0].Content != "a" || got[2].Content != "c" {
		t.Errorf("entries out of order: %v", got)
	}
}

func TestHistoryTrimsToLimit(t *testing.T) {
	h := NewHistory(4)

	for i := 0; i < 7; i++ {
		h.Append("s1", entry(fmt.Sprintf("m%d", i)))
	}

	got := h.Get("s1")
	if len(got) != 4 {
		t.Fatalf("expected window of 4, got %d", len(got))
	}
	for i, m := range got {
		want := fmt.Sprintf("m%d", i+3)
		if m.Content != want {
			t.Errorf("index %d: expected %q, got %q", i, want, m.Content)
		}
	}
}

func TestHistoryUnknownSession(t *testing.T) {
	h := NewHistory(4)
	if got := h.Get("nope"); got == nil || len(got) != 0 {
		t.Errorf("expected empty non-nil slice, got %v", got)
	}
	if h.Len("nope") != 0 {
		t.Error("Len of unknown session must be 0")
	}
}

func TestHistoryDrop(t *testing.T) {
	h := NewHistory(4)
	h.Append("s1", entry("a"))
	h.Drop("s1")
	if h.Len("s1") != 0 {
		t.Error("expected window dropped")
	}
}

func TestHistorySessionsIsolated(t *testing.T) {
	h := NewHistory(4)
	h.Append("s1", entry("a"))
	h.Append("s2", entry("b"))

	if got := h.Get("s1"); len(got) != 1 || got[0].Content != "a" {
		t.Errorf("s1 window polluted: %v", got)
	}
}
