package memory

import (
	"testing"
	"time"
)

func TestAddAndGetHistory(t *testing.T) {
	s := NewStore(20, time.Hour)
	s.AddUserMessage("thread-1", "hello")
	s.AddAssistantMessage("thread-1", "hi there")

	history := s.GetHistory("thread-1")
	if len(history) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(history))
	}
	if history[0].Role != "user" || history[1].Role != "assistant" {
		t.Errorf("unexpected roles: %+v", history)
	}
}

func TestHistoryTrimsToMaxMessages(t *testing.T) {
	s := NewStore(2, time.Hour)
	s.AddUserMessage("thread-1", "one")
	s.AddAssistantMessage("thread-1", "two")
	s.AddUserMessage("thread-1", "three")

	history := s.GetHistory("thread-1")
	if len(history) != 2 {
		t.Fatalf("expected trimmed to 2 messages, got %d", len(history))
	}
	if history[0].Content != "two" || history[1].Content != "three" {
		t.Errorf("expected the two most recent messages retained, got %+v", history)
	}
}

func TestGetHistoryUnknownSessionReturnsNil(t *testing.T) {
	s := NewStore(20, time.Hour)
	if h := s.GetHistory("missing"); h != nil {
		t.Errorf("expected nil history for unknown session, got %+v", h)
	}
}

func TestClearSession(t *testing.T) {
	s := NewStore(20, time.Hour)
	s.AddUserMessage("thread-1", "hello")
	s.ClearSession("thread-1")
	if h := s.GetHistory("thread-1"); h != nil {
		t.Errorf("expected history cleared, got %+v", h)
	}
}

func TestFormatForPrompt(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: "what is RAG?"},
		{Role: "assistant", Content: "retrieval augmented generation"},
	}
	formatted := FormatForPrompt(msgs)
	if formatted == "" {
		t.Fatal("expected non-empty formatted history")
	}
}
