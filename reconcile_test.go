package chatsync

import (
	"testing"
	"time"
)

func TestReconcile(t *testing.T) {
	p := Placeholder{EphemeralID: "local-1", SenderID: "me", Body: "hi", CreatedAt: at(0)}

	tests := []struct {
		name string
		c    Candidate
		want Resolution
	}{
		{"correlation id", Candidate{ID: "srv-1", CorrelationID: "local-1", SenderID: "me", Body: "edited", CreatedAt: at(10)}, MatchByCorrelation},
		{"foreign correlation id", Candidate{ID: "srv-1", CorrelationID: "local-2", SenderID: "me", Body: "hi", CreatedAt: at(0)}, NoMatch},
		{"same sender and body", Candidate{ID: "srv-1", SenderID: "me", Body: "hi", CreatedAt: at(0).Add(3 * time.Second)}, MatchByContent},
		{"server clock behind", Candidate{ID: "srv-1", SenderID: "me", Body: "hi", CreatedAt: at(0).Add(-2 * time.Second)}, MatchByContent},
		{"outside window", Candidate{ID: "srv-1", SenderID: "me", Body: "hi", CreatedAt: at(0).Add(DefaultMatchWindow + time.Second)}, NoMatch},
		{"other sender", Candidate{ID: "srv-1", SenderID: "you", Body: "hi", CreatedAt: at(0)}, NoMatch},
		{"other body", Candidate{ID: "srv-1", SenderID: "me", Body: "hello", CreatedAt: at(0)}, NoMatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Reconcile(p, tt.c, DefaultMatchWindow); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func placeholder(id, conv, sender, body string, ts time.Time) Message {
	return Message{ID: id, EphemeralID: id, ConversationID: conv, SenderID: sender, Body: body, CreatedAt: ts, Kind: KindPlaceholder}
}

func TestReconcilerScenarios(t *testing.T) {
	t.Run("history then push keeps order", func(t *testing.T) {
		s := NewStore("c1")
		s.Merge([]Message{confirmed("m1", "c1", "u1", "", at(0)), confirmed("m2", "c1", "u1", "", at(1))})
		r := NewReconciler("me", 0, nil)

		if out := r.Apply(s, NewMessage{Message: confirmed("m3", "c1", "u2", "", at(2))}); out != OutcomeInserted {
			t.Fatalf("expected inserted, got %s", out)
		}
		assertIDs(t, s.List(), "m1", "m2", "m3")
	})

	t.Run("push before send resolves", func(t *testing.T) {
		s := NewStore("c1")
		r := NewReconciler("me", 0, nil)
		now := time.Now()
		s.Upsert(placeholder("local-p", "c1", "me", "hi", now))

		out := r.Apply(s, NewMessage{Message: confirmed("srv-1", "c1", "me", "hi", now.Add(time.Second))})
		if out != OutcomeReplaced {
			t.Fatalf("expected placeholder replaced, got %s", out)
		}
		assertIDs(t, s.List(), "srv-1")

		// The send response lands afterwards.
		s.Remove("local-p")
		s.Upsert(confirmed("srv-1", "c1", "me", "hi", now.Add(time.Second)))
		assertIDs(t, s.List(), "srv-1")
	})

	t.Run("batch delete is idempotent", func(t *testing.T) {
		s := NewStore("c1")
		s.Merge([]Message{confirmed("m1", "c1", "u1", "", at(0)), confirmed("m2", "c1", "u1", "", at(1)), confirmed("m3", "c1", "u1", "", at(2))})
		r := NewReconciler("me", 0, nil)

		ev := MessagesDeleted{MessageIDs: []string{"m1", "m2"}}
		if out := r.Apply(s, ev); out != OutcomeRemoved {
			t.Fatalf("expected removed, got %s", out)
		}
		assertIDs(t, s.List(), "m3")
		if out := r.Apply(s, ev); out != OutcomeIgnored {
			t.Fatalf("expected redelivery to be ignored, got %s", out)
		}
		assertIDs(t, s.List(), "m3")
	})
}

func TestReconcilerNewMessage(t *testing.T) {
	t.Run("duplicate id ignored", func(t *testing.T) {
		s := NewStore("c1")
		s.Upsert(confirmed("m1", "c1", "u1", "original", at(0)))
		r := NewReconciler("me", 0, nil)

		if out := r.Apply(s, NewMessage{Message: confirmed("m1", "c1", "u1", "replayed", at(0))}); out != OutcomeDuplicate {
			t.Fatalf("expected duplicate, got %s", out)
		}
		m, _ := s.Get("m1")
		if m.Body != "original" {
			t.Fatalf("expected existing entry untouched, got %q", m.Body)
		}
	})

	t.Run("correlation id picks the right placeholder", func(t *testing.T) {
		s := NewStore("c1")
		now := time.Now()
		s.Upsert(placeholder("local-a", "c1", "me", "same", now))
		s.Upsert(placeholder("local-b", "c1", "me", "same", now))
		r := NewReconciler("me", 0, nil)

		msg := confirmed("srv-a", "c1", "me", "same", now)
		msg.CorrelationID = "local-a"
		if out := r.Apply(s, NewMessage{Message: msg}); out != OutcomeReplaced {
			t.Fatalf("expected replaced, got %s", out)
		}
		assertIDs(t, s.List(), "local-b", "srv-a")
	})

	t.Run("content fallback takes the most recent placeholder", func(t *testing.T) {
		s := NewStore("c1")
		now := time.Now()
		s.Upsert(placeholder("local-old", "c1", "me", "ok", now))
		s.Upsert(placeholder("local-new", "c1", "me", "ok", now.Add(time.Second)))
		r := NewReconciler("me", 0, nil)

		r.Apply(s, NewMessage{Message: confirmed("srv-1", "c1", "me", "ok", now.Add(time.Second))})
		if s.Has("local-new") {
			t.Fatal("expected the newest placeholder to be replaced")
		}
		if !s.Has("local-old") {
			t.Fatal("expected the older placeholder to stay pending")
		}
	})

	t.Run("other sender never replaces", func(t *testing.T) {
		s := NewStore("c1")
		now := time.Now()
		s.Upsert(placeholder("local-1", "c1", "me", "hi", now))
		r := NewReconciler("me", 0, nil)

		if out := r.Apply(s, NewMessage{Message: confirmed("srv-1", "c1", "you", "hi", now)}); out != OutcomeInserted {
			t.Fatalf("expected insert, got %s", out)
		}
		if s.Len() != 2 {
			t.Fatalf("expected 2 entries, got %d", s.Len())
		}
	})

	t.Run("other conversation ignored", func(t *testing.T) {
		s := NewStore("c1")
		r := NewReconciler("me", 0, nil)
		if out := r.Apply(s, NewMessage{Message: confirmed("m1", "c2", "u1", "", at(0))}); out != OutcomeIgnored {
			t.Fatalf("expected ignored, got %s", out)
		}
	})

	t.Run("incomplete events are no-ops", func(t *testing.T) {
		s := NewStore("c1")
		r := NewReconciler("me", 0, nil)
		if out := r.Apply(s, NewMessage{Message: Message{Body: "no id"}}); out != OutcomeIgnored {
			t.Fatalf("expected ignored, got %s", out)
		}
		if out := r.Apply(nil, MessageDeleted{MessageID: "m1"}); out != OutcomeIgnored {
			t.Fatalf("expected ignored for nil store, got %s", out)
		}
		if out := r.Apply(s, MessageDeleted{MessageID: "absent"}); out != OutcomeIgnored {
			t.Fatalf("expected ignored, got %s", out)
		}
	})
}
