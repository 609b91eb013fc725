package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestIssueAppliesDefaultsAndUniqueIDs(t *testing.T) {
	r := NewRegistry(Options{Instructions: LayeredInstructions{Fallback: "be brief"}})

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		s, err := r.Issue(context.Background(), IssueRequest{})
		if err != nil {
			t.Fatalf("Issue() error = %v", err)
		}
		if s.ID == "" {
			t.Fatalf("session ID should not be empty")
		}
		if seen[s.ID] {
			t.Fatalf("duplicate session ID %q", s.ID)
		}
		seen[s.ID] = true
		if s.Language != DefaultLanguage || s.Voice != DefaultVoice {
			t.Fatalf("defaults = %q/%q, want %q/%q", s.Language, s.Voice, DefaultLanguage, DefaultVoice)
		}
		if s.SystemInstruction != "be brief" {
			t.Fatalf("SystemInstruction = %q, want fallback", s.SystemInstruction)
		}
		if got := s.ExpiresAt.Sub(s.CreatedAt); got != DefaultTTL {
			t.Fatalf("ttl = %v, want %v", got, DefaultTTL)
		}
	}
}

func TestIssueHonoursRequestOverrides(t *testing.T) {
	r := NewRegistry(Options{})
	s, err := r.Issue(context.Background(), IssueRequest{Language: "hi-IN", Voice: "Kore", SystemInstruction: "custom"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if s.Language != "hi-IN" || s.Voice != "Kore" || s.SystemInstruction != "custom" {
		t.Fatalf("unexpected session: %+v", s)
	}
}

func TestValidateUntilExactlyTTL(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	r := NewRegistry(Options{TTL: time.Hour, Now: clock.Now})

	s, err := r.Issue(context.Background(), IssueRequest{})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	clock.Advance(time.Hour - time.Nanosecond)
	if _, err := r.Validate(s.ID); err != nil {
		t.Fatalf("Validate() just before TTL error = %v", err)
	}

	clock.Advance(time.Nanosecond)
	if _, err := r.Validate(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Validate() at TTL error = %v, want ErrNotFound", err)
	}
	clock.Advance(time.Minute)
	if _, err := r.Validate(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Validate() after TTL error = %v, want ErrNotFound", err)
	}
	if r.Count() != 0 {
		t.Fatalf("Count() = %d, want 0 after lazy expiry", r.Count())
	}
}

func TestTimerRemovesExpiredSession(t *testing.T) {
	r := NewRegistry(Options{TTL: 30 * time.Millisecond})
	removed := make(chan string, 1)
	r.SetRemoveHook(func(s *Session, reason string) {
		removed <- reason
	})

	s, err := r.Issue(context.Background(), IssueRequest{})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	select {
	case reason := <-removed:
		if reason != ReasonExpired {
			t.Fatalf("reason = %q, want %q", reason, ReasonExpired)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session was not expired by its timer")
	}
	if _, err := r.Validate(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Validate() error = %v, want ErrNotFound", err)
	}
}

func TestIssueEvictsOldestAtCapacity(t *testing.T) {
	r := NewRegistry(Options{MaxEntries: 2})
	var evicted []string
	r.SetRemoveHook(func(s *Session, reason string) {
		if reason == ReasonEvicted {
			evicted = append(evicted, s.ID)
		}
	})

	first, _ := r.Issue(context.Background(), IssueRequest{})
	second, _ := r.Issue(context.Background(), IssueRequest{})
	third, _ := r.Issue(context.Background(), IssueRequest{})

	if r.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", r.Count())
	}
	if len(evicted) != 1 || evicted[0] != first.ID {
		t.Fatalf("evicted = %v, want [%s]", evicted, first.ID)
	}
	if _, err := r.Validate(first.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("oldest session should be evicted, err = %v", err)
	}
	for _, id := range []string{second.ID, third.ID} {
		if _, err := r.Validate(id); err != nil {
			t.Fatalf("Validate(%s) error = %v", id, err)
		}
	}
}

func TestAttachRejectsSecondConnection(t *testing.T) {
	r := NewRegistry(Options{})
	s, _ := r.Issue(context.Background(), IssueRequest{})

	got, release, err := r.Attach(s.ID)
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if got.ID != s.ID {
		t.Fatalf("Attach() id = %q, want %q", got.ID, s.ID)
	}
	if _, _, err := r.Attach(s.ID); !errors.Is(err, ErrAlreadyAttached) {
		t.Fatalf("second Attach() error = %v, want ErrAlreadyAttached", err)
	}

	release()
	release()
	_, release2, err := r.Attach(s.ID)
	if err != nil {
		t.Fatalf("Attach() after release error = %v", err)
	}
	release2()

	if _, _, err := r.Attach("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Attach(missing) error = %v, want ErrNotFound", err)
	}
}

func TestLayeredInstructionsPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "systemInstruction.txt")
	if err := os.WriteFile(path, []byte("from file"), 0o644); err != nil {
		t.Fatalf("write instruction file: %v", err)
	}
	ctx := context.Background()

	got, err := LayeredInstructions{Override: "from env", File: path}.Resolve(ctx)
	if err != nil || got != "from env" {
		t.Fatalf("override: got %q, %v", got, err)
	}
	got, err = LayeredInstructions{File: path}.Resolve(ctx)
	if err != nil || got != "from file" {
		t.Fatalf("file: got %q, %v", got, err)
	}
	got, err = LayeredInstructions{File: filepath.Join(dir, "missing.txt")}.Resolve(ctx)
	if err != nil || got != DefaultPersona {
		t.Fatalf("fallback: got %q, %v", got, err)
	}
}
