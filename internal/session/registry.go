package session

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrAlreadyAttached = errors.New("session already attached")
)

const (
	DefaultTTL      = 30 * time.Minute
	DefaultLanguage = "en-IN"
	DefaultVoice    = "Puck"
)

// Removal reasons passed to the removal hook.
const (
	ReasonExpired = "expired"
	ReasonEvicted = "evicted"
)

// Session is an ephemeral, time-bounded authorization to attach one bridge.
type Session struct {
	ID                string    `json:"sessionId"`
	Language          string    `json:"language"`
	Voice             string    `json:"voice"`
	SystemInstruction string    `json:"systemInstruction"`
	CreatedAt         time.Time `json:"createdAt"`
	ExpiresAt         time.Time `json:"expiresAt"`
}

type Options struct {
	TTL             time.Duration
	MaxEntries      int
	DefaultLanguage string
	DefaultVoice    string
	Instructions    InstructionSource
	// Now is the clock used for issuance and lazy expiry checks.
	Now func() time.Time
}

type entry struct {
	session  *Session
	timer    *time.Timer
	elem     *list.Element
	attached bool
}

// Registry issues sessions and forgets them once their TTL elapses.
// Entries are kept in issuance order; with a fixed TTL that is also expiry
// order, so the front of the list is always the next to expire.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*entry
	order    *list.List
	opts     Options
	onRemove func(*Session, string)
}

func NewRegistry(opts Options) *Registry {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if strings.TrimSpace(opts.DefaultLanguage) == "" {
		opts.DefaultLanguage = DefaultLanguage
	}
	if strings.TrimSpace(opts.DefaultVoice) == "" {
		opts.DefaultVoice = DefaultVoice
	}
	if opts.Instructions == nil {
		opts.Instructions = LayeredInstructions{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		entries: make(map[string]*entry),
		order:   list.New(),
		opts:    opts,
	}
}

// SetRemoveHook registers a callback fired after a session leaves the
// registry, with ReasonExpired or ReasonEvicted.
func (r *Registry) SetRemoveHook(hook func(*Session, string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = hook
}

// TTL reports the fixed lifetime applied to issued sessions.
func (r *Registry) TTL() time.Duration { return r.opts.TTL }

func (r *Registry) Issue(ctx context.Context, req IssueRequest) (*Session, error) {
	instruction := req.SystemInstruction
	if strings.TrimSpace(instruction) == "" {
		resolved, err := r.opts.Instructions.Resolve(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve system instruction: %w", err)
		}
		instruction = resolved
	}

	now := r.opts.Now().UTC()
	s := &Session{
		ID:                uuid.NewString(),
		Language:          firstNonEmpty(req.Language, r.opts.DefaultLanguage),
		Voice:             firstNonEmpty(req.Voice, r.opts.DefaultVoice),
		SystemInstruction: instruction,
		CreatedAt:         now,
		ExpiresAt:         now.Add(r.opts.TTL),
	}

	var evicted []*Session
	r.mu.Lock()
	for r.opts.MaxEntries > 0 && len(r.entries) >= r.opts.MaxEntries {
		front := r.order.Front()
		if front == nil {
			break
		}
		id := front.Value.(string)
		old := r.removeLocked(id, r.entries[id])
		if old == nil {
			r.order.Remove(front)
			continue
		}
		evicted = append(evicted, old)
	}
	e := &entry{session: s}
	e.elem = r.order.PushBack(s.ID)
	r.entries[s.ID] = e
	e.timer = time.AfterFunc(r.opts.TTL, func() { r.expire(s.ID, e) })
	hook := r.onRemove
	r.mu.Unlock()

	if hook != nil {
		for _, old := range evicted {
			hook(old, ReasonEvicted)
		}
	}
	return clone(s), nil
}

// Validate returns the session for id while it is within its TTL.
func (r *Registry) Validate(id string) (*Session, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	if r.expiredLocked(e) {
		r.mu.Unlock()
		r.expire(id, e)
		return nil, ErrNotFound
	}
	s := clone(e.session)
	r.mu.Unlock()
	return s, nil
}

// Attach validates id and marks it bridged. A second Attach for the same id
// fails with ErrAlreadyAttached until release is called.
func (r *Registry) Attach(id string) (*Session, func(), error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return nil, nil, ErrNotFound
	}
	if r.expiredLocked(e) {
		r.mu.Unlock()
		r.expire(id, e)
		return nil, nil, ErrNotFound
	}
	if e.attached {
		r.mu.Unlock()
		return nil, nil, ErrAlreadyAttached
	}
	e.attached = true
	s := clone(e.session)
	r.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if cur, ok := r.entries[id]; ok && cur == e {
				e.attached = false
			}
		})
	}
	return s, release, nil
}

// Count reports how many sessions are currently held.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) expiredLocked(e *entry) bool {
	return !r.opts.Now().Before(e.session.ExpiresAt)
}

func (r *Registry) expire(id string, e *entry) {
	r.mu.Lock()
	removed := r.removeLocked(id, e)
	hook := r.onRemove
	r.mu.Unlock()

	if removed != nil && hook != nil {
		hook(removed, ReasonExpired)
	}
}

// removeLocked deletes id only if it still maps to e, so a late timer can
// never remove a different entry.
func (r *Registry) removeLocked(id string, e *entry) *Session {
	cur, ok := r.entries[id]
	if !ok || cur != e {
		return nil
	}
	delete(r.entries, id)
	r.order.Remove(e.elem)
	if e.timer != nil {
		e.timer.Stop()
	}
	return clone(e.session)
}

func firstNonEmpty(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return strings.TrimSpace(v)
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
