package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sarini12/collab-docs/core"
	"github.com/sarini12/collab-docs/eventlog"
	"github.com/sarini12/collab-docs/patch"
	"github.com/sarini12/collab-docs/session"
	"github.com/sarini12/collab-docs/stores/memory"
)

type delivery struct {
	sessionID string
	event     string
	payload   any
}

// recordingTransport remembers every delivery in order.
type recordingTransport struct {
	mu         sync.Mutex
	deliveries []delivery
	failFor    map[string]bool
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{failFor: make(map[string]bool)}
}

func (r *recordingTransport) Deliver(sessionID, event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failFor[sessionID] {
		return fmt.Errorf("session %s gone", sessionID)
	}
	r.deliveries = append(r.deliveries, delivery{sessionID, event, payload})
	return nil
}

func (r *recordingTransport) to(sessionID, event string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, d := range r.deliveries {
		if d.sessionID == sessionID && d.event == event {
			out = append(out, d.payload)
		}
	}
	return out
}

// flakyStore wraps a store with injectable failures.
type flakyStore struct {
	core.DocumentStore

	mu          sync.Mutex
	getFailures int
	getErr      error
	saveErr     error
	saves       []string
	delay       time.Duration
}

func (s *flakyStore) GetOrCreate(ctx context.Context, key string) (*core.Document, bool, error) {
	s.mu.Lock()
	if s.getFailures > 0 {
		s.getFailures--
		err := s.getErr
		s.mu.Unlock()
		return nil, false, err
	}
	delay := s.delay
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	return s.DocumentStore.GetOrCreate(ctx, key)
}

func (s *flakyStore) Save(ctx context.Context, key, content string, updatedAt time.Time) error {
	s.mu.Lock()
	saveErr := s.saveErr
	s.mu.Unlock()
	if saveErr != nil {
		return saveErr
	}
	if err := s.DocumentStore.Save(ctx, key, content, updatedAt); err != nil {
		return err
	}
	s.mu.Lock()
	s.saves = append(s.saves, content)
	s.mu.Unlock()
	return nil
}

func (s *flakyStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saves)
}

type recordingSink struct {
	mu     sync.Mutex
	events []eventlog.PatchEvent
}

func (r *recordingSink) Enqueue(ctx context.Context, evt eventlog.PatchEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

type harness struct {
	coord     *Coordinator
	store     *flakyStore
	rooms     core.RoomRegistry
	registry  *session.Registry
	transport *recordingTransport
	engine    *patch.Engine
	sink      *recordingSink
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	mem := memory.NewDocumentStore()
	h := &harness{
		store:     &flakyStore{DocumentStore: mem},
		rooms:     mem,
		registry:  session.NewRegistry(),
		transport: newRecordingTransport(),
		engine:    patch.NewEngine(patch.DefaultOptions()),
		sink:      &recordingSink{},
	}
	h.coord = NewCoordinator(Deps{
		Store:     h.store,
		Registry:  h.registry,
		Engine:    h.engine,
		Transport: h.transport,
		Rooms:     h.rooms,
		Events:    h.sink,
	}, opts)
	return h
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.RetryInterval = time.Millisecond
	return opts
}

// seed stores content under key without going through the coordinator.
func (h *harness) seed(t *testing.T, key, content string) {
	t.Helper()
	ctx := context.Background()
	if _, _, err := h.store.DocumentStore.GetOrCreate(ctx, key); err != nil {
		t.Fatalf("seed GetOrCreate() failed: %v", err)
	}
	if err := h.store.DocumentStore.Save(ctx, key, content, time.Now()); err != nil {
		t.Fatalf("seed Save() failed: %v", err)
	}
}

func (h *harness) join(t *testing.T, key string, sessions ...string) {
	t.Helper()
	for _, s := range sessions {
		if _, err := h.coord.Join(context.Background(), s, key); err != nil {
			t.Fatalf("Join(%s) failed: %v", s, err)
		}
	}
}

func (h *harness) content(t *testing.T, key string) string {
	t.Helper()
	doc, err := h.store.Find(context.Background(), key)
	if err != nil {
		t.Fatalf("Find() failed: %v", err)
	}
	return doc.Content
}

// noopLocker disables per-key serialization.
type noopLocker struct{}

func (noopLocker) Lock(string) func() { return func() {} }

// barrierStore holds every GetOrCreate until n callers have read.
type barrierStore struct {
	core.DocumentStore
	mu      sync.Mutex
	waiting int
	n       int
	release chan struct{}
}

func (b *barrierStore) GetOrCreate(ctx context.Context, key string) (*core.Document, bool, error) {
	doc, created, err := b.DocumentStore.GetOrCreate(ctx, key)

	b.mu.Lock()
	b.waiting++
	if b.waiting == b.n {
		close(b.release)
	}
	b.mu.Unlock()

	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
	return doc, created, err
}

func paragraphs(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "paragraph %02d: the quick brown fox\n", i)
	}
	return b.String()
}

func editParagraph(base string, i int) string {
	old := fmt.Sprintf("paragraph %02d: the quick", i)
	return strings.Replace(base, old, fmt.Sprintf("paragraph %02d: the QUICK", i), 1)
}

func errorMessages(h *harness, sessionID string) []string {
	var out []string
	for _, p := range h.transport.to(sessionID, EventError) {
		out = append(out, p.(string))
	}
	return out
}

var errBoom = errors.New("boom")
