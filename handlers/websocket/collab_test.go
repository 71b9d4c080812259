package websocket

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/sarini12/collab-docs/collab"
	"github.com/sarini12/collab-docs/core"
)

type emitted struct {
	event string
	args  []any
}

type fakeSocket struct {
	mu     sync.Mutex
	events []emitted
	err    error
}

func (s *fakeSocket) Emit(event string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, emitted{event: event, args: args})
	return s.err
}

type fakeCoordinator struct {
	joins       []string
	patches     []string
	leaves      []string
	disconnects []string
	joinErr     error
	patchOut    collab.Outcome
	patchErr    error
	deadline    bool
}

func (c *fakeCoordinator) Join(ctx context.Context, sessionID, key string) (string, error) {
	_, c.deadline = ctx.Deadline()
	c.joins = append(c.joins, sessionID+":"+key)
	return "content", c.joinErr
}

func (c *fakeCoordinator) Leave(sessionID, key string) bool {
	c.leaves = append(c.leaves, sessionID+":"+key)
	return true
}

func (c *fakeCoordinator) Disconnect(sessionID string) []string {
	c.disconnects = append(c.disconnects, sessionID)
	return []string{"a"}
}

func (c *fakeCoordinator) SubmitPatch(ctx context.Context, sessionID, key, serialized string) (collab.Outcome, error) {
	_, c.deadline = ctx.Deadline()
	c.patches = append(c.patches, key+":"+serialized)
	return c.patchOut, c.patchErr
}

func newTestHandler() (*handler, *fakeCoordinator, *fakeSocket) {
	coord := &fakeCoordinator{}
	socket := &fakeSocket{}
	return &handler{
		coordinator: coord,
		sessionID:   "s1",
		socket:      socket,
		opTimeout:   time.Second,
	}, coord, socket
}

// ackRecorder captures what a handler acknowledges.
type ackRecorder struct {
	called  bool
	err     error
	payload map[string]any
}

func (a *ackRecorder) fn() func(error, map[string]any) {
	return func(err error, payload map[string]any) {
		a.called = true
		a.err = err
		a.payload = payload
	}
}

func TestTransport_Deliver(t *testing.T) {
	transport := NewSocketTransport()
	socket := &fakeSocket{}
	transport.add("s1", socket)

	if err := transport.Deliver("s1", collab.EventLoad, collab.LoadPayload{Content: "x"}); err != nil {
		t.Fatalf("Deliver() failed: %v", err)
	}
	if len(socket.events) != 1 || socket.events[0].event != collab.EventLoad {
		t.Errorf("unexpected emits: %+v", socket.events)
	}

	transport.remove("s1")
	if err := transport.Deliver("s1", collab.EventLoad, nil); err == nil {
		t.Error("Deliver() to a removed session should fail")
	}
	if transport.Connected() != 0 {
		t.Errorf("Connected() = %d, want 0", transport.Connected())
	}
}

func TestTransport_EmitError(t *testing.T) {
	transport := NewSocketTransport()
	transport.add("s1", &fakeSocket{err: errors.New("closed")})

	if err := transport.Deliver("s1", collab.EventPatch, nil); err == nil {
		t.Error("Deliver() should surface emit errors")
	}
}

func TestParseKey(t *testing.T) {
	testCases := []struct {
		name string
		args []any
		want string
		ok   bool
	}{
		{"bare string", []any{"notes"}, "notes", true},
		{"object", []any{map[string]any{"key": "notes"}}, "notes", true},
		{"empty string", []any{""}, "", false},
		{"no args", nil, "", false},
		{"number", []any{42.0}, "", false},
		{"object without key", []any{map[string]any{"id": "x"}}, "", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := parseKey(tc.args)
			if got != tc.want || ok != tc.ok {
				t.Errorf("parseKey() = (%q, %v), want (%q, %v)", got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestParsePatchArgs(t *testing.T) {
	testCases := []struct {
		name    string
		args    []any
		wantErr bool
	}{
		{"valid", []any{map[string]any{"key": "k", "patches": "@@ -1 +1 @@\n"}}, false},
		{"empty patches allowed", []any{map[string]any{"key": "k", "patches": ""}}, false},
		{"missing key", []any{map[string]any{"patches": "p"}}, true},
		{"patches not string", []any{map[string]any{"key": "k", "patches": []any{}}}, true},
		{"not an object", []any{"k"}, true},
		{"no args", nil, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := parsePatchArgs(tc.args)
			if (err != nil) != tc.wantErr {
				t.Errorf("parsePatchArgs() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestOnJoin(t *testing.T) {
	h, coord, _ := newTestHandler()
	ack := &ackRecorder{}

	h.onJoin([]any{"notes", ack.fn()})

	if len(coord.joins) != 1 || coord.joins[0] != "s1:notes" {
		t.Errorf("joins = %v", coord.joins)
	}
	if !coord.deadline {
		t.Error("join ran without a deadline")
	}
	if !ack.called || ack.err != nil || ack.payload["status"] != "ok" {
		t.Errorf("ack mismatch: %+v", ack)
	}
}

func TestOnJoin_MissingKey(t *testing.T) {
	h, coord, socket := newTestHandler()
	ack := &ackRecorder{}

	h.onJoin([]any{ack.fn()})

	if len(coord.joins) != 0 {
		t.Error("coordinator called without a key")
	}
	if len(socket.events) != 1 || socket.events[0].event != collab.EventError {
		t.Errorf("expected doc:error, got %+v", socket.events)
	}
	if ack.payload["status"] != "error" {
		t.Errorf("ack status = %v", ack.payload["status"])
	}
}

func TestOnJoin_CoordinatorError(t *testing.T) {
	h, coord, _ := newTestHandler()
	coord.joinErr = fmt.Errorf("%w: dial tcp 10.0.0.1:5432", core.ErrStorageUnavailable)
	ack := &ackRecorder{}

	h.onJoin([]any{"notes", ack.fn()})

	if ack.payload["error"] != "Failed to load document" {
		t.Errorf("ack error = %v", ack.payload["error"])
	}
}

func TestOnPatch(t *testing.T) {
	h, coord, _ := newTestHandler()
	coord.patchOut = collab.Outcome{Changed: true, Applied: []bool{true}, Delivered: 2}
	ack := &ackRecorder{}

	h.onPatch([]any{map[string]any{"key": "notes", "patches": "P"}, ack.fn()})

	if len(coord.patches) != 1 || coord.patches[0] != "notes:P" {
		t.Errorf("patches = %v", coord.patches)
	}
	if ack.payload["status"] != "ok" || ack.payload["changed"] != true {
		t.Errorf("ack mismatch: %+v", ack.payload)
	}
	if !reflect.DeepEqual(ack.payload["applied"], []bool{true}) {
		t.Errorf("ack applied = %v", ack.payload["applied"])
	}
}

func TestOnPatch_WithoutAck(t *testing.T) {
	h, coord, _ := newTestHandler()

	h.onPatch([]any{map[string]any{"key": "notes", "patches": "P"}})

	if len(coord.patches) != 1 {
		t.Errorf("patch not submitted without ack: %v", coord.patches)
	}
}

func TestOnPatch_Malformed(t *testing.T) {
	h, coord, socket := newTestHandler()
	ack := &ackRecorder{}

	h.onPatch([]any{"just a string", ack.fn()})

	if len(coord.patches) != 0 {
		t.Error("coordinator called for malformed args")
	}
	if len(socket.events) != 1 || socket.events[0].event != collab.EventError {
		t.Errorf("expected doc:error, got %+v", socket.events)
	}
	if ack.err == nil {
		t.Error("ack should carry an error")
	}
}

func TestOnPatch_PartialRejected(t *testing.T) {
	h, coord, _ := newTestHandler()
	coord.patchOut = collab.Outcome{Applied: []bool{true, false}}
	coord.patchErr = fmt.Errorf("%w: 1 of 2 hunks failed", collab.ErrPartialPatch)
	ack := &ackRecorder{}

	h.onPatch([]any{map[string]any{"key": "notes", "patches": "P"}, ack.fn()})

	if ack.payload["status"] != "error" || ack.payload["error"] != "Patch applied partially" {
		t.Errorf("ack mismatch: %+v", ack.payload)
	}
	if !reflect.DeepEqual(ack.payload["applied"], []bool{true, false}) {
		t.Errorf("ack applied = %v", ack.payload["applied"])
	}
}

func TestOnLeaveAndDisconnect(t *testing.T) {
	h, coord, _ := newTestHandler()
	ack := &ackRecorder{}

	h.onLeave([]any{map[string]any{"key": "notes"}, ack.fn()})
	h.onDisconnect()

	if len(coord.leaves) != 1 || coord.leaves[0] != "s1:notes" {
		t.Errorf("leaves = %v", coord.leaves)
	}
	if ack.payload["left"] != true {
		t.Errorf("ack mismatch: %+v", ack.payload)
	}
	if len(coord.disconnects) != 1 || coord.disconnects[0] != "s1" {
		t.Errorf("disconnects = %v", coord.disconnects)
	}
}

func TestErrorPayload_HidesInternals(t *testing.T) {
	testCases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: too long", core.ErrInvalidKey), "Invalid document key"},
		{fmt.Errorf("%w: /var/lib/secret", core.ErrStorageUnavailable), "Failed to load document"},
		{fmt.Errorf("%w: 2 hunks", collab.ErrPatchConflict), "Patch does not match document"},
		{context.DeadlineExceeded, "Operation timed out"},
		{errors.New("pq: relation missing"), "Patch failed"},
	}

	for _, tc := range testCases {
		if got := errorPayload(tc.err)["error"]; got != tc.want {
			t.Errorf("errorPayload(%v) = %v, want %q", tc.err, got, tc.want)
		}
	}
}

func TestExtractAck(t *testing.T) {
	ack, args := extractAck([]any{"a", "b"})
	if ack != nil || len(args) != 2 {
		t.Errorf("non-func last arg treated as ack: %d args", len(args))
	}

	ack, args = extractAck([]any{"a", func(...any) {}})
	if ack == nil || len(args) != 1 {
		t.Errorf("func last arg not extracted: ack=%v args=%d", ack != nil, len(args))
	}

	ack, args = extractAck(nil)
	if ack != nil || len(args) != 0 {
		t.Error("empty args should yield no ack")
	}
}

func TestWrapAck_CallbackShapes(t *testing.T) {
	payload := map[string]any{"status": "ok"}

	t.Run("variadic", func(t *testing.T) {
		var got []any
		wrapAck(func(args ...any) { got = args })(nil, payload)
		if len(got) != 1 || !reflect.DeepEqual(got[0], payload) {
			t.Errorf("variadic ack got %v", got)
		}
	})

	t.Run("error and payload", func(t *testing.T) {
		var gotErr error
		var gotPayload map[string]any
		boom := errors.New("boom")
		wrapAck(func(err error, p map[string]any) { gotErr, gotPayload = err, p })(boom, payload)
		if gotErr != boom || gotPayload["status"] != "ok" {
			t.Errorf("ack got (%v, %v)", gotErr, gotPayload)
		}
	})

	t.Run("socket.io ack", func(t *testing.T) {
		var got []any
		var gotErr error
		wrapAck(func(args []any, err error) { got, gotErr = args, err })(nil, payload)
		if gotErr != nil || len(got) != 1 || !reflect.DeepEqual(got[0], payload) {
			t.Errorf("socket.io ack got (%v, %v)", got, gotErr)
		}
	})

	t.Run("typed map", func(t *testing.T) {
		var got map[string]string
		wrapAck(func(p map[string]string) { got = p })(nil, payload)
		if got["status"] != "ok" {
			t.Errorf("typed map ack got %v", got)
		}
	})

	t.Run("string", func(t *testing.T) {
		var got string
		wrapAck(func(s string) { got = s })(nil, map[string]any{"a": 1})
		if got != "map[a:1]" {
			t.Errorf("string ack got %q", got)
		}
	})
}

func TestCoerceValue(t *testing.T) {
	if v := coerceValue(nil, reflect.TypeOf(0)); v.Int() != 0 {
		t.Errorf("nil should coerce to zero, got %v", v)
	}
	if v := coerceValue(int32(7), reflect.TypeOf(int64(0))); v.Int() != 7 {
		t.Errorf("convertible value not converted: %v", v)
	}
	if v := coerceValue(struct{}{}, reflect.TypeOf(0)); v.Int() != 0 {
		t.Errorf("inconvertible value should be zero, got %v", v)
	}
}

func TestSocketCORS(t *testing.T) {
	testCases := []struct {
		name        string
		origins     []string
		wantOrigin  any
		credentials bool
	}{
		{"wildcard", []string{"*"}, "*", false},
		{"empty", nil, "*", false},
		{"wildcard in list", []string{"https://a.example.com", "*"}, "*", false},
		{"allow list", []string{"https://a.example.com", "http://localhost:5173"}, []any{"https://a.example.com", "http://localhost:5173"}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := socketCORS(tc.origins)
			if !reflect.DeepEqual(got.Origin, tc.wantOrigin) || got.Credentials != tc.credentials {
				t.Errorf("socketCORS(%v) = %+v", tc.origins, got)
			}
		})
	}
}

func TestDefaultOptions_AllowAnyOrigin(t *testing.T) {
	opts := DefaultOptions()
	if !reflect.DeepEqual(opts.AllowedOrigins, []string{"*"}) {
		t.Errorf("AllowedOrigins = %v", opts.AllowedOrigins)
	}
}
