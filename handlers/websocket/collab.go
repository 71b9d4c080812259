package websocket

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/sarini12/collab-docs/collab"
	"github.com/sarini12/collab-docs/core"
	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

type ackInvoker func(err error, payload map[string]any)

// Coordinator is the subset of *collab.Coordinator the socket layer drives.
type Coordinator interface {
	Join(ctx context.Context, sessionID, key string) (string, error)
	Leave(sessionID, key string) bool
	Disconnect(sessionID string) []string
	SubmitPatch(ctx context.Context, sessionID, key, serialized string) (collab.Outcome, error)
}

type Options struct {
	// OpTimeout bounds each join or patch, store retries included.
	OpTimeout      time.Duration
	MaxPayloadSize int64
	// AllowedOrigins lists browser origins that may connect. "*" or an
	// empty list allows any origin.
	AllowedOrigins []string
}

func DefaultOptions() Options {
	return Options{
		OpTimeout:      10 * time.Second,
		MaxPayloadSize: 5000000,
		AllowedOrigins: []string{"*"},
	}
}

// handler binds one socket session to the coordinator.
type handler struct {
	coordinator Coordinator
	sessionID   string
	socket      emitter
	opTimeout   time.Duration
}

func SetupSocketIO(coordinator Coordinator, transport *SocketTransport, opts Options) *socketio.Server {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = DefaultOptions().OpTimeout
	}
	if opts.MaxPayloadSize <= 0 {
		opts.MaxPayloadSize = DefaultOptions().MaxPayloadSize
	}

	serverOpts := socketio.DefaultServerOptions()
	serverOpts.SetMaxHttpBufferSize(opts.MaxPayloadSize)
	serverOpts.SetPath("/socket.io")
	serverOpts.SetAllowEIO3(true)
	serverOpts.SetCors(socketCORS(opts.AllowedOrigins))
	srv := socketio.NewServer(nil, serverOpts)

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}

		h := &handler{
			coordinator: coordinator,
			sessionID:   string(socket.Id()),
			socket:      socket,
			opTimeout:   opts.OpTimeout,
		}
		transport.add(h.sessionID, socket)
		logrus.WithField("session_id", h.sessionID).Debug("Socket connected")

		//nolint:errcheck
		socket.On(collab.EventJoin, func(datas ...any) {
			h.onJoin(datas)
		})

		//nolint:errcheck
		socket.On(collab.EventPatch, func(datas ...any) {
			h.onPatch(datas)
		})

		//nolint:errcheck
		socket.On(collab.EventLeave, func(datas ...any) {
			h.onLeave(datas)
		})

		//nolint:errcheck
		socket.On("disconnect", func(datas ...any) {
			h.onDisconnect()
			transport.remove(h.sessionID)
			socket.RemoveAllListeners("")
		})
	})

	return srv
}

func socketCORS(origins []string) *types.Cors {
	allowed := make([]any, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			return &types.Cors{Origin: "*"}
		}
		allowed = append(allowed, o)
	}
	if len(allowed) == 0 {
		return &types.Cors{Origin: "*"}
	}
	return &types.Cors{Origin: allowed, Credentials: true}
}

func (h *handler) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), h.opTimeout)
}

func (h *handler) onJoin(datas []any) {
	ack, args := extractAck(datas)
	key, ok := parseKey(args)
	if !ok {
		err := fmt.Errorf("document key is required")
		_ = h.socket.Emit(collab.EventError, "Invalid document key")
		respondWithAck(ack, errorPayload(err), err)
		return
	}

	ctx, cancel := h.opContext()
	defer cancel()

	if _, err := h.coordinator.Join(ctx, h.sessionID, key); err != nil {
		respondWithAck(ack, errorPayload(err), err)
		return
	}
	respondWithAck(ack, map[string]any{"status": "ok"}, nil)
}

func (h *handler) onPatch(datas []any) {
	ack, args := extractAck(datas)
	key, patches, err := parsePatchArgs(args)
	if err != nil {
		_ = h.socket.Emit(collab.EventError, "Patch failed")
		respondWithAck(ack, errorPayload(err), err)
		return
	}

	ctx, cancel := h.opContext()
	defer cancel()

	out, err := h.coordinator.SubmitPatch(ctx, h.sessionID, key, patches)
	if err != nil {
		payload := errorPayload(err)
		if out.Applied != nil {
			payload["applied"] = out.Applied
		}
		respondWithAck(ack, payload, err)
		return
	}

	respondWithAck(ack, map[string]any{
		"status":  "ok",
		"changed": out.Changed,
		"applied": out.Applied,
	}, nil)
}

func (h *handler) onLeave(datas []any) {
	ack, args := extractAck(datas)
	key, ok := parseKey(args)
	if !ok {
		err := fmt.Errorf("document key is required")
		respondWithAck(ack, errorPayload(err), err)
		return
	}

	left := h.coordinator.Leave(h.sessionID, key)
	respondWithAck(ack, map[string]any{"status": "ok", "left": left}, nil)
}

func (h *handler) onDisconnect() {
	keys := h.coordinator.Disconnect(h.sessionID)
	logrus.WithFields(logrus.Fields{
		"session_id": h.sessionID,
		"rooms":      keys,
	}).Debug("Socket disconnected")
}

// parseKey accepts either a bare key or an object with a "key" field.
func parseKey(args []any) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	switch v := args[0].(type) {
	case string:
		return v, v != ""
	case map[string]any:
		key, ok := v["key"].(string)
		return key, ok && key != ""
	}
	return "", false
}

func parsePatchArgs(args []any) (key, patches string, err error) {
	if len(args) == 0 {
		return "", "", fmt.Errorf("patch payload is required")
	}

	payload, ok := args[0].(map[string]any)
	if !ok {
		return "", "", fmt.Errorf("patch payload must be an object")
	}
	key, _ = payload["key"].(string)
	if key == "" {
		return "", "", fmt.Errorf("document key is required")
	}
	patches, ok = payload["patches"].(string)
	if !ok {
		return "", "", fmt.Errorf("patches must be a string")
	}
	return key, patches, nil
}

// errorPayload keeps store and engine internals out of client acks.
func errorPayload(err error) map[string]any {
	message := "Patch failed"
	switch {
	case errors.Is(err, core.ErrInvalidKey):
		message = "Invalid document key"
	case errors.Is(err, core.ErrStorageUnavailable), errors.Is(err, core.ErrNotFound):
		message = "Failed to load document"
	case errors.Is(err, collab.ErrPartialPatch):
		message = "Patch applied partially"
	case errors.Is(err, collab.ErrPatchConflict):
		message = "Patch does not match document"
	case errors.Is(err, context.DeadlineExceeded):
		message = "Operation timed out"
	}
	return map[string]any{
		"status": "error",
		"error":  message,
	}
}

func extractAck(datas []any) (ack ackInvoker, args []any) {
	if len(datas) == 0 {
		return nil, datas
	}

	candidate := datas[len(datas)-1]
	ack = wrapAck(candidate)
	if ack == nil {
		return nil, datas
	}

	return ack, datas[:len(datas)-1]
}

// wrapAck adapts whatever callback shape the transport hands over.
func wrapAck(candidate any) ackInvoker {
	if candidate == nil {
		return nil
	}

	value := reflect.ValueOf(candidate)
	if !value.IsValid() || value.Kind() != reflect.Func {
		return nil
	}

	typ := value.Type()
	return func(err error, payload map[string]any) {
		value.Call(buildAckArgs(typ, err, payload))
	}
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// buildAckArgs routes err to error parameters and payload to the rest. The
// server's own ack type is func([]any, error), so slices get a one-element list.
func buildAckArgs(typ reflect.Type, err error, payload map[string]any) []reflect.Value {
	numIn := typ.NumIn()
	if typ.IsVariadic() && numIn == 1 {
		return []reflect.Value{reflect.ValueOf(payload)}
	}

	args := make([]reflect.Value, numIn)
	for i := 0; i < numIn; i++ {
		paramType := typ.In(i)
		var argValue any
		switch {
		case paramType == errorType:
			if err != nil {
				argValue = err
			}
		case paramType.Kind() == reflect.Slice && paramType.Elem().Kind() == reflect.Interface:
			argValue = []any{payload}
		default:
			argValue = payload
		}
		args[i] = coerceValue(argValue, paramType)
	}
	return args
}

func coerceValue(value any, targetType reflect.Type) reflect.Value {
	if value == nil {
		return reflect.Zero(targetType)
	}

	rv := reflect.ValueOf(value)
	switch {
	case rv.Type().AssignableTo(targetType):
		return rv
	case rv.Type().ConvertibleTo(targetType):
		return rv.Convert(targetType)
	case targetType.Kind() == reflect.String:
		return reflect.ValueOf(fmt.Sprint(value)).Convert(targetType)
	case targetType.Kind() == reflect.Map && targetType.Key().Kind() == reflect.String:
		if payload, ok := value.(map[string]any); ok {
			return convertMap(payload, targetType)
		}
	}
	return reflect.Zero(targetType)
}

func convertMap(source map[string]any, targetType reflect.Type) reflect.Value {
	result := reflect.MakeMapWithSize(targetType, len(source))
	for key, val := range source {
		if val == nil {
			continue
		}
		valueValue := reflect.ValueOf(val)
		if !valueValue.Type().AssignableTo(targetType.Elem()) {
			if !valueValue.Type().ConvertibleTo(targetType.Elem()) {
				continue
			}
			valueValue = valueValue.Convert(targetType.Elem())
		}
		result.SetMapIndex(reflect.ValueOf(key).Convert(targetType.Key()), valueValue)
	}
	return result
}

func respondWithAck(ack ackInvoker, payload map[string]any, ackErr error) {
	if ack == nil {
		return
	}
	ack(ackErr, payload)
}
