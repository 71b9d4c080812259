// Package collab coordinates realtime editing of shared documents.
//
// A Coordinator owns the join and patch flows. For any one document key
// the fetch, merge, persist and broadcast steps run under a per-key lock,
// so concurrent patches to the same document are applied one after another
// against the latest stored text and peers receive them in the order they
// were persisted. Different keys never wait on each other.
package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/oklog/ulid/v2"
	"github.com/sarini12/collab-docs/core"
	"github.com/sarini12/collab-docs/eventlog"
	"github.com/sarini12/collab-docs/patch"
	"github.com/sarini12/collab-docs/session"
	"github.com/sirupsen/logrus"
)

var (
	// ErrPartialPatch is returned under PartialReject when some hunks of a
	// patch could not be located.
	ErrPartialPatch = errors.New("patch applied partially")
	// ErrPatchConflict is returned under PartialReject when no hunk of a
	// non-empty patch could be located.
	ErrPatchConflict = errors.New("patch does not match document")
)

type PartialPolicy string

const (
	PartialAccept PartialPolicy = "accept"
	PartialReject PartialPolicy = "reject"
)

type BroadcastMode string

const (
	// BroadcastPatch relays the submitted patch text to peers.
	BroadcastPatch BroadcastMode = "patch"
	// BroadcastContent sends peers the merged document as a doc:load.
	BroadcastContent BroadcastMode = "content"
)

type Options struct {
	PartialPolicy PartialPolicy
	BroadcastMode BroadcastMode
	// MaxRetries bounds retries of a store read that failed with
	// core.ErrStorageUnavailable.
	MaxRetries    int
	RetryInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		PartialPolicy: PartialAccept,
		BroadcastMode: BroadcastPatch,
		MaxRetries:    3,
		RetryInterval: 50 * time.Millisecond,
	}
}

// Deps are the collaborators of a Coordinator. Rooms and Events are optional.
type Deps struct {
	Store     core.DocumentStore
	Registry  *session.Registry
	Engine    *patch.Engine
	Transport Transport
	Rooms     core.RoomRegistry
	Events    EventSink
}

// Outcome describes an accepted patch submission.
type Outcome struct {
	Changed   bool
	Applied   []bool
	Delivered int
}

type Coordinator struct {
	store       core.DocumentStore
	registry    *session.Registry
	engine      *patch.Engine
	broadcaster *Broadcaster
	rooms       core.RoomRegistry
	events      EventSink
	locks       locker
	opts        Options
	now         func() time.Time
}

func NewCoordinator(deps Deps, opts Options) *Coordinator {
	if opts.PartialPolicy == "" {
		opts.PartialPolicy = PartialAccept
	}
	if opts.BroadcastMode == "" {
		opts.BroadcastMode = BroadcastPatch
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultOptions().RetryInterval
	}

	return &Coordinator{
		store:       deps.Store,
		registry:    deps.Registry,
		engine:      deps.Engine,
		broadcaster: NewBroadcaster(deps.Registry, deps.Transport),
		rooms:       deps.Rooms,
		events:      deps.Events,
		locks:       newKeyLocks(),
		opts:        opts,
		now:         time.Now,
	}
}

// Join adds sessionID to the room of key and sends it the current content
// as doc:load. The document is created empty when key is unseen. On failure
// the session gets a doc:error and is not registered.
func (c *Coordinator) Join(ctx context.Context, sessionID, key string) (string, error) {
	log := logrus.WithFields(logrus.Fields{
		"document_key": key,
		"session_id":   sessionID,
	})

	if err := core.ValidateKey(key); err != nil {
		c.reject(sessionID, msgInvalidKey)
		return "", err
	}

	// Registering under the key lock means the joiner either sees a patch
	// in the loaded content or receives it as a broadcast afterwards.
	unlock := c.locks.Lock(key)
	defer unlock()

	doc, err := c.getOrCreate(ctx, key)
	if err != nil {
		log.WithError(err).Error("Failed to load document for join")
		c.reject(sessionID, msgLoadFailed)
		return "", err
	}

	if c.registry.Join(sessionID, key) {
		log.Info("Session joined document")
	}
	c.touch(ctx, key)

	if err := c.broadcaster.SendTo(sessionID, EventLoad, LoadPayload{Content: doc.Content}); err != nil {
		log.WithError(err).Warn("Failed to deliver document")
	}
	return doc.Content, nil
}

// Leave removes sessionID from the room of key.
func (c *Coordinator) Leave(sessionID, key string) bool {
	left := c.registry.Leave(sessionID, key)
	if left {
		logrus.WithFields(logrus.Fields{
			"document_key": key,
			"session_id":   sessionID,
		}).Info("Session left document")
	}
	return left
}

// Disconnect removes sessionID from every room and returns the keys it left.
func (c *Coordinator) Disconnect(sessionID string) []string {
	keys := c.registry.LeaveAll(sessionID)
	logrus.WithFields(logrus.Fields{
		"session_id": sessionID,
		"rooms":      len(keys),
	}).Debug("Session disconnected")
	return keys
}

// SubmitPatch merges serialized into the stored document for key, persists
// the result and relays the change to every other session in the room.
// A patch that leaves the document unchanged is neither saved nor relayed.
// Any failure is reported to the sender alone as doc:error.
func (c *Coordinator) SubmitPatch(ctx context.Context, sessionID, key, serialized string) (Outcome, error) {
	log := logrus.WithFields(logrus.Fields{
		"document_key": key,
		"session_id":   sessionID,
	})

	if err := core.ValidateKey(key); err != nil {
		c.reject(sessionID, msgInvalidKey)
		return Outcome{}, err
	}

	// Parse before touching the store so a malformed patch has no effect.
	p, err := c.engine.Parse(serialized)
	if err != nil {
		log.WithError(err).Warn("Rejected malformed patch")
		c.reject(sessionID, msgPatchFail)
		return Outcome{}, err
	}

	unlock := c.locks.Lock(key)
	defer unlock()

	doc, err := c.getOrCreate(ctx, key)
	if err != nil {
		log.WithError(err).Error("Failed to load document for patch")
		c.reject(sessionID, msgPatchFail)
		return Outcome{}, err
	}

	res, err := c.engine.Apply(p, doc.Content)
	if err != nil {
		log.WithError(err).Warn("Failed to apply patch")
		c.reject(sessionID, msgPatchFail)
		return Outcome{}, err
	}
	out := Outcome{Applied: res.Applied}

	if failed := res.Failed(); failed > 0 {
		log = log.WithFields(logrus.Fields{
			"failed_hunks": failed,
			"total_hunks":  len(res.Applied),
		})
		switch {
		case failed == len(res.Applied) && c.opts.PartialPolicy == PartialAccept:
			// Nothing merged, so the stored text is unchanged.
			log.Info("No hunk of the patch matched")
			return out, nil
		case failed == len(res.Applied):
			log.Warn("Rejected patch with no matching hunk")
			c.reject(sessionID, msgPatchFail)
			return out, fmt.Errorf("%w: %d hunks", ErrPatchConflict, failed)
		case c.opts.PartialPolicy == PartialReject:
			log.Warn("Rejected partially applicable patch")
			c.reject(sessionID, msgPatchFail)
			return out, fmt.Errorf("%w: %d of %d hunks failed", ErrPartialPatch, failed, len(res.Applied))
		default:
			log.Info("Patch applied partially")
		}
	}

	if res.Text == doc.Content {
		log.Debug("Patch left document unchanged")
		return out, nil
	}

	updatedAt := c.now()
	if err := c.store.Save(ctx, key, res.Text, updatedAt); err != nil {
		log.WithError(err).Error("Failed to save document")
		c.reject(sessionID, msgPatchFail)
		return out, err
	}
	out.Changed = true

	switch c.opts.BroadcastMode {
	case BroadcastContent:
		out.Delivered = c.broadcaster.Send(key, sessionID, EventLoad, LoadPayload{Content: res.Text})
	default:
		out.Delivered = c.broadcaster.Send(key, sessionID, EventPatch, PatchPayload{Patches: serialized})
	}

	// A partially applied patch leaves the sender out of date.
	if res.Partial() {
		if err := c.broadcaster.SendTo(sessionID, EventLoad, LoadPayload{Content: res.Text}); err != nil {
			log.WithError(err).Warn("Failed to resync sender")
		}
	}

	c.touch(ctx, key)
	c.publish(ctx, sessionID, key, serialized, res, updatedAt)

	log.WithFields(logrus.Fields{
		"data_length": len(res.Text),
		"delivered":   out.Delivered,
	}).Debug("Patch accepted")
	return out, nil
}

// getOrCreate retries reads that failed with core.ErrStorageUnavailable.
func (c *Coordinator) getOrCreate(ctx context.Context, key string) (*core.Document, error) {
	var doc *core.Document
	operation := func() error {
		d, _, err := c.store.GetOrCreate(ctx, key)
		if err != nil {
			if errors.Is(err, core.ErrStorageUnavailable) {
				return err
			}
			return backoff.Permanent(err)
		}
		doc = d
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.RetryInterval
	b.MaxInterval = 20 * c.opts.RetryInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.MaxRetries)), ctx)

	notify := func(err error, wait time.Duration) {
		logrus.WithFields(logrus.Fields{
			"document_key": key,
			"wait":         wait,
		}).WithError(err).Warn("Store unavailable, retrying")
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *Coordinator) reject(sessionID, message string) {
	if err := c.broadcaster.SendTo(sessionID, EventError, message); err != nil {
		logrus.WithField("session_id", sessionID).WithError(err).Warn("Failed to deliver error")
	}
}

func (c *Coordinator) touch(ctx context.Context, key string) {
	if c.rooms == nil {
		return
	}
	if err := c.rooms.TouchRoom(ctx, key); err != nil {
		logrus.WithField("document_key", key).WithError(err).Warn("Failed to touch room")
	}
}

func (c *Coordinator) publish(ctx context.Context, sessionID, key, serialized string, res patch.Result, updatedAt time.Time) {
	if c.events == nil {
		return
	}
	evt := eventlog.PatchEvent{
		ID:        ulid.Make().String(),
		Key:       key,
		SessionID: sessionID,
		Patches:   serialized,
		Applied:   res.Applied,
		Length:    len(res.Text),
		UpdatedAt: updatedAt,
	}
	if err := c.events.Enqueue(ctx, evt); err != nil {
		logrus.WithField("document_key", key).WithError(err).Debug("Patch event not published")
	}
}
