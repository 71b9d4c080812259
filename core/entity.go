package core

import (
	"context"
	"time"
)

type (
	// Document is the authoritative server copy of a shared text.
	Document struct {
		ID        string    `json:"id"`
		Key       string    `json:"key"`
		Content   string    `json:"content"`
		CreatedAt time.Time `json:"createdAt"`
		UpdatedAt time.Time `json:"updatedAt"`
	}

	// DocumentStore persists documents by their unique key.
	DocumentStore interface {
		// GetOrCreate returns the document stored under key, inserting an empty
		// one when none exists. created reports whether this call inserted it.
		// Concurrent callers racing on an unseen key all succeed; exactly one
		// of them observes created == true.
		GetOrCreate(ctx context.Context, key string) (doc *Document, created bool, err error)

		// Find returns ErrNotFound when no document is stored under key.
		Find(ctx context.Context, key string) (*Document, error)

		// Save overwrites content and updatedAt of an existing document.
		Save(ctx context.Context, key, content string, updatedAt time.Time) error

		Close() error
	}

	Room struct {
		ID         string
		LastActive int64
	}

	// RoomRegistry remembers when a document room was last active. It is a
	// listing aid only; live membership lives in the session registry.
	RoomRegistry interface {
		ListRooms(ctx context.Context) ([]Room, error)
		TouchRoom(ctx context.Context, roomID string) error
	}
)

// NewDocument returns an empty document for key stamped with now.
func NewDocument(id, key string, now time.Time) *Document {
	return &Document{
		ID:        id,
		Key:       key,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
