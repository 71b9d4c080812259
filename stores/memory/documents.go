package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sarini12/collab-docs/core"
	"github.com/sirupsen/logrus"
)

type documentStore struct {
	mu        sync.RWMutex
	documents map[string]core.Document
	rooms     map[string]int64
}

func NewDocumentStore() *documentStore {
	return &documentStore{
		documents: make(map[string]core.Document),
		rooms:     make(map[string]int64),
	}
}

func (s *documentStore) GetOrCreate(ctx context.Context, key string) (*core.Document, bool, error) {
	log := logrus.WithField("document_key", key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if doc, ok := s.documents[key]; ok {
		log.Debug("Document retrieved successfully")
		return &doc, false, nil
	}

	doc := core.NewDocument(ulid.Make().String(), key, time.Now())
	s.documents[key] = *doc
	log.WithField("document_id", doc.ID).Info("Document created successfully")
	return doc, true, nil
}

func (s *documentStore) Find(ctx context.Context, key string) (*core.Document, error) {
	s.mu.RLock()
	doc, ok := s.documents[key]
	s.mu.RUnlock()

	if !ok {
		return nil, core.NotFound(key)
	}
	return &doc, nil
}

func (s *documentStore) Save(ctx context.Context, key, content string, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[key]
	if !ok {
		return core.NotFound(key)
	}
	doc.Content = content
	doc.UpdatedAt = updatedAt
	s.documents[key] = doc

	logrus.WithFields(logrus.Fields{
		"document_key": key,
		"data_length":  len(content),
	}).Debug("Document saved successfully")
	return nil
}

func (s *documentStore) Close() error { return nil }

func (s *documentStore) TouchRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}

	s.mu.Lock()
	s.rooms[roomID] = time.Now().UnixMilli()
	s.mu.Unlock()

	return nil
}

func (s *documentStore) ListRooms(ctx context.Context) ([]core.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms := make([]core.Room, 0, len(s.rooms))
	for id, last := range s.rooms {
		rooms = append(rooms, core.Room{ID: id, LastActive: last})
	}

	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].LastActive == rooms[j].LastActive {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].LastActive > rooms[j].LastActive
	})

	return rooms, nil
}
