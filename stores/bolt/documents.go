package bolt

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sarini12/collab-docs/core"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var documentsBucket = []byte("documents")

type documentStore struct {
	db *bolt.DB
}

// NewDocumentStore opens (or creates) a bbolt database file at path.
func NewDocumentStore(path string) (*documentStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, core.Unavailable("open bolt", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(documentsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, core.Unavailable("migrate bolt", err)
	}

	logrus.WithField("path", path).Debug("Bolt store ready")
	return &documentStore{db: db}, nil
}

// GetOrCreate runs in a single read-write transaction; bbolt serializes
// writers, so two callers can never both insert the same key.
func (s *documentStore) GetOrCreate(ctx context.Context, key string) (*core.Document, bool, error) {
	var (
		doc     *core.Document
		created bool
	)

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(documentsBucket)
		if raw := b.Get([]byte(key)); raw != nil {
			var existing core.Document
			if err := json.Unmarshal(raw, &existing); err != nil {
				return err
			}
			doc = &existing
			return nil
		}

		doc = core.NewDocument(ulid.Make().String(), key, time.Now())
		raw, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		created = true
		return b.Put([]byte(key), raw)
	})
	if err != nil {
		logrus.WithField("document_key", key).WithError(err).Error("Failed to create document")
		return nil, false, core.Unavailable("create document", err)
	}

	if created {
		logrus.WithFields(logrus.Fields{
			"document_key": key,
			"document_id":  doc.ID,
		}).Info("Document created successfully")
	}
	return doc, created, nil
}

func (s *documentStore) Find(ctx context.Context, key string) (*core.Document, error) {
	var (
		doc   core.Document
		found bool
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(documentsBucket).Get([]byte(key))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &doc)
	})
	if err != nil {
		return nil, core.Unavailable("read document", err)
	}
	if !found {
		return nil, core.NotFound(key)
	}
	return &doc, nil
}

func (s *documentStore) Save(ctx context.Context, key, content string, updatedAt time.Time) error {
	missing := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(documentsBucket)
		raw := b.Get([]byte(key))
		if raw == nil {
			missing = true
			return nil
		}

		var doc core.Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return err
		}
		doc.Content = content
		doc.UpdatedAt = updatedAt

		next, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), next)
	})
	if err != nil {
		logrus.WithField("document_key", key).WithError(err).Error("Failed to save document")
		return core.WriteFailed(key, err)
	}
	if missing {
		return core.NotFound(key)
	}
	return nil
}

func (s *documentStore) Close() error {
	return s.db.Close()
}
