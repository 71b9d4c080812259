package filesystem

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sarini12/collab-docs/core"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

type documentStore struct {
	basePath string
	creates  singleflight.Group
}

// NewDocumentStore stores one JSON file per document under basePath.
func NewDocumentStore(basePath string) (*documentStore, error) {
	if basePath == "" {
		basePath = "./data"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, core.Unavailable("create base directory", err)
	}
	return &documentStore{basePath: basePath}, nil
}

// File names are derived from a hash so any key maps to a safe, bounded name.
func (s *documentStore) pathFor(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.basePath, hex.EncodeToString(sum[:])+".json")
}

func (s *documentStore) GetOrCreate(ctx context.Context, key string) (*core.Document, bool, error) {
	type outcome struct {
		doc     *core.Document
		created bool
	}

	// Only the caller whose function ran may report the creation.
	ran := false
	v, err, _ := s.creates.Do(key, func() (any, error) {
		ran = true
		doc, err := s.Find(ctx, key)
		if err == nil {
			return outcome{doc: doc}, nil
		}
		if !errors.Is(err, core.ErrNotFound) {
			return nil, err
		}

		doc = core.NewDocument(ulid.Make().String(), key, time.Now())
		created, err := s.createExclusive(doc)
		if err != nil {
			return nil, err
		}
		if !created {
			// Another process won the race; read its document.
			doc, err = s.Find(ctx, key)
			if err != nil {
				return nil, err
			}
			return outcome{doc: doc}, nil
		}

		logrus.WithFields(logrus.Fields{
			"document_key": key,
			"document_id":  doc.ID,
		}).Info("Document created successfully")
		return outcome{doc: doc, created: true}, nil
	})
	if err != nil {
		return nil, false, err
	}

	// singleflight hands every waiter the same value; give each its own copy.
	res := v.(outcome)
	doc := *res.doc
	return &doc, res.created && ran, nil
}

// createExclusive publishes doc only if no file exists for its key. The file
// is fully written before it becomes visible under its final name.
func (s *documentStore) createExclusive(doc *core.Document) (bool, error) {
	tmp, err := s.writeTemp(doc)
	if err != nil {
		return false, core.Unavailable("create document", err)
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, s.pathFor(doc.Key)); err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, core.Unavailable("create document", err)
	}
	return true, nil
}

func (s *documentStore) writeTemp(doc *core.Document) (string, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}

	f, err := os.CreateTemp(s.basePath, ".doc-*.tmp")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func (s *documentStore) Find(ctx context.Context, key string) (*core.Document, error) {
	filePath := s.pathFor(key)
	log := logrus.WithFields(logrus.Fields{
		"document_key": key,
		"file_path":    filePath,
	})

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.NotFound(key)
		}
		log.WithError(err).Error("Failed to retrieve document")
		return nil, core.Unavailable("read document", err)
	}

	var doc core.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		log.WithError(err).Error("Failed to decode document")
		return nil, core.Unavailable("decode document", err)
	}
	if doc.Key != key {
		return nil, core.Unavailable("read document", fmt.Errorf("file holds key %q", doc.Key))
	}
	return &doc, nil
}

func (s *documentStore) Save(ctx context.Context, key, content string, updatedAt time.Time) error {
	doc, err := s.Find(ctx, key)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return err
		}
		return core.WriteFailed(key, err)
	}
	doc.Content = content
	doc.UpdatedAt = updatedAt

	tmp, err := s.writeTemp(doc)
	if err != nil {
		return core.WriteFailed(key, err)
	}
	if err := os.Rename(tmp, s.pathFor(key)); err != nil {
		os.Remove(tmp)
		logrus.WithField("document_key", key).WithError(err).Error("Failed to save document")
		return core.WriteFailed(key, err)
	}
	return nil
}

func (s *documentStore) Close() error { return nil }
