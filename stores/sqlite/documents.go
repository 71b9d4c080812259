package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sarini12/collab-docs/core"
	"github.com/sirupsen/logrus"
)

const schema = `CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	key TEXT NOT NULL UNIQUE,
	content TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);`

type documentStore struct {
	db *sql.DB
}

func NewDocumentStore(ctx context.Context, dataSourceName string) (*documentStore, error) {
	log := logrus.WithFields(logrus.Fields{
		"driver":         driverName,
		"dataSourceName": dataSourceName,
	})

	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, core.Unavailable("open sqlite", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY and
	// keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, core.Unavailable("connect sqlite", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, core.Unavailable("migrate sqlite", err)
	}

	log.Debug("SQLite store ready")
	return &documentStore{db: db}, nil
}

func (s *documentStore) GetOrCreate(ctx context.Context, key string) (*core.Document, bool, error) {
	log := logrus.WithField("document_key", key)

	doc := core.NewDocument(ulid.Make().String(), key, time.Now())
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO documents (id, key, content, created_at, updated_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT(key) DO NOTHING",
		doc.ID, doc.Key, doc.Content, doc.CreatedAt.UnixNano(), doc.UpdatedAt.UnixNano())
	if err != nil {
		log.WithError(err).Error("Failed to create document")
		return nil, false, core.Unavailable("create document", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, core.Unavailable("create document", err)
	}
	if inserted == 1 {
		log.WithField("document_id", doc.ID).Info("Document created successfully")
		return doc, true, nil
	}

	existing, err := s.Find(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *documentStore) Find(ctx context.Context, key string) (*core.Document, error) {
	var (
		doc                  core.Document
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, key, content, created_at, updated_at FROM documents WHERE key = ?", key).
		Scan(&doc.ID, &doc.Key, &doc.Content, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.NotFound(key)
		}
		logrus.WithField("document_key", key).WithError(err).Error("Failed to retrieve document")
		return nil, core.Unavailable("read document", err)
	}

	doc.CreatedAt = time.Unix(0, createdAt)
	doc.UpdatedAt = time.Unix(0, updatedAt)
	return &doc, nil
}

func (s *documentStore) Save(ctx context.Context, key, content string, updatedAt time.Time) error {
	log := logrus.WithFields(logrus.Fields{
		"document_key": key,
		"data_length":  len(content),
	})

	res, err := s.db.ExecContext(ctx,
		"UPDATE documents SET content = ?, updated_at = ? WHERE key = ?",
		content, updatedAt.UnixNano(), key)
	if err != nil {
		log.WithError(err).Error("Failed to save document")
		return core.WriteFailed(key, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return core.WriteFailed(key, err)
	}
	if rows == 0 {
		return core.NotFound(key)
	}

	log.Debug("Document saved successfully")
	return nil
}

func (s *documentStore) Close() error {
	return s.db.Close()
}
