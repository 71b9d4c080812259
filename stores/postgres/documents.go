package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/sarini12/collab-docs/core"
	"github.com/sirupsen/logrus"
)

const uniqueViolation = "23505"

const schema = `CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	key TEXT NOT NULL UNIQUE,
	content TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);`

type documentStore struct {
	pool *pgxpool.Pool
}

func NewDocumentStore(ctx context.Context, dsn string) (*documentStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, core.Unavailable("open postgres", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, core.Unavailable("connect postgres", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, core.Unavailable("migrate postgres", err)
	}

	logrus.WithField("max_conns", pool.Config().MaxConns).Debug("Postgres store ready")
	return &documentStore{pool: pool}, nil
}

func (s *documentStore) GetOrCreate(ctx context.Context, key string) (*core.Document, bool, error) {
	log := logrus.WithField("document_key", key)

	doc := core.NewDocument(ulid.Make().String(), key, time.Now())
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO documents (id, key, content, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (key) DO NOTHING`,
		doc.ID, doc.Key, doc.Content, doc.CreatedAt, doc.UpdatedAt)
	if err != nil && !isUniqueViolation(err) {
		log.WithError(err).Error("Failed to create document")
		return nil, false, core.Unavailable("create document", err)
	}
	if err == nil && tag.RowsAffected() == 1 {
		log.WithField("document_id", doc.ID).Info("Document created successfully")
		return doc, true, nil
	}

	existing, err := s.Find(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (s *documentStore) Find(ctx context.Context, key string) (*core.Document, error) {
	var doc core.Document
	err := s.pool.QueryRow(ctx,
		"SELECT id, key, content, created_at, updated_at FROM documents WHERE key = $1", key).
		Scan(&doc.ID, &doc.Key, &doc.Content, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.NotFound(key)
		}
		logrus.WithField("document_key", key).WithError(err).Error("Failed to retrieve document")
		return nil, core.Unavailable("read document", err)
	}
	return &doc, nil
}

func (s *documentStore) Save(ctx context.Context, key, content string, updatedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE documents SET content = $1, updated_at = $2 WHERE key = $3",
		content, updatedAt, key)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"document_key": key,
			"data_length":  len(content),
		}).WithError(err).Error("Failed to save document")
		return core.WriteFailed(key, err)
	}
	if tag.RowsAffected() == 0 {
		return core.NotFound(key)
	}
	return nil
}

func (s *documentStore) Close() error {
	s.pool.Close()
	return nil
}
