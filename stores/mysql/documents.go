package mysql

import (
	"context"
	"errors"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/oklog/ulid/v2"
	"github.com/sarini12/collab-docs/core"
	"github.com/sirupsen/logrus"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const duplicateEntry = 1062

// documentRecord is the gorm row for a document. "key" is reserved in MySQL.
type documentRecord struct {
	ID        string    `gorm:"primaryKey;type:varchar(26)"`
	Key       string    `gorm:"column:doc_key;type:varchar(255);uniqueIndex;not null"`
	Content   string    `gorm:"type:longtext;not null"`
	CreatedAt time.Time `gorm:"type:datetime(6);autoCreateTime:false"`
	UpdatedAt time.Time `gorm:"type:datetime(6);autoUpdateTime:false"`
}

func (documentRecord) TableName() string { return "documents" }

func (r documentRecord) toDocument() *core.Document {
	return &core.Document{
		ID:        r.ID,
		Key:       r.Key,
		Content:   r.Content,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

type documentStore struct {
	db *gorm.DB
}

// NewDocumentStore opens dsn through gorm. The DSN needs parseTime=true.
func NewDocumentStore(ctx context.Context, dsn string) (*documentStore, error) {
	db, err := gorm.Open(gormmysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, core.Unavailable("open mysql", err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&documentRecord{}); err != nil {
		closeDB(db)
		return nil, core.Unavailable("migrate mysql", err)
	}

	logrus.Debug("MySQL store ready")
	return &documentStore{db: db}, nil
}

func (s *documentStore) GetOrCreate(ctx context.Context, key string) (*core.Document, bool, error) {
	log := logrus.WithField("document_key", key)

	doc := core.NewDocument(ulid.Make().String(), key, time.Now())
	rec := documentRecord{
		ID:        doc.ID,
		Key:       doc.Key,
		Content:   doc.Content,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}

	err := s.db.WithContext(ctx).Create(&rec).Error
	if err == nil {
		log.WithField("document_id", doc.ID).Info("Document created successfully")
		return doc, true, nil
	}
	if !isDuplicateEntry(err) {
		log.WithError(err).Error("Failed to create document")
		return nil, false, core.Unavailable("create document", err)
	}

	existing, err := s.Find(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func isDuplicateEntry(err error) bool {
	var myErr *mysqldriver.MySQLError
	return errors.As(err, &myErr) && myErr.Number == duplicateEntry
}

func (s *documentStore) Find(ctx context.Context, key string) (*core.Document, error) {
	var rec documentRecord
	err := s.db.WithContext(ctx).Where("doc_key = ?", key).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, core.NotFound(key)
		}
		logrus.WithField("document_key", key).WithError(err).Error("Failed to retrieve document")
		return nil, core.Unavailable("read document", err)
	}
	return rec.toDocument(), nil
}

func (s *documentStore) Save(ctx context.Context, key, content string, updatedAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&documentRecord{}).
		Where("doc_key = ?", key).
		Updates(map[string]any{"content": content, "updated_at": updatedAt})
	if res.Error != nil {
		logrus.WithFields(logrus.Fields{
			"document_key": key,
			"data_length":  len(content),
		}).WithError(res.Error).Error("Failed to save document")
		return core.WriteFailed(key, res.Error)
	}

	// MySQL reports changed rows, so an identical write also affects zero.
	if res.RowsAffected == 0 {
		if _, err := s.Find(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (s *documentStore) Close() error {
	return closeDB(s.db)
}

func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
