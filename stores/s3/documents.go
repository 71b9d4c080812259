package s3

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/oklog/ulid/v2"
	"github.com/sarini12/collab-docs/core"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const defaultPrefix = "documents"

// objectAPI is the subset of *s3.Client the store uses.
type objectAPI interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// documentStore keeps one JSON object per document. S3 offers no
// create-if-absent here, so creation is only race-free within one process.
type documentStore struct {
	client  objectAPI
	bucket  string
	prefix  string
	creates singleflight.Group
}

// NewDocumentStore loads the default AWS config and checks bucket access.
func NewDocumentStore(ctx context.Context, bucketName string) (*documentStore, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, core.Unavailable("load aws config", err)
	}
	return newDocumentStore(ctx, s3.NewFromConfig(cfg), bucketName, defaultPrefix)
}

func newDocumentStore(ctx context.Context, client objectAPI, bucket, prefix string) (*documentStore, error) {
	if bucket == "" {
		return nil, core.Unavailable("configure s3", errors.New("bucket name is required"))
	}
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, core.Unavailable("access bucket "+bucket, err)
	}
	return &documentStore{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *documentStore) objectKey(key string) string {
	return path.Join(s.prefix, hex.EncodeToString([]byte(key))+".json")
}

func (s *documentStore) GetOrCreate(ctx context.Context, key string) (*core.Document, bool, error) {
	type outcome struct {
		doc     *core.Document
		created bool
	}

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
		if err := s.put(ctx, doc); err != nil {
			logrus.WithField("document_key", key).WithError(err).Error("Failed to create document")
			return nil, core.Unavailable("create document", err)
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

	res := v.(outcome)
	doc := *res.doc
	return &doc, res.created && ran, nil
}

func (s *documentStore) Find(ctx context.Context, key string) (*core.Document, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, core.NotFound(key)
		}
		logrus.WithField("document_key", key).WithError(err).Error("Failed to retrieve document")
		return nil, core.Unavailable("read document", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.Unavailable("read document", err)
	}

	var doc core.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, core.Unavailable("decode document", err)
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

	if err := s.put(ctx, doc); err != nil {
		logrus.WithField("document_key", key).WithError(err).Error("Failed to save document")
		return core.WriteFailed(key, err)
	}
	return nil
}

func (s *documentStore) put(ctx context.Context, doc *core.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(doc.Key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	return err
}

func (s *documentStore) Close() error { return nil }
