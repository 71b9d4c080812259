package stores

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/sarini12/collab-docs/config"
	"github.com/sarini12/collab-docs/core"
	"github.com/sarini12/collab-docs/stores/bolt"
	"github.com/sarini12/collab-docs/stores/filesystem"
	"github.com/sarini12/collab-docs/stores/memory"
	"github.com/sarini12/collab-docs/stores/mysql"
	"github.com/sarini12/collab-docs/stores/postgres"
	"github.com/sarini12/collab-docs/stores/s3"
	"github.com/sarini12/collab-docs/stores/sqlite"
	"github.com/sirupsen/logrus"
)

// GetStore connects the backend named by cfg.Storage.Type. Any error wraps
// core.ErrStorageUnavailable and should stop the server from starting.
func GetStore(ctx context.Context, cfg *config.Config) (core.DocumentStore, error) {
	storageType := cfg.Storage.Type
	storageField := logrus.Fields{
		"storageType": storageType,
	}

	var (
		store core.DocumentStore
		err   error
	)

	switch storageType {
	case "filesystem":
		storageField["basePath"] = cfg.Storage.Path
		store, err = filesystem.NewDocumentStore(cfg.Storage.Path)
	case "sqlite":
		dsn := cfg.Storage.DSN
		if dsn == "" {
			dsn = filepath.Join(cfg.Storage.Path, "documents.db")
		}
		storageField["dataSourceName"] = dsn
		store, err = sqlite.NewDocumentStore(ctx, dsn)
	case "postgres":
		store, err = postgres.NewDocumentStore(ctx, cfg.Storage.DSN)
	case "mysql":
		store, err = mysql.NewDocumentStore(ctx, cfg.Storage.DSN)
	case "bolt":
		path := cfg.Storage.Path
		if filepath.Ext(path) == "" {
			path = filepath.Join(path, "documents.bolt")
		}
		storageField["path"] = path
		store, err = bolt.NewDocumentStore(path)
	case "s3":
		storageField["bucket"] = cfg.S3.Bucket
		store, err = s3.NewDocumentStore(ctx, cfg.S3.Bucket)
	case "memory", "":
		store = memory.NewDocumentStore()
		storageField["storageType"] = "in-memory"
	default:
		return nil, core.Unavailable("select storage", fmt.Errorf("unknown storage type %q", storageType))
	}
	if err != nil {
		logrus.WithFields(storageField).WithError(err).Error("Failed to connect storage")
		return nil, err
	}

	logrus.WithFields(storageField).Info("Use storage")
	return store, nil
}
