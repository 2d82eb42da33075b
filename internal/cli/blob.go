package cli

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/hupe1980/rawvec/blobstore"
	"github.com/hupe1980/rawvec/blobstore/minio"
	"github.com/hupe1980/rawvec/blobstore/s3"
	"github.com/hupe1980/rawvec/internal/config"
	"github.com/hupe1980/rawvec/internal/conv"
	"github.com/hupe1980/rawvec/resource"
)

// openStore resolves the archive root to a blob store. Remote stores get a
// block cache when cache_size is set.
func openStore(ctx context.Context, cfg config.ArchiveConfig, rc *resource.Controller) (blobstore.BlobStore, error) {
	root := cfg.Root
	if root == "" {
		root = "."
	}
	if !strings.Contains(root, "://") {
		return blobstore.NewLocalStore(root), nil
	}

	u, err := url.Parse(root)
	if err != nil {
		return nil, fmt.Errorf("archive.root: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("archive.root %q: missing bucket", root)
	}
	prefix := strings.TrimPrefix(u.Path, "/")

	var store blobstore.BlobStore
	switch u.Scheme {
	case "file":
		return blobstore.NewLocalStore(u.Host + u.Path), nil
	case "s3":
		var opts []s3.Option
		if prefix != "" {
			opts = append(opts, s3.WithPrefix(prefix))
		}
		if cfg.Region != "" {
			opts = append(opts, s3.WithRegion(cfg.Region))
		}
		if cfg.Endpoint != "" {
			opts = append(opts, s3.WithEndpoint(cfg.Endpoint))
		}
		if cfg.PublishTable != "" {
			store, err = s3.NewWithPublishLog(ctx, u.Host, cfg.PublishTable, opts...)
		} else {
			store, err = s3.New(ctx, u.Host, opts...)
		}
	case "minio":
		store, err = minio.Dial(ctx, minio.Config{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Region:    cfg.Region,
			Secure:    cfg.Secure,
			Bucket:    u.Host,
			Prefix:    prefix,
		})
	default:
		return nil, fmt.Errorf("archive.root %q: unsupported scheme %q", root, u.Scheme)
	}
	if err != nil {
		return nil, err
	}

	if cfg.CacheSize != "" {
		n, err := parseSize(cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("archive.cache_size: %w", err)
		}
		store = blobstore.NewCachingStore(store, n, 0, rc)
	}
	return store, nil
}

// archiveController limits archive IO to archive.io_limit.
func archiveController(cfg config.ArchiveConfig) (*resource.Controller, error) {
	limit, err := parseSize(cfg.IOLimit)
	if err != nil {
		return nil, fmt.Errorf("archive.io_limit: %w", err)
	}
	return resource.NewController(resource.Config{IOLimitBytesPerSec: limit}), nil
}

func parseSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return conv.Uint64ToInt64(n)
}
