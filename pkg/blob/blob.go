// Package blob stores opaque artifacts (raw and processed datasets, the
// index file and its record snapshot) by key. Backends: memory, local
// directory, Amazon S3 and MinIO.
package blob

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("blob: not found")

// Store is the blob storage contract. Keys are slash-separated. Put replaces
// an existing value; Delete of a missing key is not an error; List returns
// keys in lexical order.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendS3     = "s3"
	BackendMinio  = "minio"
)

// Config selects and configures a backend.
type Config struct {
	Backend   string `yaml:"backend"`
	Dir       string `yaml:"dir"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Open builds the Store described by cfg. An empty backend means memory.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendLocal:
		if cfg.Dir == "" {
			return nil, errors.New("blob: local backend needs a directory")
		}
		return NewLocal(cfg.Dir)
	case BackendS3:
		return OpenS3(ctx, cfg)
	case BackendMinio:
		return OpenMinio(cfg)
	default:
		return nil, fmt.Errorf("blob: unknown backend %q", cfg.Backend)
	}
}

// cleanKey rejects keys that would escape the store root.
func cleanKey(key string) (string, error) {
	k := strings.TrimPrefix(path.Clean("/"+key), "/")
	if k == "" || k == "." || strings.HasPrefix(key, "../") || strings.Contains(key, "/../") {
		return "", fmt.Errorf("blob: invalid key %q", key)
	}
	return k, nil
}

// joinPrefix prepends a root prefix to key.
func joinPrefix(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return strings.TrimSuffix(prefix, "/") + "/" + key
}
