package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Minio stores blobs in a MinIO (or other S3-compatible) bucket.
type Minio struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinio wraps an existing client.
func NewMinio(client *minio.Client, bucket, prefix string) *Minio {
	return &Minio{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// OpenMinio connects with static credentials from cfg.
func OpenMinio(cfg Config) (*Minio, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("blob: minio backend needs an endpoint and a bucket")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("blob: minio: %w", err)
	}
	return NewMinio(client, cfg.Bucket, cfg.Prefix), nil
}

func (m *Minio) key(key string) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return joinPrefix(m.prefix, k), nil
}

func (m *Minio) Put(ctx context.Context, key string, data []byte) error {
	k, err := m.key(key)
	if err != nil {
		return err
	}
	_, err = m.client.PutObject(ctx, m.bucket, k, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("blob: minio put %s: %w", key, err)
	}
	return nil
}

func (m *Minio) Get(ctx context.Context, key string) ([]byte, error) {
	k, err := m.key(key)
	if err != nil {
		return nil, err
	}
	obj, err := m.client.GetObject(ctx, m.bucket, k, minio.GetObjectOptions{})
	if err != nil {
		return nil, m.readErr(key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, m.readErr(key, err)
	}
	return data, nil
}

func (m *Minio) readErr(key string, err error) error {
	if isMinioNotFound(err) {
		return ErrNotFound
	}
	return fmt.Errorf("blob: minio get %s: %w", key, err)
}

func (m *Minio) Delete(ctx context.Context, key string) error {
	k, err := m.key(key)
	if err != nil {
		return err
	}
	if err := m.client.RemoveObject(ctx, m.bucket, k, minio.RemoveObjectOptions{}); err != nil && !isMinioNotFound(err) {
		return fmt.Errorf("blob: minio delete %s: %w", key, err)
	}
	return nil
}

func (m *Minio) List(ctx context.Context, prefix string) ([]string, error) {
	keys := []string{}
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
		Prefix:    joinPrefix(m.prefix, prefix),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("blob: minio list: %w", obj.Err)
		}
		k := obj.Key
		if m.prefix != "" {
			k = strings.TrimPrefix(k, m.prefix+"/")
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

func isMinioNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}
