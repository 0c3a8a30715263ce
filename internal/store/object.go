package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	coreauth "github.com/router-for-me/cliproxy-console/sdk/cliproxy/auth"
	log "github.com/sirupsen/logrus"
)

// ObjectConfig describes an S3 compatible bucket.
type ObjectConfig struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// ObjectStore keeps auths as <prefix>/<id>.json objects.
type ObjectStore struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewObjectStore connects to the bucket, creating it when missing.
func NewObjectStore(ctx context.Context, cfg ObjectConfig) (*ObjectStore, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	if endpoint == "" || strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("store: object endpoint and bucket are required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("store: create object client: %w", err)
	}
	s := &ObjectStore{client: client, bucket: strings.TrimSpace(cfg.Bucket), prefix: normalizePrefix(cfg.Prefix)}
	exists, err := client.BucketExists(ctx, s.bucket)
	if err != nil {
		return nil, fmt.Errorf("store: check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("store: create bucket %s: %w", s.bucket, err)
		}
	}
	log.Infof("store: using object bucket %s/%s", s.bucket, s.prefix)
	return s, nil
}

func normalizePrefix(prefix string) string {
	return strings.Trim(strings.TrimSpace(prefix), "/")
}

func (s *ObjectStore) objectKey(id string) (string, error) {
	name, err := fileName(id)
	if err != nil {
		return "", err
	}
	if s.prefix == "" {
		return name, nil
	}
	return s.prefix + "/" + name, nil
}

// List downloads every JSON object below the prefix.
func (s *ObjectStore) List(ctx context.Context) ([]*coreauth.Auth, error) {
	opts := minio.ListObjectsOptions{Recursive: true}
	if s.prefix != "" {
		opts.Prefix = s.prefix + "/"
	}
	var out []*coreauth.Auth
	for info := range s.client.ListObjects(ctx, s.bucket, opts) {
		if info.Err != nil {
			return nil, fmt.Errorf("store: list objects: %w", info.Err)
		}
		if !strings.HasSuffix(strings.ToLower(info.Key), ".json") {
			continue
		}
		obj, err := s.client.GetObject(ctx, s.bucket, info.Key, minio.GetObjectOptions{})
		if err != nil {
			log.WithError(err).Warnf("store: skip object %s", info.Key)
			continue
		}
		data, err := io.ReadAll(obj)
		_ = obj.Close()
		if err != nil {
			log.WithError(err).Warnf("store: skip object %s", info.Key)
			continue
		}
		a, err := decodeAuth(path.Base(info.Key), data, info.LastModified.UTC())
		if err != nil {
			log.WithError(err).Warnf("store: skip object %s", info.Key)
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// Save uploads the auth and returns its object key.
func (s *ObjectStore) Save(ctx context.Context, a *coreauth.Auth) (string, error) {
	if a == nil {
		return "", errors.New("store: nil auth")
	}
	key, err := s.objectKey(a.ID)
	if err != nil {
		return "", err
	}
	data, err := encodeAuth(a)
	if err != nil {
		return "", err
	}
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", fmt.Errorf("store: put %s: %w", key, err)
	}
	return key, nil
}

// Delete removes the object for id.
func (s *ObjectStore) Delete(ctx context.Context, id string) error {
	key, err := s.objectKey(id)
	if err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("store: delete %s: %w", key, err)
	}
	return nil
}

// Close is a no-op.
func (s *ObjectStore) Close() error { return nil }
