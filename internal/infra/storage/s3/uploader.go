package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Attachments are served straight from a public-read bucket, so the store
// refuses anything a browser would execute and caps the object size.
const maxAttachmentBytes = 25 << 20

var (
	ErrAttachmentTooLarge = errors.New("s3: attachment exceeds the size limit")
	ErrAttachmentBlocked  = errors.New("s3: attachment content type is not allowed")
)

var blockedAttachmentTypes = map[string]struct{}{
	"text/html":              {},
	"application/xhtml+xml":  {},
	"image/svg+xml":          {},
	"text/javascript":        {},
	"application/javascript": {},
}

// Uploader stores a chat attachment and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, key string, reader io.Reader, contentType string) (publicURL string, err error)
}

// AttachmentStore keeps message attachments in a MinIO/S3 bucket. The bucket
// is created lazily with a public-read policy; attachment URLs never change,
// so objects ship with an immutable cache header.
type AttachmentStore struct {
	bucket     string
	publicBase string
	client     *minio.Client
	logger     *slog.Logger

	initOnce sync.Once
	initErr  error
}

func NewAttachmentStore(endpoint string, useSSL bool, accessKey, secretKey, bucket, publicBaseURL string, logger *slog.Logger) (*AttachmentStore, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("s3: endpoint is required")
	}
	if bucket = strings.TrimSpace(bucket); bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	client, err := minio.New(hostOf(endpoint), &minio.Options{
		Creds:  credentials.NewStaticV4(strings.TrimSpace(accessKey), strings.TrimSpace(secretKey), ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	base := strings.TrimSpace(publicBaseURL)
	if base == "" {
		base = endpoint
	}
	return &AttachmentStore{
		bucket:     bucket,
		publicBase: strings.TrimRight(base, "/"),
		client:     client,
		logger:     logger,
	}, nil
}

func (s *AttachmentStore) Upload(ctx context.Context, key string, reader io.Reader, contentType string) (string, error) {
	if reader == nil {
		return "", errors.New("s3: reader is required")
	}
	key = strings.Trim(strings.TrimSpace(key), "/")
	if key == "" {
		return "", errors.New("s3: object key is required")
	}
	resolved, err := attachmentContentType(key, contentType)
	if err != nil {
		return "", err
	}
	if err := s.ensureBucket(ctx); err != nil {
		return "", err
	}

	// Size is unknown up front (streamed multipart), so cap the reader and
	// discard the object if the cap was hit.
	limited := io.LimitReader(reader, maxAttachmentBytes+1)
	info, err := s.client.PutObject(ctx, s.bucket, key, limited, -1, minio.PutObjectOptions{
		ContentType:  resolved,
		CacheControl: "public, max-age=31536000, immutable",
	})
	if err != nil {
		return "", fmt.Errorf("s3: put object: %w", err)
	}
	if info.Size > maxAttachmentBytes {
		_ = s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
		return "", ErrAttachmentTooLarge
	}

	publicURL := s.attachmentURL(key)
	if s.logger != nil {
		s.logger.Info("attachment stored", "bucket", s.bucket, "key", key, "content_type", resolved, "bytes", info.Size)
	}
	return publicURL, nil
}

// NoopUploader fails fast when no object storage is configured; messages
// without attachments are unaffected.
type NoopUploader struct{}

func (NoopUploader) Upload(_ context.Context, _ string, _ io.Reader, _ string) (string, error) {
	return "", errors.New("s3: attachment storage is not configured")
}

// attachmentContentType settles the stored content type: the declared one
// when usable, otherwise sniffed from the key's extension. Types browsers
// execute are rejected outright.
func attachmentContentType(key, declared string) (string, error) {
	ct := strings.ToLower(strings.TrimSpace(declared))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ct == "" || ct == "application/octet-stream" {
		if byExt := mime.TypeByExtension(path.Ext(key)); byExt != "" {
			ct = byExt
			if i := strings.Index(ct, ";"); i >= 0 {
				ct = strings.TrimSpace(ct[:i])
			}
		}
	}
	if ct == "" {
		ct = "application/octet-stream"
	}
	if _, blocked := blockedAttachmentTypes[ct]; blocked {
		return "", ErrAttachmentBlocked
	}
	return ct, nil
}

func (s *AttachmentStore) ensureBucket(ctx context.Context) error {
	s.initOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucket)
		if err != nil {
			s.initErr = fmt.Errorf("s3: check bucket: %w", err)
			return
		}
		if exists {
			return
		}
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			s.initErr = fmt.Errorf("s3: create bucket: %w", err)
			return
		}
		policy := fmt.Sprintf(`{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"AWS":["*"]},"Action":["s3:GetObject"],"Resource":["arn:aws:s3:::%s/*"]}]}`, s.bucket)
		if err := s.client.SetBucketPolicy(ctx, s.bucket, policy); err != nil {
			s.initErr = fmt.Errorf("s3: set bucket policy: %w", err)
		}
	})
	return s.initErr
}

func (s *AttachmentStore) attachmentURL(key string) string {
	return s.publicBase + "/" + s.bucket + "/" + strings.TrimLeft(key, "/")
}

func hostOf(endpoint string) string {
	if parsed, err := url.Parse(endpoint); err == nil && parsed.Host != "" {
		return parsed.Host
	}
	return endpoint
}

var (
	_ Uploader = (*AttachmentStore)(nil)
	_ Uploader = NoopUploader{}
)
