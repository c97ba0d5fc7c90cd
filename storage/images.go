package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const maxRasterBytes = 10 * 1024 * 1024

const defaultLocalDir = "static/generated"

// ImageStore persists generated raster images in MinIO/S3, falling back to a
// local directory when no object storage is configured. The returned
// references are opaque to callers: public URLs in MinIO mode, relative file
// paths in local mode.
type ImageStore struct {
	client    *minio.Client
	bucket    string
	publicURL string
	localDir  string
}

// NewImageStoreFromEnv initialises an ImageStore from MINIO_* environment
// variables. When they are absent the store writes beneath IMAGE_LOCAL_DIR
// (default static/generated) so image generation keeps working without any
// external service.
func NewImageStoreFromEnv() (*ImageStore, error) {
	endpoint := strings.TrimSpace(os.Getenv("MINIO_ENDPOINT"))
	accessKey := strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY"))
	secretKey := strings.TrimSpace(os.Getenv("MINIO_SECRET_KEY"))
	bucket := strings.TrimSpace(os.Getenv("MINIO_BUCKET"))

	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		localDir := strings.TrimSpace(os.Getenv("IMAGE_LOCAL_DIR"))
		if localDir == "" {
			localDir = defaultLocalDir
		}
		if err := os.MkdirAll(localDir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create local image dir: %w", err)
		}
		return &ImageStore{localDir: localDir}, nil
	}

	useSSL := strings.EqualFold(strings.TrimSpace(os.Getenv("MINIO_USE_SSL")), "true")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: init minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("storage: create bucket: %w", err)
		}
	}

	publicURL := strings.TrimSpace(os.Getenv("MINIO_PUBLIC_URL"))
	if publicURL == "" {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	return &ImageStore{
		client:    client,
		bucket:    bucket,
		publicURL: strings.TrimSuffix(publicURL, "/"),
	}, nil
}

// Local reports whether the store runs in local-directory mode.
func (s *ImageStore) Local() bool {
	return s != nil && s.client == nil
}

// SaveRaster stores raw raster bytes beneath the given path segments and
// returns an opaque reference to the stored object. The final object key is
// images/<segments...>/<uuid>.<ext>.
func (s *ImageStore) SaveRaster(ctx context.Context, data []byte, pathSegments ...string) (string, error) {
	if s == nil {
		return "", errors.New("storage: image store not configured")
	}
	if len(data) == 0 {
		return "", errors.New("storage: empty raster payload")
	}
	if len(data) > maxRasterBytes {
		return "", fmt.Errorf("storage: raster size exceeds %d bytes", maxRasterBytes)
	}

	contentType := http.DetectContentType(data)
	ext, ok := rasterExtension(contentType)
	if !ok {
		return "", fmt.Errorf("storage: unsupported raster content type %q", contentType)
	}

	objectPathSegments := []string{"images"}
	for _, segment := range pathSegments {
		trimmed := strings.Trim(segment, "/")
		if trimmed != "" {
			objectPathSegments = append(objectPathSegments, trimmed)
		}
	}
	objectName := path.Join(objectPathSegments...)
	objectName = path.Join(objectName, fmt.Sprintf("%s%s", uuid.NewString(), ext))

	if s.client == nil {
		target := filepath.Join(s.localDir, filepath.FromSlash(objectName))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return "", fmt.Errorf("storage: create image dir: %w", err)
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return "", fmt.Errorf("storage: write raster: %w", err)
		}
		return path.Join(filepath.ToSlash(s.localDir), objectName), nil
	}

	uploadCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	reader := bytes.NewReader(data)
	_, err := s.client.PutObject(uploadCtx, s.bucket, objectName, reader, int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "public, max-age=604800",
	})
	if err != nil {
		return "", fmt.Errorf("storage: upload raster: %w", err)
	}

	return s.buildPublicURL(objectName), nil
}

// Remove deletes the object pointed to by the provided reference. Unknown
// references are ignored.
func (s *ImageStore) Remove(ctx context.Context, ref string) error {
	if s == nil {
		return nil
	}

	if s.client == nil {
		trimmed := strings.TrimSpace(ref)
		prefix := filepath.ToSlash(s.localDir) + "/"
		if trimmed == "" || !strings.HasPrefix(trimmed, prefix) {
			return nil
		}
		err := os.Remove(filepath.Join(s.localDir, filepath.FromSlash(strings.TrimPrefix(trimmed, prefix))))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}

	objectName, ok := s.objectNameFromURL(ref)
	if !ok {
		return nil
	}

	removeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.client.RemoveObject(removeCtx, s.bucket, objectName, minio.RemoveObjectOptions{})
}

// PresignedURL returns a temporary URL for accessing the referenced image.
// Local-mode references are returned unchanged.
func (s *ImageStore) PresignedURL(ctx context.Context, raw string, expiry time.Duration) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if s == nil || s.client == nil {
		return trimmed, nil
	}
	if trimmed == "" {
		return "", nil
	}

	if expiry <= 0 {
		expiry = 15 * time.Minute
	}

	objectName, ok := s.objectNameFromURL(trimmed)
	if !ok {
		if !strings.Contains(trimmed, "://") {
			objectName = strings.TrimPrefix(trimmed, "/")
			objectName = strings.TrimPrefix(objectName, s.bucket+"/")
		}
	}
	if objectName == "" {
		return trimmed, nil
	}

	presignCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	signed, err := s.client.PresignedGetObject(presignCtx, s.bucket, objectName, expiry, nil)
	if err != nil {
		return "", err
	}

	return signed.String(), nil
}

func (s *ImageStore) buildPublicURL(objectName string) string {
	base := strings.TrimSuffix(s.publicURL, "/")
	object := strings.TrimPrefix(objectName, "/")
	return fmt.Sprintf("%s/%s/%s", base, s.bucket, object)
}

func (s *ImageStore) objectNameFromURL(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}

	base := strings.TrimSuffix(s.publicURL, "/")
	if base != "" && strings.HasPrefix(trimmed, base) {
		candidate := strings.TrimPrefix(trimmed, base)
		candidate = strings.TrimPrefix(candidate, "/")
		candidate = strings.TrimPrefix(candidate, s.bucket+"/")
		candidate = strings.TrimPrefix(candidate, "/")
		if candidate != "" {
			return candidate, true
		}
	}

	target, err := url.Parse(trimmed)
	if err != nil {
		return "", false
	}
	baseURL, err := url.Parse(base)
	if err == nil && baseURL.Host != "" && baseURL.Host == target.Host {
		candidate := strings.TrimPrefix(target.Path, "/")
		candidate = strings.TrimPrefix(candidate, s.bucket+"/")
		candidate = strings.TrimPrefix(candidate, "/")
		if candidate != "" {
			return candidate, true
		}
	}

	if !strings.Contains(trimmed, "://") {
		candidate := strings.TrimPrefix(trimmed, "/")
		candidate = strings.TrimPrefix(candidate, s.bucket+"/")
		candidate = strings.TrimPrefix(candidate, "/")
		if candidate != "" {
			return candidate, true
		}
	}

	return "", false
}

func rasterExtension(contentType string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "image/png", "image/x-png":
		return ".png", true
	case "image/jpeg", "image/pjpeg":
		return ".jpg", true
	case "image/webp":
		return ".webp", true
	default:
		return "", false
	}
}
