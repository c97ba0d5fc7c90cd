package storage

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocalStore(t *testing.T) *ImageStore {
	t.Helper()
	t.Setenv("MINIO_ENDPOINT", "")
	t.Setenv("IMAGE_LOCAL_DIR", t.TempDir())

	store, err := NewImageStoreFromEnv()
	require.NoError(t, err)
	require.True(t, store.Local())
	return store
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 4, 4))))
	return buf.Bytes()
}

func TestSaveRasterWritesLocalFile(t *testing.T) {
	store := newLocalStore(t)

	ref, err := store.SaveRaster(context.Background(), pngBytes(t), "characters", "7")
	require.NoError(t, err)
	assert.Contains(t, ref, "images/characters/7/")
	assert.True(t, strings.HasSuffix(ref, ".png"))

	_, err = os.Stat(ref)
	assert.NoError(t, err)
}

func TestSaveRasterRejectsNonImagePayload(t *testing.T) {
	store := newLocalStore(t)

	_, err := store.SaveRaster(context.Background(), []byte("definitely not an image"))
	assert.Error(t, err)
}

func TestSaveRasterRejectsEmptyPayload(t *testing.T) {
	store := newLocalStore(t)

	_, err := store.SaveRaster(context.Background(), nil)
	assert.Error(t, err)
}

func TestRemoveDeletesLocalFile(t *testing.T) {
	store := newLocalStore(t)

	ref, err := store.SaveRaster(context.Background(), pngBytes(t), "characters", "7")
	require.NoError(t, err)

	require.NoError(t, store.Remove(context.Background(), ref))
	require.NoError(t, store.Remove(context.Background(), ref))
}

func TestRemoveIgnoresForeignReferences(t *testing.T) {
	store := newLocalStore(t)

	assert.NoError(t, store.Remove(context.Background(), "/etc/passwd"))
	assert.NoError(t, store.Remove(context.Background(), ""))
}

func TestPresignedURLLocalModeReturnsReference(t *testing.T) {
	store := newLocalStore(t)

	signed, err := store.PresignedURL(context.Background(), "static/generated/images/a.png", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "static/generated/images/a.png", signed)
}

func TestRasterExtension(t *testing.T) {
	cases := map[string]string{
		"image/png":  ".png",
		"image/jpeg": ".jpg",
		"image/webp": ".webp",
	}
	for contentType, expected := range cases {
		ext, ok := rasterExtension(contentType)
		require.True(t, ok, contentType)
		assert.Equal(t, expected, ext)
	}

	_, ok := rasterExtension("application/pdf")
	assert.False(t, ok)
}
