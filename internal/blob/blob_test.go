package blob_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/hypertune/internal/blob"
)

// exercise runs the behaviour every Store must share.
func exercise(t *testing.T, s blob.Store) {
	ctx := context.Background()
	key := blob.BundleKey("abc123", "w0-1")

	ok, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Load(ctx, key)
	assert.ErrorIs(t, err, blob.ErrNotExist)

	require.NoError(t, s.Save(ctx, key, []byte("bundle")))
	ok, err = s.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := s.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "bundle", string(data))

	require.NoError(t, s.Save(ctx, key, []byte("replaced")))
	data, err = s.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "replaced", string(data))

	require.NoError(t, s.Delete(ctx, key))
	require.NoError(t, s.Delete(ctx, key), "deleting a missing key is not an error")
	ok, err = s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalStore(t *testing.T) {
	s, err := blob.New(context.Background(), blob.Config{Local: blob.LocalConfig{RootDir: t.TempDir()}})
	require.NoError(t, err)
	assert.Equal(t, blob.TypeLocal, s.Type())
	exercise(t, s)
}

func TestLocalStoreRejectsEscapingKeys(t *testing.T) {
	s, err := blob.NewLocalStore(blob.LocalConfig{RootDir: t.TempDir()})
	require.NoError(t, err)
	for _, key := range []string{"../outside", "/etc/passwd", ""} {
		assert.Error(t, s.Save(context.Background(), key, []byte("x")), "key %q", key)
	}
}

func TestS3Store(t *testing.T) {
	endpoint := os.Getenv("HYPERTUNE_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("set HYPERTUNE_S3_ENDPOINT to run S3 tests")
	}
	s, err := blob.NewS3Store(context.Background(), blob.S3Config{
		Endpoint:   endpoint,
		AccessKey:  os.Getenv("HYPERTUNE_S3_ACCESS_KEY"),
		SecretKey:  os.Getenv("HYPERTUNE_S3_SECRET_KEY"),
		Bucket:     "hypertune-test",
		PathPrefix: t.Name(),
	})
	require.NoError(t, err)
	exercise(t, s)
}

func TestUnknownType(t *testing.T) {
	_, err := blob.New(context.Background(), blob.Config{Type: "ftp"})
	assert.Error(t, err)
}
