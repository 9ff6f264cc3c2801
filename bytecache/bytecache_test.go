package bytecache_test

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sablewood/mediamesh/bytecache"
	"github.com/sablewood/mediamesh/models"
)

func openCache(t *testing.T, dir string) *bytecache.Cache {
	t.Helper()
	c, err := bytecache.Open(&bytecache.Config{
		Directory: dir,
		Logger:    slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPutGetRoundTrip(t *testing.T) {
	c := openCache(t, "")

	data := []byte("cached bytes")
	hash := models.HashBytes(data)

	require.NoError(t, c.Put(hash, data))
	got, ok := c.Get(hash)
	require.True(t, ok)
	require.Equal(t, data, got)
}

func TestGetMiss(t *testing.T) {
	c := openCache(t, "")
	_, ok := c.Get(models.HashBytes([]byte("never stored")))
	require.False(t, ok)
}

func TestPutRefusesMismatchedData(t *testing.T) {
	c := openCache(t, "")
	err := c.Put(models.HashBytes([]byte("claimed")), []byte("actual"))
	require.Error(t, err)
}

func TestDelete(t *testing.T) {
	c := openCache(t, "")

	data := []byte("short lived")
	hash := models.HashBytes(data)
	require.NoError(t, c.Put(hash, data))

	c.Delete(hash)
	_, ok := c.Get(hash)
	require.False(t, ok)
}

func TestOnDiskPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	data := []byte("survives reopen")
	hash := models.HashBytes(data)

	first := openCache(t, dir)
	require.NoError(t, first.Put(hash, data))
	require.NoError(t, first.Close())

	second := openCache(t, dir)
	got, ok := second.Get(hash)
	require.True(t, ok)
	require.Equal(t, data, got)
}
