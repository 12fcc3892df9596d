package localstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileRoundTrip(t *testing.T) {
	f, err := NewFile(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, ok, err := f.Read(ctx, "held-orders:t1:d1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, f.Write(ctx, "held-orders:t1:d1", `[{"id":"1"}]`))
	require.NoError(t, f.Write(ctx, "held-orders:t1:d1", `[]`))

	got, ok, err := f.Read(ctx, "held-orders:t1:d1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `[]`, got)

	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not linger")
}

func TestFileKeysCannotEscapeDir(t *testing.T) {
	f, err := NewFile(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, f.dir, filepath.Dir(f.path("../../etc/passwd")))
}

func TestMemoryStore(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Write(ctx, "k", "v"))

	got, ok, err := m.Read(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", got)
}

func TestRedisIntegration(t *testing.T) {
	addr := os.Getenv("REDIS_INTEGRATION_ADDR")
	if addr == "" {
		t.Skip("set REDIS_INTEGRATION_ADDR to run redis integration test")
	}
	r := NewRedis(addr, os.Getenv("REDIS_INTEGRATION_PASSWORD"), 0)
	defer r.Close()
	ctx := context.Background()
	require.NoError(t, r.Ping(ctx))

	key := "held-orders:integration:" + t.Name()
	require.NoError(t, r.Write(ctx, key, `[]`))
	got, ok, err := r.Read(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `[]`, got)
}
