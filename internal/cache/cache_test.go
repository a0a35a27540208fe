package cache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everstacklabs/evalcore/internal/llm"
)

type failingBackend struct {
	*MemoryBackend
	failWrites bool
	failReads  bool
}

func (f *failingBackend) Get(ctx context.Context, ns, key string) ([]byte, bool, error) {
	if f.failReads {
		return nil, false, errors.New("backend down")
	}
	return f.MemoryBackend.Get(ctx, ns, key)
}

func (f *failingBackend) Set(ctx context.Context, ns, key string, value []byte) error {
	if f.failWrites {
		return errors.New("disk full")
	}
	return f.MemoryBackend.Set(ctx, ns, key, value)
}

func TestKey_FieldOrderIndependent(t *testing.T) {
	a, err := Key(map[string]any{"model": "m", "prompt": "p", "nested": map[string]any{"x": 1, "y": 2}})
	require.NoError(t, err)
	b, err := Key(map[string]any{"nested": map[string]any{"y": 2, "x": 1}, "prompt": "p", "model": "m"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestKey_NullFieldsIgnored(t *testing.T) {
	a, err := Key(map[string]any{"model": "m", "seed": nil})
	require.NoError(t, err)
	b, err := Key(map[string]any{"model": "m"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRequestKey(t *testing.T) {
	base := llm.Request{ModelID: "openai:gpt-4o", Prompt: "hello", Temperature: llm.Float(0.5)}
	k1, err := RequestKey(&base)
	require.NoError(t, err)

	asMessages := llm.Request{
		ModelID:     "openai:gpt-4o",
		Messages:    []llm.Message{{Role: "user", Content: "hello"}},
		Temperature: llm.Float(0.5),
		UseCache:    true,
		Timeout:     time.Minute,
	}
	k2, err := RequestKey(&asMessages)
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "prompt and equivalent message list should share a key")

	judged := base
	judged.Purpose = "coverage-judge"
	k3, err := RequestKey(&judged)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	seeded := base
	seeded.Seed = llm.Int(1)
	k4, err := RequestKey(&seeded)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k4)
}

func TestNamespace_Isolation(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryBackend(0))

	c.Namespace("responses").Set(ctx, "k", []byte("text"))
	c.Namespace("embeddings").Set(ctx, "k", []byte("[1,2]"))

	v, ok := c.Namespace("responses").Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "text", string(v))

	v, ok = c.Namespace("embeddings").Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "[1,2]", string(v))

	_, ok = c.Namespace("artifacts").Get(ctx, "k")
	assert.False(t, ok)
}

func TestSet_WriteFailureDoesNotSurface(t *testing.T) {
	ctx := context.Background()
	c := New(&failingBackend{MemoryBackend: NewMemoryBackend(0), failWrites: true})
	ns := c.Namespace("responses")

	ns.Set(ctx, "k", []byte("v"))
	_, ok := ns.Get(ctx, "k")
	assert.False(t, ok)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.WriteFailures)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestGet_BackendErrorIsMiss(t *testing.T) {
	ctx := context.Background()
	c := New(&failingBackend{MemoryBackend: NewMemoryBackend(0), failReads: true})
	_, ok := c.Namespace("responses").Get(ctx, "k")
	assert.False(t, ok)
}

func TestGet_MigratesRawValue(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend(0)
	require.NoError(t, backend.Set(ctx, "responses", "k", []byte("legacy text")))

	c := New(backend)
	v, ok := c.Namespace("responses").Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "legacy text", string(v))

	raw, ok, err := backend.Get(ctx, "responses", "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, string(raw), `"v":1`, "value should be rewritten with an envelope")

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Migrations)
	assert.Equal(t, int64(1), stats.Hits)
}

func TestGet_MigratesFromLegacyNamespace(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend(0)
	require.NoError(t, backend.Set(ctx, "llm_responses", "k", []byte("old")))

	c := New(backend, WithLegacyNamespace("responses", "llm_responses"))
	v, ok := c.Namespace("responses").Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "old", string(v))

	_, ok, err := backend.Get(ctx, "responses", "k")
	require.NoError(t, err)
	assert.True(t, ok, "value should be copied into the current namespace")
}

func TestGet_FailedMigrationIsMiss(t *testing.T) {
	ctx := context.Background()
	backend := &failingBackend{MemoryBackend: NewMemoryBackend(0)}
	require.NoError(t, backend.MemoryBackend.Set(ctx, "responses", "k", []byte("legacy")))
	backend.failWrites = true

	c := New(backend)
	_, ok := c.Namespace("responses").Get(ctx, "k")
	assert.False(t, ok)
}

func TestNamespace_JSON(t *testing.T) {
	ctx := context.Background()
	ns := New(NewMemoryBackend(0)).Namespace("embeddings")
	ns.SetJSON(ctx, "k", []float64{0.5, 1})

	var got []float64
	require.True(t, ns.GetJSON(ctx, "k", &got))
	assert.Equal(t, []float64{0.5, 1}, got)
}

func TestMemoryBackend_EvictsOldest(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(2)
	require.NoError(t, b.Set(ctx, "ns", "a", []byte("1")))
	require.NoError(t, b.Set(ctx, "ns", "b", []byte("2")))
	require.NoError(t, b.Set(ctx, "ns", "c", []byte("3")))

	_, ok, _ := b.Get(ctx, "ns", "a")
	assert.False(t, ok)
	_, ok, _ = b.Get(ctx, "ns", "c")
	assert.True(t, ok)

	n, err := b.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestFileBackend(t *testing.T) {
	ctx := context.Background()
	b, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)

	_, ok, err := b.Get(ctx, "responses", "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Set(ctx, "responses", "k", []byte("v")))
	require.NoError(t, b.Set(ctx, "embeddings", "k", []byte("w")))

	v, ok, err := b.Get(ctx, "responses", "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", string(v))

	n, err := b.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	pruned, err := b.Prune(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pruned)

	require.NoError(t, b.Delete(ctx, "responses", "k"))
}

func TestSQLiteBackend(t *testing.T) {
	ctx := context.Background()
	b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer b.Close()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	require.NoError(t, b.Set(ctx, "responses", "old", []byte("1")))
	now = now.Add(48 * time.Hour)
	require.NoError(t, b.Set(ctx, "responses", "new", []byte("2")))
	require.NoError(t, b.Set(ctx, "responses", "new", []byte("3")))

	v, ok, err := b.Get(ctx, "responses", "new")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "3", string(v))

	_, ok, err = b.Get(ctx, "embeddings", "new")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := b.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	pruned, err := b.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	_, ok, err = b.Get(ctx, "responses", "old")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisBackend(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewRedisBackend(client, time.Hour)
	defer b.Close()

	require.NoError(t, b.Set(ctx, "responses", "k", []byte("v")))
	assert.True(t, mr.Exists("evalcore:responses:k"))

	v, ok, err := b.Get(ctx, "responses", "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", string(v))

	n, err := b.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	mr.FastForward(2 * time.Hour)
	_, ok, err = b.Get(ctx, "responses", "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisBackend_NamespaceWithSeparator(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	b := NewRedisBackend(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 0)
	defer b.Close()

	require.NoError(t, b.Set(ctx, "a:b", "c", []byte("first")))
	require.NoError(t, b.Set(ctx, "a", "b:c", []byte("second")))

	v, ok, err := b.Get(ctx, "a:b", "c")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", string(v))

	v, ok, err = b.Get(ctx, "a", "b:c")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", string(v))

	n, err := b.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestCache_OverRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	b, err := DialRedis(ctx, "redis://"+mr.Addr(), 0)
	require.NoError(t, err)

	c := New(b)
	defer c.Close()

	c.Namespace("responses").Set(ctx, "k", []byte("hello"))
	v, ok := c.Namespace("responses").Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "hello", string(v))

	_, err = c.Prune(ctx, time.Hour)
	assert.ErrorIs(t, err, ErrUnsupported)
}
