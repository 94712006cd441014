package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lightpoll/internal/channels"
	"lightpoll/internal/filename"
	"lightpoll/internal/settings"
)

func TestSettingsStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend := settings.NewMemoryStore()
	store := NewSettingsStore(backend)

	set := channels.New(channels.WithClock(func() time.Time { return time.Unix(1_700_000_000, 123) }))
	set.AddChannel("idle")
	require.NoError(t, set.AddMessage("chat", "hello", 3))
	require.NoError(t, store.Write(ctx, "user-1", set))

	raw, ok, err := backend.Get(ctx, ConnectionsScope, "user-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, raw)

	loaded := store.Load(ctx, "user-1")
	assert.True(t, set.TimeModified().Equal(loaded.TimeModified()))
	assert.Equal(t, set.Names(), loaded.Names())
	idle, _ := loaded.Channel("idle")
	assert.Nil(t, idle.Messages)
}

func TestSettingsStoreLoadFallsBackToEmpty(t *testing.T) {
	ctx := context.Background()
	backend := settings.NewMemoryStore()
	store := NewSettingsStore(backend)

	assert.Zero(t, store.Load(ctx, "missing").Len())

	require.NoError(t, backend.Set(ctx, ConnectionsScope, "junk", []byte("not protobuf at all")))
	assert.Zero(t, store.Load(ctx, "junk").Len())

	require.NoError(t, backend.Close(ctx))
	assert.Zero(t, store.Load(ctx, "missing").Len())
}

func TestSettingsStoreDeleteAll(t *testing.T) {
	ctx := context.Background()
	backend := settings.NewMemoryStore()
	store := NewSettingsStore(backend)
	require.NoError(t, backend.Set(ctx, "lightpoll", "filename_key", []byte("k")))
	for _, id := range []string{"a", "b"} {
		require.NoError(t, store.Write(ctx, id, channels.New()))
	}

	require.NoError(t, store.Delete(ctx, "a"))
	_, ok, _ := backend.Get(ctx, ConnectionsScope, "a")
	assert.False(t, ok)

	require.NoError(t, store.DeleteAll(ctx))
	_, ok, _ = backend.Get(ctx, ConnectionsScope, "b")
	assert.False(t, ok)
	_, ok, _ = backend.Get(ctx, "lightpoll", "filename_key")
	assert.True(t, ok, "filename key survives a flush")
}

type failingStore struct {
	ConnectionStore
	err    error
	writes int
}

func (f *failingStore) Write(context.Context, string, *channels.Set) error {
	f.writes++
	return f.err
}

func TestMirroredWritesEverywhere(t *testing.T) {
	ctx := context.Background()
	primary := NewSettingsStore(settings.NewMemoryStore())
	files, _ := newTestFileStore(t, filename.LayoutFlat)
	mirrored := NewMirrored(primary, files)

	set := channels.New()
	set.Ping("a", time.Unix(9, 0))
	require.NoError(t, mirrored.Write(ctx, "id", set))

	assert.True(t, primary.Load(ctx, "id").Has("a"))
	assert.True(t, files.Load(ctx, "id").Has("a"))
	assert.True(t, mirrored.Load(ctx, "id").Has("a"))

	require.NoError(t, mirrored.Delete(ctx, "id"))
	assert.False(t, primary.Load(ctx, "id").Has("a"))
	assert.NoFileExists(t, files.Path("id").File())
}

func TestMirroredJoinsErrors(t *testing.T) {
	errPrimary := errors.New("primary down")
	errProjection := errors.New("disk full")
	primary := &failingStore{err: errPrimary}
	projection := &failingStore{err: errProjection}

	err := NewMirrored(primary, projection).Write(context.Background(), "id", channels.New())
	assert.ErrorIs(t, err, errPrimary)
	assert.ErrorIs(t, err, errProjection)
	assert.Equal(t, 1, projection.writes, "projections are written even when the primary fails")
}

func TestSelect(t *testing.T) {
	settingsStore := NewSettingsStore(settings.NewMemoryStore())
	files, _ := newTestFileStore(t, filename.LayoutFlat)

	store, err := Select("", nil, files)
	require.NoError(t, err)
	assert.Equal(t, "file", BackendName(store))

	store, err = Select(ModeSettings, settingsStore, nil)
	require.NoError(t, err)
	assert.Equal(t, "settings", BackendName(store))

	store, err = Select(ModeMirrored, settingsStore, files)
	require.NoError(t, err)
	assert.Equal(t, "mirrored", BackendName(store))

	_, err = Select(ModeMirrored, nil, files)
	assert.Error(t, err)
	_, err = Select("s3", settingsStore, files)
	assert.Error(t, err)
	assert.Equal(t, "none", BackendName(nil))
}
