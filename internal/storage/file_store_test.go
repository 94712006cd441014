package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lightpoll/internal/channels"
	"lightpoll/internal/filename"
)

func newTestFileStore(t *testing.T, layout filename.Layout, opts ...Option) (*FileStore, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "public")
	deriver, err := filename.NewDeriver([]byte("test-key"), dir, layout)
	require.NoError(t, err)
	return NewFileStore(deriver, opts...), dir
}

func skipIfRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() == 0 {
		t.Skip("permission checks are bypassed for root")
	}
}

func TestFileStoreWriteAndLoad(t *testing.T) {
	ctx := context.Background()
	var modes []PublishMode
	store, _ := newTestFileStore(t, filename.LayoutSharded, WithPublishObserver(func(m PublishMode) {
		modes = append(modes, m)
	}))

	set := channels.New()
	set.Ping("comments", time.Unix(1_700_000_000, 0))
	require.NoError(t, set.AddMessage("chat", map[string]string{"text": "hi"}, 5))
	require.NoError(t, store.Write(ctx, "42", set))

	data, err := os.ReadFile(store.Path("42").File())
	require.NoError(t, err)
	want, err := channels.Projection(set)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(data))
	assert.Equal(t, []PublishMode{PublishAtomic}, modes)

	info, err := os.Stat(store.Path("42").File())
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(fileMode), info.Mode().Perm())

	loaded := store.Load(ctx, "42")
	assert.Equal(t, set.Names(), loaded.Names())
	assert.Equal(t, set.ChannelTimes(), loaded.ChannelTimes())
	assert.True(t, loaded.TimeModified().Equal(info.ModTime()))
}

func TestFileStoreEmptySetPublishesObject(t *testing.T) {
	store, _ := newTestFileStore(t, filename.LayoutFlat)
	set := channels.New()
	set.Touch()

	require.NoError(t, store.Write(context.Background(), "7", set))

	data, err := os.ReadFile(store.Path("7").File())
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))
}

func TestFileStoreCreatesPlaceholders(t *testing.T) {
	store, dir := newTestFileStore(t, filename.LayoutSharded)

	require.NoError(t, store.Write(context.Background(), "1", channels.New()))

	assert.FileExists(t, filepath.Join(dir, PlaceholderName))
	assert.FileExists(t, filepath.Join(store.Path("1").ShardDir(), PlaceholderName))

	entries, err := os.ReadDir(store.Path("1").ShardDir())
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.HasPrefix(entry.Name(), ".publish-"), "temp file left behind: %s", entry.Name())
	}
}

func TestFileStoreLoadMissingOrCorrupt(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestFileStore(t, filename.LayoutFlat)

	missing := store.Load(ctx, "nobody")
	assert.Zero(t, missing.Len())
	assert.True(t, missing.TimeModified().IsZero())

	require.NoError(t, store.Write(ctx, "bad", channels.New()))
	require.NoError(t, os.WriteFile(store.Path("bad").File(), []byte(`{"a":`), 0o644))
	corrupt := store.Load(ctx, "bad")
	assert.Zero(t, corrupt.Len())

	require.NoError(t, os.WriteFile(store.Path("bad").File(), []byte(`"no file"`), 0o644))
	assert.Zero(t, store.Load(ctx, "bad").Len())
}

func TestFileStoreAtomicVisibility(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestFileStore(t, filename.LayoutSharded)
	path := store.Path("busy").File()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		set := channels.New()
		for i := 0; i < 200; i++ {
			_ = set.AddMessage("chat", strings.Repeat("x", i*50), 10)
			set.Ping(strings.Repeat("c", i%7+1), time.Time{})
			if err := store.Write(ctx, "busy", set); err != nil {
				t.Errorf("write %d: %v", i, err)
				return
			}
		}
	}()

	reads := 0
	for {
		select {
		case <-done:
			wg.Wait()
			assert.Positive(t, reads)
			return
		default:
		}
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		require.NoError(t, err)
		var doc map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(data, &doc), "partial document observed: %q", data)
		reads++
	}
}

func TestFileStoreSkipsReadOnlyFile(t *testing.T) {
	skipIfRoot(t)
	ctx := context.Background()
	var modes []PublishMode
	store, _ := newTestFileStore(t, filename.LayoutFlat, WithPublishObserver(func(m PublishMode) {
		modes = append(modes, m)
	}))
	require.NoError(t, store.Write(ctx, "ro", channels.New()))
	require.NoError(t, os.Chmod(store.Path("ro").File(), 0o444))

	err := store.Write(ctx, "ro", channels.New())
	assert.ErrorIs(t, err, ErrNotWritable)
	assert.Equal(t, PublishSkipped, modes[len(modes)-1])
}

func TestFileStoreDirectWriteFallback(t *testing.T) {
	skipIfRoot(t)
	ctx := context.Background()
	var modes []PublishMode
	store, dir := newTestFileStore(t, filename.LayoutFlat, WithPublishObserver(func(m PublishMode) {
		modes = append(modes, m)
	}))
	require.NoError(t, store.Write(ctx, "d", channels.New()))
	require.NoError(t, os.Chmod(dir, 0o555))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })

	set := channels.New()
	set.Ping("a", time.Unix(5, 0))
	require.NoError(t, store.Write(ctx, "d", set))
	assert.Equal(t, PublishDirect, modes[len(modes)-1])

	data, err := os.ReadFile(store.Path("d").File())
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":{"t":5}}`, string(data))

	err = store.Write(ctx, "new", set)
	assert.ErrorIs(t, err, ErrNotWritable)
}

func TestFileStoreCopyFallbackAfterFailedRename(t *testing.T) {
	ctx := context.Background()
	var modes []PublishMode
	store, dir := newTestFileStore(t, filename.LayoutFlat, WithPublishObserver(func(m PublishMode) {
		modes = append(modes, m)
	}))
	store.rename = func(string, string) error {
		return &os.LinkError{Op: "rename", Err: errors.New("cross-device link")}
	}

	set := channels.New()
	set.Ping("a", time.Unix(7, 0))
	require.NoError(t, store.Write(ctx, "c", set))
	assert.Equal(t, []PublishMode{PublishCopy}, modes)

	data, err := os.ReadFile(store.Path("c").File())
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":{"t":7}}`, string(data))

	leftovers, err := filepath.Glob(filepath.Join(dir, ".publish-*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestFileStoreDeleteAndDeleteAll(t *testing.T) {
	ctx := context.Background()
	store, dir := newTestFileStore(t, filename.LayoutSharded)
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, store.Write(ctx, id, channels.New()))
	}

	require.NoError(t, store.Delete(ctx, "1"))
	require.NoError(t, store.Delete(ctx, "1"))
	assert.NoFileExists(t, store.Path("1").File())

	require.NoError(t, store.DeleteAll(ctx))
	for _, id := range []string{"2", "3"} {
		assert.NoFileExists(t, store.Path(id).File())
		assert.NoDirExists(t, store.Path(id).ShardDir())
	}
	assert.FileExists(t, filepath.Join(dir, PlaceholderName))

	require.NoError(t, store.Write(ctx, "2", channels.New()))
	assert.FileExists(t, store.Path("2").File())
}

func TestFileStoreDeleteAllMissingRoot(t *testing.T) {
	store, _ := newTestFileStore(t, filename.LayoutSharded)
	assert.NoError(t, store.DeleteAll(context.Background()))
}

func TestFileStoreWriteHonoursContext(t *testing.T) {
	store, _ := newTestFileStore(t, filename.LayoutFlat)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.Write(ctx, "x", channels.New())
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, store.Path("x").File())
}
