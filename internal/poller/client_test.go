package poller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPollServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("/files/a.json", &document{body: `{"comments":{"t":5},"likes":{"t":6}}`})
	mux.Handle("/files/b.json", &document{body: `{"likes":{"t":7}}`})
	mux.HandleFunc("/page-data", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer page-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		ids := r.URL.Query()["connection"]
		if len(ids) != 2 || ids[0] != "a" || ids[1] != "private" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"a":{"url":"/files/a.json","init":{"comments":{"t":5}}},"private":"no access"}`))
	})
	mux.HandleFunc("/fetchConnection/", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fetchConnection/b":
			_, _ = w.Write([]byte(`{"url":"/files/b.json","init":{"likes":{"t":7}}}`))
		case "/fetchConnection/private":
			_, _ = w.Write([]byte(`"no access"`))
		default:
			_, _ = w.Write([]byte(`"no file"`))
		}
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestNewClientSkipsSentinelEntries(t *testing.T) {
	server := newPollServer(t)
	bootstrap := []byte(`{"a":{"url":"/files/a.json","init":{"comments":{"t":5}}},"x":"no access","y":"no file"}`)

	client, err := NewClient(server.URL, bootstrap)
	require.NoError(t, err)
	defer client.Stop()
	assert.Equal(t, []string{"a"}, client.Names())

	_, err = NewClient(server.URL, []byte(`[1]`))
	assert.Error(t, err)

	empty, err := NewClient(server.URL, nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Names())
}

func TestGetConnectionStartsBootstrappedConnection(t *testing.T) {
	server := newPollServer(t)
	sched := &fakeScheduler{}
	client, err := NewClient(server.URL, []byte(`{"a":{"url":"files/a.json","init":{}}}`), WithScheduler(sched.schedule))
	require.NoError(t, err)

	conn, err := client.GetConnection(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, conn.Started())
	assert.Equal(t, server.URL+"/files/a.json", conn.URL())
	assert.Equal(t, 1, sched.pendingCount())

	again, err := client.GetConnection(context.Background(), "a")
	require.NoError(t, err)
	assert.Same(t, conn, again)
	assert.Equal(t, 1, sched.pendingCount())
}

func TestGetConnectionFetchesUnknownConnection(t *testing.T) {
	server := newPollServer(t)
	sched := &fakeScheduler{}
	client, err := NewClient(server.URL+"/", nil, WithScheduler(sched.schedule))
	require.NoError(t, err)

	conn, err := client.GetConnection(context.Background(), "b")
	require.NoError(t, err)
	assert.True(t, conn.Started())
	assert.True(t, conn.HasChannel("likes"))
	assert.Equal(t, []string{"b"}, client.Names())

	_, err = client.GetConnection(context.Background(), "private")
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "no access")

	_, err = client.GetConnection(context.Background(), "missing")
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, []string{"b"}, client.Names())
}

func TestOnChannelUpdateStartsMatchingConnections(t *testing.T) {
	server := newPollServer(t)
	sched := &fakeScheduler{}
	bootstrap := []byte(`{
		"a": {"url": "/files/a.json", "init": {"comments": {"t": 1}}},
		"b": {"url": "/files/b.json", "init": {"likes": {"t": 7}}}
	}`)
	client, err := NewClient(server.URL, bootstrap, WithScheduler(sched.schedule))
	require.NoError(t, err)
	defer client.Stop()

	var got []Update
	client.OnChannelUpdate("comments", func(u Update) { got = append(got, u) })

	a, err := client.GetConnection(context.Background(), "a")
	require.NoError(t, err)
	b, err := client.GetConnection(context.Background(), "b")
	require.NoError(t, err)

	// Only "a" carried the channel when the handler was registered; "b" was
	// started by GetConnection.
	assert.Equal(t, 2, sched.pendingCount())

	updates, err := a.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, updates, 2)
	require.Len(t, got, 1)
	assert.Equal(t, Update{Connection: "a", Channel: "comments", Action: ActionPing, Time: got[0].Time}, got[0])
	assert.Equal(t, int64(5), got[0].Time.Unix())

	_, err = b.Refresh(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestOnChannelUpdateOnlyStartsConnectionsWithChannel(t *testing.T) {
	server := newPollServer(t)
	sched := &fakeScheduler{}
	bootstrap := []byte(`{
		"a": {"url": "/files/a.json", "init": {"comments": {"t": 1}}},
		"b": {"url": "/files/b.json", "init": {"likes": {"t": 7}}}
	}`)
	client, err := NewClient(server.URL, bootstrap, WithScheduler(sched.schedule))
	require.NoError(t, err)
	defer client.Stop()

	client.OnChannelUpdate("comments", func(Update) {})
	assert.Equal(t, 1, sched.pendingCount())
}

func TestBootstrapRegistersPageData(t *testing.T) {
	server := newPollServer(t)
	sched := &fakeScheduler{}
	client, err := NewClient(server.URL, nil, WithScheduler(sched.schedule), WithBearerToken("page-token"))
	require.NoError(t, err)

	require.NoError(t, client.Bootstrap(context.Background(), "a", "private"))
	assert.Equal(t, []string{"a"}, client.Names())
	assert.Zero(t, sched.pendingCount())

	conn, err := client.GetConnection(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, conn.HasChannel("comments"))

	anonymous, err := NewClient(server.URL, nil, WithScheduler(sched.schedule))
	require.NoError(t, err)
	err = anonymous.Bootstrap(context.Background(), "a", "private")
	assert.ErrorContains(t, err, "401")
}
