package metrics

import (
	"bytes"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveRequestAndNormalizePath(t *testing.T) {
	cases := []struct {
		name string
		path string
		want string
	}{
		{name: "root", path: "/", want: "/"},
		{name: "empty", path: "", want: "/"},
		{name: "numeric id", path: "/api/connections/12345/init", want: "/api/connections/:id/init"},
		{name: "trailing slash", path: "/healthz/", want: "/healthz"},
		{name: "route template", path: "/api/connections/{id}", want: "/api/connections/{id}"},
		{name: "mac file", path: "/poll/ab/cdefghijklmnopqrstu.json", want: "/poll/ab/:id"},
		{name: "relative", path: "metrics", want: "/metrics"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, normalizePath(tc.path))
		})
	}

	recorder := New()
	recorder.ObserveRequest("get", "/api/connections/12345/init", 200, 50*time.Millisecond)
	recorder.ObserveRequest("GET", "/api/connections/67890/init", 200, 150*time.Millisecond)

	var buf bytes.Buffer
	recorder.Write(&buf)
	out := buf.String()
	assert.Contains(t, out, `lightpoll_http_requests_total{method="GET",path="/api/connections/:id/init",status="200"} 2`)
	assert.Contains(t, out, `lightpoll_http_request_duration_seconds_sum{method="GET",path="/api/connections/:id/init",status="200"} 0.200000`)
}

func TestDomainCounters(t *testing.T) {
	recorder := New()
	recorder.ObserveTransaction("committed")
	recorder.ObserveTransaction("committed")
	recorder.ObserveTransaction("elided")
	recorder.ObservePublish("atomic")
	recorder.ObservePublish(" ")
	recorder.ObserveStoreWrite("file", nil)
	recorder.ObserveStoreWrite("file", errors.New("disk full"))
	recorder.ObservePayload("no_file")

	assert.Equal(t, map[string]uint64{"committed": 2, "elided": 1}, recorder.TransactionCounts())
	assert.Equal(t, map[string]uint64{"atomic": 1, "unknown": 1}, recorder.PublishCounts())
	assert.Equal(t, uint64(1), recorder.StoreWriteCount("file", "ok"))
	assert.Equal(t, uint64(1), recorder.StoreWriteCount("FILE", "error"))
	assert.Equal(t, map[string]uint64{"no_file": 1}, recorder.PayloadCounts())

	var buf bytes.Buffer
	recorder.Write(&buf)
	out := buf.String()
	assert.Contains(t, out, `lightpoll_transactions_total{outcome="committed"} 2`)
	assert.Contains(t, out, `lightpoll_store_writes_total{backend="file",result="error"} 1`)
	assert.Contains(t, out, `lightpoll_file_publish_total{mode="atomic"} 1`)
	assert.Contains(t, out, `lightpoll_payloads_total{outcome="no_file"} 1`)
	assert.Less(t, strings.Index(out, `outcome="committed"`), strings.Index(out, `outcome="elided"`))

	recorder.Reset()
	assert.Empty(t, recorder.TransactionCounts())
}

func TestHandlerContentType(t *testing.T) {
	recorder := New()
	recorder.ObserveTransaction("aborted")

	rr := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rr.Code)
	assert.Equal(t, "text/plain; version=0.0.4", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Body.String(), `lightpoll_transactions_total{outcome="aborted"} 1`)
}

func TestRecorderConcurrentUse(t *testing.T) {
	recorder := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				recorder.ObserveTransaction("committed")
				recorder.ObserveRequest("GET", "/healthz", 200, time.Millisecond)
				var buf bytes.Buffer
				recorder.Write(&buf)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(800), recorder.TransactionCounts()["committed"])
}
