package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/ImgurBot/internal/bot"
	"github.com/BTreeMap/ImgurBot/internal/models"
	"github.com/BTreeMap/ImgurBot/internal/queue"
	"github.com/BTreeMap/ImgurBot/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type brokenSeen struct {
	store.SeenRepo
}

func (brokenSeen) CountSeen(context.Context) (int, error) {
	return 0, models.NewStorageError("count seen", errors.New("disk gone"))
}

func newTestServer(t *testing.T, seen store.SeenRepo, opts ...Option) (*Server, *queue.Queue) {
	t.Helper()
	st := store.NewInMemoryStore()
	if seen == nil {
		seen = st
	}
	q := queue.New(st)
	p, err := bot.NewPipeline(seen, q, 10)
	require.NoError(t, err)
	return NewServer(seen, q, p, opts...), q
}

func do(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec, out := do(t, s.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", out["status"])
	assert.EqualValues(t, 0, out["seen_items"])
}

func TestHealth_Degraded(t *testing.T) {
	s, _ := newTestServer(t, brokenSeen{SeenRepo: store.NewInMemoryStore()})
	rec, out := do(t, s.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", out["status"])
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()

	rec, out := do(t, h, http.MethodPost, "/health", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodGet, rec.Header().Get("Allow"))
	assert.Equal(t, "error", out["status"])

	rec, _ = do(t, h, http.MethodGet, "/submit", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

func TestSubmit_QueuesThenDeduplicates(t *testing.T) {
	s, q := newTestServer(t, nil)
	h := s.Handler()

	rec, out := do(t, h, http.MethodPost, "/submit", `{"item_id":"abc","target":"img1","text":"one two three four five"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "queued", out["status"])
	result := out["result"].(map[string]interface{})
	assert.Equal(t, "queued", result["status"])
	assert.NotEmpty(t, result["group_id"])
	assert.Greater(t, result["chunks"].(float64), float64(1))
	assert.True(t, q.Active("abc"))

	rec, out = do(t, h, http.MethodPost, "/submit", `{"item_id":"abc","target":"img1","text":"again"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "skipped", out["status"])
	assert.Equal(t, "Item already queued", out["message"])
}

func TestSubmit_AlreadySeen(t *testing.T) {
	st := store.NewInMemoryStore()
	require.NoError(t, st.CommitSeen(context.Background(), "done"))
	s, q := newTestServer(t, st)

	rec, out := do(t, s.Handler(), http.MethodPost, "/submit", `{"item_id":"done","target":"t","text":"hi"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Item already processed", out["message"])
	assert.Equal(t, 0, q.Len())
}

func TestSubmit_BadRequests(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()

	cases := map[string]string{
		"invalid json": `{"item_id":`,
		"missing id":   `{"target":"t","text":"hi"}`,
		"empty text":   `{"item_id":"x","target":"t","text":""}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec, out := do(t, h, http.MethodPost, "/submit", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "error", out["status"])
		})
	}
}

func TestSeen(t *testing.T) {
	st := store.NewInMemoryStore()
	require.NoError(t, st.CommitSeen(context.Background(), "old"))
	s, _ := newTestServer(t, st)
	h := s.Handler()

	rec, out := do(t, h, http.MethodGet, "/seen?id=old", "")
	require.Equal(t, http.StatusOK, rec.Code)
	result := out["result"].(map[string]interface{})
	assert.Equal(t, true, result["seen"])
	assert.NotEmpty(t, result["processed_at"])

	_, out = do(t, h, http.MethodGet, "/seen?id=new", "")
	result = out["result"].(map[string]interface{})
	assert.Equal(t, false, result["seen"])
	assert.NotContains(t, result, "processed_at")

	rec, _ = do(t, h, http.MethodGet, "/seen", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueueSnapshot(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()

	_, out := do(t, h, http.MethodGet, "/queue", "")
	result := out["result"].(map[string]interface{})
	assert.EqualValues(t, 0, result["length"])
	assert.Empty(t, result["actions"])

	do(t, h, http.MethodPost, "/submit", `{"item_id":"q1","target":"t","text":"short"}`)
	_, out = do(t, h, http.MethodGet, "/queue", "")
	result = out["result"].(map[string]interface{})
	assert.EqualValues(t, 1, result["length"])
	actions := result["actions"].([]interface{})
	require.Len(t, actions, 1)
	assert.Equal(t, "q1", actions[0].(map[string]interface{})["item_id"])
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "imgurbot_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	s, _ := newTestServer(t, nil, WithGatherer(reg))
	rec, _ := do(t, s.Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "imgurbot_test_total 1")
}

func TestServe_StopsOnCancel(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
