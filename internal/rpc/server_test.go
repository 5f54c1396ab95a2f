package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftdb/weft/internal/metrics"
	"github.com/weftdb/weft/internal/storage/sqlite"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv := NewServer(store, metrics.New(), "")
	srv.watchInterval = 10 * time.Millisecond
	srv.queuePollInterval = 10 * time.Millisecond
	srv.sseHeartbeat = time.Hour

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

// do issues a request with a JSON body and decodes the JSON response.
func do(t *testing.T, ts *httptest.Server, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, payload)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	var decoded map[string]any
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	require.NoError(t, dec.Decode(&decoded))
	return resp.StatusCode, decoded
}

func number(t *testing.T, v any) int64 {
	t.Helper()
	n, ok := v.(json.Number)
	require.True(t, ok, "expected json.Number, got %T", v)
	i, err := n.Int64()
	require.NoError(t, err)
	return i
}

func TestKeyLifecycle(t *testing.T) {
	ts := newTestServer(t)

	status, set := do(t, ts, http.MethodPut, "/keys/users/alice", map[string]any{"name": "Alice"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, set["ok"])
	assert.NotEmpty(t, set["versionstamp"])

	status, got := do(t, ts, http.MethodGet, "/keys/users/alice", nil)
	require.Equal(t, http.StatusOK, status)
	value := got["value"].(map[string]any)
	assert.Equal(t, "Alice", value["name"])
	assert.Equal(t, set["versionstamp"], got["versionstamp"])

	status, del := do(t, ts, http.MethodDelete, "/keys/users/alice", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(1), number(t, del["deletedCount"]))

	status, _ = do(t, ts, http.MethodGet, "/keys/users/alice", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestKeyPathNumericCoercion(t *testing.T) {
	ts := newTestServer(t)

	status, _ := do(t, ts, http.MethodPut, "/keys/orders/42", "pending")
	require.Equal(t, http.StatusOK, status)

	// The path part 42 was stored as the number 42, so a structured
	// batch lookup with the numeric part finds it.
	status, batch := do(t, ts, http.MethodPost, "/keys/batch", map[string]any{
		"keys": [][]any{{"orders", 42}},
	})
	require.Equal(t, http.StatusOK, status)
	entries := batch["entries"].([]any)
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]any)
	assert.Equal(t, "pending", entry["value"])
	assert.NotEmpty(t, entry["versionstamp"])
}

func TestKeyPathValidation(t *testing.T) {
	ts := newTestServer(t)

	deep := strings.TrimSuffix(strings.Repeat("p/", MaxKeyDepth+1), "/")
	status, body := do(t, ts, http.MethodGet, "/keys/"+deep, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "depth")

	status, _ = do(t, ts, http.MethodPut, "/keys/a//b", "x")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, ts, http.MethodPut, "/keys/"+strings.Repeat("x", MaxKeyPartLength+1), "x")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSetWithExpireIn(t *testing.T) {
	ts := newTestServer(t)

	status, _ := do(t, ts, http.MethodPut, "/keys/session/s1?expireIn=60000", "token")
	require.Equal(t, http.StatusOK, status)

	status, got := do(t, ts, http.MethodGet, "/keys/session/s1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Greater(t, number(t, got["expiresAt"]), time.Now().UnixMilli())

	status, _ = do(t, ts, http.MethodPut, "/keys/session/s2?expireIn=-5", "token")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestListQuery(t *testing.T) {
	ts := newTestServer(t)

	for _, name := range []string{"alice", "bob", "carol"} {
		status, _ := do(t, ts, http.MethodPut, "/keys/users/"+name, name)
		require.Equal(t, http.StatusOK, status)
	}
	status, _ := do(t, ts, http.MethodPut, "/keys/orders/1", "x")
	require.Equal(t, http.StatusOK, status)

	status, list := do(t, ts, http.MethodGet, "/keys?prefix=users", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, list["entries"].([]any), 3)

	status, list = do(t, ts, http.MethodGet, "/keys?prefix=users&limit=2&reverse=true", nil)
	require.Equal(t, http.StatusOK, status)
	entries := list["entries"].([]any)
	require.Len(t, entries, 2)
	first := entries[0].(map[string]any)["key"].([]any)
	assert.Equal(t, "carol", first[1])
}

func TestListPostWithFilter(t *testing.T) {
	ts := newTestServer(t)

	for i, age := range []int{25, 40} {
		status, _ := do(t, ts, http.MethodPut, fmt.Sprintf("/keys/people/p%d", i),
			map[string]any{"age": age})
		require.Equal(t, http.StatusOK, status)
	}

	status, list := do(t, ts, http.MethodPost, "/keys/list", map[string]any{
		"prefix": []any{"people"},
		"where":  map[string]any{"age": map[string]any{"gte": 30}},
	})
	require.Equal(t, http.StatusOK, status)
	entries := list["entries"].([]any)
	require.Len(t, entries, 1)
	value := entries[0].(map[string]any)["value"].(map[string]any)
	assert.Equal(t, int64(40), number(t, value["age"]))
}

func TestDeleteWithFilter(t *testing.T) {
	ts := newTestServer(t)

	status, _ := do(t, ts, http.MethodPut, "/keys/jobs/a", map[string]any{"done": true})
	require.Equal(t, http.StatusOK, status)
	status, _ = do(t, ts, http.MethodPut, "/keys/jobs/b", map[string]any{"done": false})
	require.Equal(t, http.StatusOK, status)

	status, del := do(t, ts, http.MethodDelete, "/keys/jobs", map[string]any{
		"where": map[string]any{"done": true},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(1), number(t, del["deletedCount"]))

	status, count := do(t, ts, http.MethodGet, "/keys/count?prefix=jobs", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(1), number(t, count["count"]))
}

func TestBatchGetReportsMissingKeys(t *testing.T) {
	ts := newTestServer(t)

	status, _ := do(t, ts, http.MethodPut, "/keys/a/1", "one")
	require.Equal(t, http.StatusOK, status)

	status, batch := do(t, ts, http.MethodPost, "/keys/batch", map[string]any{
		"keys": [][]any{{"a", "1"}, {"a", "missing"}},
	})
	require.Equal(t, http.StatusOK, status)
	entries := batch["entries"].([]any)
	require.Len(t, entries, 2)
	assert.Equal(t, "one", entries[0].(map[string]any)["value"])
	missing := entries[1].(map[string]any)
	assert.Nil(t, missing["value"])
	assert.Empty(t, missing["versionstamp"])
}

func TestPaginate(t *testing.T) {
	ts := newTestServer(t)

	for _, id := range []string{"a", "b", "c"} {
		status, _ := do(t, ts, http.MethodPut, "/keys/docs/"+id, id)
		require.Equal(t, http.StatusOK, status)
	}

	status, page := do(t, ts, http.MethodGet, "/keys/paginate?prefix=docs&limit=2", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, page["entries"].([]any), 2)
	require.Equal(t, true, page["hasMore"])
	cursor := page["cursor"].(string)

	status, page = do(t, ts, http.MethodGet, "/keys/paginate?prefix=docs&limit=2&cursor="+cursor, nil)
	require.Equal(t, http.StatusOK, status)
	entries := page["entries"].([]any)
	require.Len(t, entries, 1)
	key := entries[0].(map[string]any)["key"].([]any)
	assert.Equal(t, "c", key[1])
	assert.Equal(t, false, page["hasMore"])
}

func TestAtomicEndpoint(t *testing.T) {
	ts := newTestServer(t)

	status, res := do(t, ts, http.MethodPost, "/atomic", map[string]any{
		"checks": []map[string]any{{"key": []any{"counter"}, "versionstamp": ""}},
		"mutations": []map[string]any{
			{"type": "sum", "key": []any{"counter"}, "value": 5},
			{"type": "set", "key": []any{"flag"}, "value": "on"},
		},
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, res["ok"])
	stamp := res["versionstamp"].(string)

	status, got := do(t, ts, http.MethodGet, "/keys/counter", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(5), number(t, got["value"]))
	assert.Equal(t, stamp, got["versionstamp"])

	// Replaying the absence check against the now-present key fails
	// cleanly.
	status, res = do(t, ts, http.MethodPost, "/atomic", map[string]any{
		"checks":    []map[string]any{{"key": []any{"counter"}, "versionstamp": ""}},
		"mutations": []map[string]any{{"type": "sum", "key": []any{"counter"}, "value": 1}},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, res["ok"])

	status, got = do(t, ts, http.MethodGet, "/keys/counter", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(5), number(t, got["value"]))
}

func TestAtomicValidation(t *testing.T) {
	ts := newTestServer(t)

	status, _ := do(t, ts, http.MethodPost, "/atomic", map[string]any{
		"mutations": []map[string]any{},
	})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, ts, http.MethodPost, "/atomic", map[string]any{
		"mutations": []map[string]any{{"type": "increment", "key": []any{"k"}, "value": 1}},
	})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, ts, http.MethodPost, "/atomic", map[string]any{
		"mutations": []map[string]any{{"type": "append", "key": []any{"k"}, "value": "not-an-array"}},
	})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestWatchPollRoundTrip(t *testing.T) {
	ts := newTestServer(t)

	status, _ := do(t, ts, http.MethodPut, "/keys/cfg/a", 1)
	require.Equal(t, http.StatusOK, status)

	status, poll := do(t, ts, http.MethodPost, "/watch/poll", map[string]any{
		"keys": [][]any{{"cfg", "a"}, {"cfg", "b"}},
	})
	require.Equal(t, http.StatusOK, status)
	require.Len(t, poll["changes"].([]any), 1)
	position := poll["position"]

	// Nothing changed: polling from the returned position is quiet.
	status, poll = do(t, ts, http.MethodPost, "/watch/poll", map[string]any{
		"keys":     [][]any{{"cfg", "a"}, {"cfg", "b"}},
		"position": position,
	})
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, poll["changes"])
	position = poll["position"]

	status, _ = do(t, ts, http.MethodPut, "/keys/cfg/b", 2)
	require.Equal(t, http.StatusOK, status)
	status, poll = do(t, ts, http.MethodPost, "/watch/poll", map[string]any{
		"keys":     [][]any{{"cfg", "a"}, {"cfg", "b"}},
		"position": position,
	})
	require.Equal(t, http.StatusOK, status)
	changes := poll["changes"].([]any)
	require.Len(t, changes, 1)
	key := changes[0].(map[string]any)["key"].([]any)
	assert.Equal(t, "b", key[1])
}

func TestWatchPollGetForm(t *testing.T) {
	ts := newTestServer(t)

	status, _ := do(t, ts, http.MethodPut, "/keys/cfg/a", 1)
	require.Equal(t, http.StatusOK, status)

	status, poll := do(t, ts, http.MethodGet, "/watch/poll?keys=cfg/a,cfg/b", nil)
	require.Equal(t, http.StatusOK, status)
	changes := poll["changes"].([]any)
	require.Len(t, changes, 1)
	stamp := changes[0].(map[string]any)["versionstamp"].(string)

	// Resume with the observed stamp for cfg/a; cfg/b has no stamp yet.
	status, poll = do(t, ts, http.MethodGet, "/watch/poll?keys=cfg/a,cfg/b&versionstamps="+stamp+",", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, poll["changes"])

	status, _ = do(t, ts, http.MethodGet, "/watch/poll?keys=cfg/a,cfg/b&versionstamps="+stamp, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestWatchPrefixPollReportsDeletes(t *testing.T) {
	ts := newTestServer(t)

	status, _ := do(t, ts, http.MethodPut, "/keys/inv/widget", 3)
	require.Equal(t, http.StatusOK, status)

	status, poll := do(t, ts, http.MethodPost, "/watch/prefix/poll", map[string]any{
		"prefix": []any{"inv"},
	})
	require.Equal(t, http.StatusOK, status)
	require.Len(t, poll["changes"].([]any), 1)
	position := poll["position"]

	status, _ = do(t, ts, http.MethodDelete, "/keys/inv/widget", nil)
	require.Equal(t, http.StatusOK, status)

	status, poll = do(t, ts, http.MethodPost, "/watch/prefix/poll", map[string]any{
		"prefix":   []any{"inv"},
		"position": position,
	})
	require.Equal(t, http.StatusOK, status)
	changes := poll["changes"].([]any)
	require.Len(t, changes, 1)
	change := changes[0].(map[string]any)
	assert.Equal(t, []any{"inv", "widget"}, change["key"].([]any))
	assert.Nil(t, change["value"])
	assert.Nil(t, change["versionstamp"])
}

func TestWatchSSEStream(t *testing.T) {
	ts := newTestServer(t)

	status, _ := do(t, ts, http.MethodPut, "/keys/live/a", "v1")
	require.Equal(t, http.StatusOK, status)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/watch?keys=live/a&initial=true", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	batch := readSSEBatch(t, bufio.NewReader(resp.Body))
	require.Len(t, batch, 1)
	assert.Equal(t, "v1", batch[0]["value"])
}

// readSSEBatch reads lines until one data frame has been consumed.
func readSSEBatch(t *testing.T, r *bufio.Reader) []map[string]any {
	t.Helper()
	deadline := time.After(5 * time.Second)
	lines := make(chan string, 16)
	go func() {
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				close(lines)
				return
			}
			lines <- strings.TrimRight(line, "\n")
		}
	}()
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for SSE batch")
		case line, ok := <-lines:
			require.True(t, ok, "stream closed before a batch arrived")
			data, found := strings.CutPrefix(line, "data: ")
			if !found {
				continue
			}
			var batch []map[string]any
			require.NoError(t, json.Unmarshal([]byte(data), &batch))
			return batch
		}
	}
}

func TestQueueRoundTrip(t *testing.T) {
	ts := newTestServer(t)

	status, enq := do(t, ts, http.MethodPost, "/queue/enqueue", map[string]any{
		"value": map[string]any{"task": "send-email"},
	})
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, enq["id"])

	status, msg := do(t, ts, http.MethodGet, "/queue/poll", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, enq["id"], msg["id"])
	value := msg["value"].(map[string]any)
	assert.Equal(t, "send-email", value["task"])

	status, _ = do(t, ts, http.MethodPost, "/queue/ack", map[string]any{"id": msg["id"]})
	require.Equal(t, http.StatusOK, status)

	// POST polls too; both forms drain the same queue.
	status, _ = do(t, ts, http.MethodPost, "/queue/poll", nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = do(t, ts, http.MethodGet, "/queue/poll", nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, stats := do(t, ts, http.MethodGet, "/queue/stats", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(0), number(t, stats["pending"]))
	assert.Equal(t, int64(0), number(t, stats["processing"]))
}

func TestQueueDLQFlow(t *testing.T) {
	ts := newTestServer(t)

	// An empty backoff schedule allows a single attempt; the first nack
	// dead-letters the message.
	status, enq := do(t, ts, http.MethodPost, "/queue/enqueue", map[string]any{
		"value":           "doomed",
		"backoffSchedule": []int64{},
	})
	require.Equal(t, http.StatusOK, status)

	status, msg := do(t, ts, http.MethodPost, "/queue/poll", nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = do(t, ts, http.MethodPost, "/queue/nack", map[string]any{"id": msg["id"]})
	require.Equal(t, http.StatusOK, status)

	status, dlq := do(t, ts, http.MethodGet, "/queue/dlq", nil)
	require.Equal(t, http.StatusOK, status)
	msgs := dlq["messages"].([]any)
	require.Len(t, msgs, 1)
	dead := msgs[0].(map[string]any)
	assert.Equal(t, enq["id"], dead["originalId"])
	assert.Equal(t, "doomed", dead["value"])

	deadID := dead["id"].(string)
	status, got := do(t, ts, http.MethodGet, "/queue/dlq/"+deadID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "doomed", got["value"])

	status, _ = do(t, ts, http.MethodPost, "/queue/dlq/"+deadID+"/requeue", nil)
	require.Equal(t, http.StatusOK, status)

	status, msg = do(t, ts, http.MethodPost, "/queue/poll", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "doomed", msg["value"])

	status, purge := do(t, ts, http.MethodDelete, "/queue/dlq", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(0), number(t, purge["purged"]))
}

func TestQueueListenSSE(t *testing.T) {
	ts := newTestServer(t)

	status, _ := do(t, ts, http.MethodPost, "/queue/enqueue", map[string]any{"value": "first"})
	require.Equal(t, http.StatusOK, status)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/queue/listen", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	r := bufio.NewReader(resp.Body)
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "timed out waiting for queue message")
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		data, found := strings.CutPrefix(strings.TrimRight(line, "\n"), "data: ")
		if !found {
			continue
		}
		var msg map[string]any
		require.NoError(t, json.Unmarshal([]byte(data), &msg))
		assert.Equal(t, "first", msg["value"])
		break
	}
}

func TestSearchEndpoints(t *testing.T) {
	ts := newTestServer(t)

	status, info := do(t, ts, http.MethodPost, "/indexes", map[string]any{
		"prefix": []any{"articles"},
		"fields": []string{"title", "body"},
	})
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, info["tableName"])

	status, _ = do(t, ts, http.MethodPut, "/keys/articles/1",
		map[string]any{"title": "Weaving threads", "body": "warp and weft"})
	require.Equal(t, http.StatusOK, status)
	status, _ = do(t, ts, http.MethodPut, "/keys/articles/2",
		map[string]any{"title": "Knitting", "body": "purl stitch"})
	require.Equal(t, http.StatusOK, status)

	status, res := do(t, ts, http.MethodGet, "/search?prefix=articles&q=weft", nil)
	require.Equal(t, http.StatusOK, status)
	entries := res["entries"].([]any)
	require.Len(t, entries, 1)
	value := entries[0].(map[string]any)["value"].(map[string]any)
	assert.Equal(t, "Weaving threads", value["title"])

	status, list := do(t, ts, http.MethodGet, "/indexes", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, list["indexes"].([]any), 1)

	status, _ = do(t, ts, http.MethodDelete, "/indexes?prefix=articles", nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = do(t, ts, http.MethodGet, "/search?prefix=articles&q=weft", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSearchRequiresQuery(t *testing.T) {
	ts := newTestServer(t)
	status, body := do(t, ts, http.MethodGet, "/search?prefix=articles", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "query")
}

func TestHealthAndStats(t *testing.T) {
	ts := newTestServer(t)

	status, health := do(t, ts, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", health["status"])

	status, ready := do(t, ts, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ready", ready["status"])

	status, _ = do(t, ts, http.MethodPut, "/keys/s/1", 1)
	require.Equal(t, http.StatusOK, status)
	status, stats := do(t, ts, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(1), number(t, stats["entries"]))
}

func TestMetricsEndpoints(t *testing.T) {
	ts := newTestServer(t)

	status, _ := do(t, ts, http.MethodPut, "/keys/m/1", 1)
	require.Equal(t, http.StatusOK, status)
	status, _ = do(t, ts, http.MethodGet, "/keys/m/1", nil)
	require.Equal(t, http.StatusOK, status)

	status, snap := do(t, ts, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, status)
	setStats := snap["set"].(map[string]any)
	assert.Equal(t, int64(1), number(t, setStats["count"]))

	resp, err := ts.Client().Get(ts.URL + "/metrics/prometheus")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `weft_op_total{op="set"} 1`)
	assert.Contains(t, string(raw), "weft_entries 1")
}

func TestMalformedBodyIsBadRequest(t *testing.T) {
	ts := newTestServer(t)

	resp, err := ts.Client().Post(ts.URL+"/atomic", "application/json",
		strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)

	status, _ := do(t, ts, http.MethodPost, "/keys?prefix=x", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, status)
	status, _ = do(t, ts, http.MethodGet, "/atomic", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, status)
	status, _ = do(t, ts, http.MethodDelete, "/queue/ack", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, status)
}
