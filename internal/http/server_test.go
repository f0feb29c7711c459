package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/slidereviewd/internal/config"
	"github.com/fyrsmithlabs/slidereviewd/internal/queue"
	"github.com/fyrsmithlabs/slidereviewd/internal/records"
	"github.com/fyrsmithlabs/slidereviewd/internal/review"
)

const testHeaderRow = "AccessionID;Stain;BlockNumber;Complete;AccessionID_Count;OriginalLine"

type testEnv struct {
	server    *Server
	queue     queue.Service
	imageDir  string
	path      string
	backupDir string
}

func newTestEnv(t *testing.T, rows ...string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.csv")
	content := testHeaderRow + "\n"
	for _, r := range rows {
		content += r + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	store := records.NewStore(path, zap.NewNop())
	require.NoError(t, store.Load())

	qstore, err := queue.OpenStore(filepath.Join(dir, "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { qstore.Close() })

	qsvc, err := queue.NewService(qstore, 5*time.Minute, zap.NewNop(), nil, nil)
	require.NoError(t, err)

	completed := make(map[int]bool)
	for i, rec := range store.Records() {
		completed[i] = rec.IsComplete
	}
	_, err = qsvc.Populate(context.Background(), store.Len(), completed)
	require.NoError(t, err)

	backupDir := filepath.Join(dir, "csv_backups")
	rec, err := review.New(store, qsvc, backupDir, zap.NewNop(), nil, nil)
	require.NoError(t, err)

	imageDir := filepath.Join(dir, "images")
	require.NoError(t, os.MkdirAll(filepath.Join(imageDir, "label"), 0o750))

	cfg := &config.ServerConfig{Host: "localhost", Port: 8760}
	srv, err := NewServer(cfg, store, qsvc, rec, imageDir, zap.NewNop(), nil)
	require.NoError(t, err)

	return &testEnv{server: srv, queue: qsvc, imageDir: imageDir, path: path, backupDir: backupDir}
}

func (e *testEnv) do(method, target, reviewer, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echoContentType, "application/json")
	}
	if reviewer != "" {
		req.Header.Set(reviewerHeader, reviewer)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

const echoContentType = "Content-Type"

func TestHealth(t *testing.T) {
	env := newTestEnv(t, `S25-1;HE;;False;0;"CASE-1;Label: x;Macro: y"`)

	res := env.do(http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, res.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["records"])
}

func TestAssignNextRequiresReviewer(t *testing.T) {
	env := newTestEnv(t, `S25-1;HE;;False;0;"CASE-1;Label: x;Macro: y"`)

	res := env.do(http.MethodGet, "/api/v1/queue/next", "", "")
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestAssignNextGrantsDistinctItems(t *testing.T) {
	env := newTestEnv(t,
		`S25-1;HE;;False;0;"A;Label: x;Macro: y"`,
		`S25-2;HE;;False;0;"B;Label: x;Macro: y"`,
	)

	res := env.do(http.MethodGet, "/api/v1/queue/next", "alice", "")
	require.Equal(t, http.StatusOK, res.Code)
	var a queue.Assignment
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &a))
	assert.Equal(t, 0, a.Item.OriginalIndex)

	res = env.do(http.MethodGet, "/api/v1/queue/next", "bob", "")
	require.Equal(t, http.StatusOK, res.Code)
	var b queue.Assignment
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &b))
	assert.Equal(t, 1, b.Item.OriginalIndex)
}

func TestAssignNextExhausted(t *testing.T) {
	env := newTestEnv(t, `S25-1;HE;;True;0;"A;Label: x;Macro: y"`)

	res := env.do(http.MethodGet, "/api/v1/queue/next", "alice", "")
	require.Equal(t, http.StatusOK, res.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	assert.Equal(t, true, body["queue_exhausted"])
	assert.Equal(t, float64(1), body["completed"])
	assert.Equal(t, float64(1), body["total"])
}

func TestGetItem(t *testing.T) {
	env := newTestEnv(t,
		`S25-1;HE;;False;0;"CASE-1;Label: tiny;Macro: smudge"`,
		`;;;False;0;"CASE-1;Label: faint;Macro: blur"`,
	)

	res := env.do(http.MethodGet, "/api/v1/items/1", "alice", "")
	require.Equal(t, http.StatusOK, res.Code)

	var view itemView
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &view))
	assert.Equal(t, 1, view.Record.OriginalIndex)
	assert.Equal(t, "faint", view.Record.LabelText)
	assert.Equal(t, queue.StatusLeased, view.Queue.Status)
	assert.Equal(t, "alice", view.Queue.LeasedBy)
	assert.False(t, view.ReadOnly)
	assert.Equal(t, "S25-1", view.Prefill.AccessionID, "accession borrowed from the case sibling")
	assert.Equal(t, "/images/label/CASE-1.png", view.Images["label"])
	assert.Equal(t, 2, view.DisplayTotal)
}

func TestGetItemForeignLeaseIsReadOnly(t *testing.T) {
	env := newTestEnv(t, `S25-1;HE;;False;0;"A;Label: x;Macro: y"`)

	res := env.do(http.MethodGet, "/api/v1/items/0", "alice", "")
	require.Equal(t, http.StatusOK, res.Code)

	res = env.do(http.MethodGet, "/api/v1/items/0", "bob", "")
	require.Equal(t, http.StatusOK, res.Code)

	var view itemView
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &view))
	assert.True(t, view.ReadOnly)
	assert.Equal(t, "alice", view.Queue.LeasedBy)
}

func TestGetItemNotFound(t *testing.T) {
	env := newTestEnv(t, `S25-1;HE;;False;0;"A;Label: x;Macro: y"`)

	res := env.do(http.MethodGet, "/api/v1/items/9", "alice", "")
	assert.Equal(t, http.StatusNotFound, res.Code)

	res = env.do(http.MethodGet, "/api/v1/items/abc", "alice", "")
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestSubmitItemActionNext(t *testing.T) {
	env := newTestEnv(t,
		`S25-1;HE;;False;0;"A;Label: x;Macro: y"`,
		`S25-2;HE;;False;0;"B;Label: x;Macro: y"`,
	)

	res := env.do(http.MethodGet, "/api/v1/queue/next", "alice", "")
	require.Equal(t, http.StatusOK, res.Code)

	res = env.do(http.MethodPost, "/api/v1/items/0", "alice",
		`{"accession_id":"S25-1","stain":"HE","complete":true,"action":"next"}`)
	require.Equal(t, http.StatusOK, res.Code)

	var resp submitResponse
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &resp))
	assert.True(t, resp.Saved)
	assert.True(t, resp.Completed)
	require.NotNil(t, resp.NextIndex)
	assert.Equal(t, 1, *resp.NextIndex)
}

func TestSubmitItemBackupFailureReportsCritical(t *testing.T) {
	env := newTestEnv(t, `S25-1;HE;;False;0;"A;Label: x;Macro: y"`)

	res := env.do(http.MethodGet, "/api/v1/queue/next", "alice", "")
	require.Equal(t, http.StatusOK, res.Code)

	// A regular file where the backup directory should be.
	require.NoError(t, os.WriteFile(env.backupDir, []byte("blocked"), 0o644))

	res = env.do(http.MethodPost, "/api/v1/items/0", "alice",
		`{"accession_id":"S25-9","stain":"HE"}`)
	require.Equal(t, http.StatusOK, res.Code)

	var resp submitResponse
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &resp))
	assert.False(t, resp.Saved)
	require.NotEmpty(t, resp.Messages)
	assert.Equal(t, review.CategoryCritical, resp.Messages[0].Category)
	assert.Contains(t, resp.Messages[0].Text, "NOT written to disk")
}

func TestSubmitItemReloadsChangedSnapshot(t *testing.T) {
	env := newTestEnv(t, `S25-1;HE;;False;0;"A;Label: x;Macro: y"`)

	res := env.do(http.MethodGet, "/api/v1/queue/next", "alice", "")
	require.Equal(t, http.StatusOK, res.Code)

	// Upstream appends a row before alice submits. The submit path must
	// pick it up and seed its queue entry.
	grown := testHeaderRow + "\n" +
		`S25-1;HE;;False;0;"A;Label: x;Macro: y"` + "\n" +
		`S25-2;HE;;False;0;"B;Label: x;Macro: y"` + "\n"
	require.NoError(t, os.WriteFile(env.path, []byte(grown), 0o644))
	require.NoError(t, os.Chtimes(env.path, time.Now().Add(time.Hour), time.Now().Add(time.Hour)))

	res = env.do(http.MethodPost, "/api/v1/items/0", "alice",
		`{"accession_id":"S25-1","stain":"HE","block_number":"A1"}`)
	require.Equal(t, http.StatusOK, res.Code)

	item, err := env.queue.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, item.Status)
}

func TestJumpResolvesDisplayPosition(t *testing.T) {
	env := newTestEnv(t,
		`S25-1;HE;;True;0;"A;Label: x;Macro: y"`,
		`S25-2;HE;;False;0;"B;Label: x;Macro: y"`,
	)

	// Position 1 of the incomplete-only list is the second record.
	res := env.do(http.MethodPost, "/api/v1/queue/jump", "alice",
		`{"position":1,"incomplete_only":true}`)
	require.Equal(t, http.StatusOK, res.Code)

	var body struct {
		Index      int              `json:"index"`
		Assignment queue.Assignment `json:"assignment"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Index)
	assert.Equal(t, "alice", body.Assignment.Item.LeasedBy)
	assert.False(t, body.Assignment.ReadOnly)
}

func TestJumpForeignLeaseIsReadOnly(t *testing.T) {
	env := newTestEnv(t, `S25-1;HE;;False;0;"A;Label: x;Macro: y"`)

	res := env.do(http.MethodGet, "/api/v1/queue/next", "alice", "")
	require.Equal(t, http.StatusOK, res.Code)

	res = env.do(http.MethodPost, "/api/v1/queue/jump", "bob", `{"position":1}`)
	require.Equal(t, http.StatusOK, res.Code)

	var body struct {
		Assignment queue.Assignment `json:"assignment"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	assert.True(t, body.Assignment.ReadOnly)
	assert.Equal(t, "alice", body.Assignment.Item.LeasedBy)
}

func TestJumpOutOfRange(t *testing.T) {
	env := newTestEnv(t, `S25-1;HE;;False;0;"A;Label: x;Macro: y"`)

	res := env.do(http.MethodPost, "/api/v1/queue/jump", "alice", `{"position":7}`)
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res = env.do(http.MethodPost, "/api/v1/queue/jump", "alice", `{"position":0}`)
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestSearch(t *testing.T) {
	env := newTestEnv(t,
		`S25-1;HE;;False;0;"CASE-1;Label: x;Macro: y"`,
		`S25-2;HE;;False;0;"CASE-2;Label: x;Macro: y"`,
	)

	res := env.do(http.MethodPost, "/api/v1/search", "", `{"term":"case-2"}`)
	require.Equal(t, http.StatusOK, res.Code)
	var body map[string]int
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	assert.Equal(t, 1, body["index"])

	res = env.do(http.MethodPost, "/api/v1/search", "", `{"term":"nope"}`)
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestStats(t *testing.T) {
	env := newTestEnv(t,
		`S25-1;HE;;True;0;"A;Label: x;Macro: y"`,
		`S25-2;HE;;False;0;"B;Label: x;Macro: y"`,
	)

	res := env.do(http.MethodGet, "/api/v1/queue/stats", "", "")
	require.Equal(t, http.StatusOK, res.Code)

	var body struct {
		Queue   queue.Stats `json:"queue"`
		Records int         `json:"records"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Records)
	assert.Equal(t, 1, body.Queue.Completed)
	assert.Equal(t, 1, body.Queue.Pending)
}

func TestHistoryEnrichedWithRecordFields(t *testing.T) {
	env := newTestEnv(t,
		`S25-1;HE;;False;0;"A;Label: x;Macro: y"`,
	)
	ctx := context.Background()

	_, err := env.queue.AssignNext(ctx, "alice")
	require.NoError(t, err)
	_, err = env.queue.Complete(ctx, 0, "alice", false)
	require.NoError(t, err)

	res := env.do(http.MethodGet, "/api/v1/history", "", "")
	require.Equal(t, http.StatusOK, res.Code)

	var entries []historyEntry
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "S25-1", entries[0].AccessionID)
	assert.Equal(t, "alice", entries[0].CompletedBy)
}

func TestReleaseLease(t *testing.T) {
	env := newTestEnv(t, `S25-1;HE;;False;0;"A;Label: x;Macro: y"`)

	res := env.do(http.MethodGet, "/api/v1/queue/next", "alice", "")
	require.Equal(t, http.StatusOK, res.Code)

	res = env.do(http.MethodPost, "/api/v1/lease/release", "alice", `{"index":0}`)
	require.Equal(t, http.StatusOK, res.Code)

	item, err := env.queue.Get(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, item.Status)
}

func TestServeImage(t *testing.T) {
	env := newTestEnv(t, `S25-1;HE;;False;0;"A;Label: x;Macro: y"`)
	require.NoError(t, os.WriteFile(
		filepath.Join(env.imageDir, "label", "slide.png"), []byte("png-bytes"), 0o644))

	res := env.do(http.MethodGet, "/images/label/slide.png", "", "")
	assert.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, "png-bytes", res.Body.String())

	res = env.do(http.MethodGet, "/images/secret/slide.png", "", "")
	assert.Equal(t, http.StatusNotFound, res.Code)

	res = env.do(http.MethodGet, "/images/label/..%2Fslide.png", "", "")
	assert.NotEqual(t, http.StatusOK, res.Code)

	res = env.do(http.MethodGet, "/images/label/missing.png", "", "")
	assert.Equal(t, http.StatusNotFound, res.Code)
}
