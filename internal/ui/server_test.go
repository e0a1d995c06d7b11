package ui

import (
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

	"github.com/leapstack-labs/leapgrid/internal/source"
	"github.com/leapstack-labs/leapgrid/internal/source/sourcetest"
	"github.com/leapstack-labs/leapgrid/internal/state"
	"github.com/leapstack-labs/leapgrid/internal/stream"
	"github.com/leapstack-labs/leapgrid/internal/tabdata"
	"github.com/leapstack-labs/leapgrid/internal/testutil"
)

var apiCols = []stream.Column{
	{Name: "id", Type: "BIGINT"},
	{Name: "name", Type: "VARCHAR", Nullable: true},
}

func apiRows(n int) [][]any {
	rows := make([][]any, n)
	for i := range rows {
		rows[i] = []any{int64(i), "row"}
	}
	return rows
}

// newTestAPI wires the handler stack against a scripted binding.
func newTestAPI(t *testing.T, b source.Binding, store state.Store) (http.Handler, *Registry) {
	t.Helper()

	reg := NewRegistry(RegistryConfig{
		Store:     store,
		Logger:    testutil.NewTestLogger(t),
		BatchSize: 100,
	})
	reg.providerFor = func(ctx context.Context, tab *Tab) (source.Provider, func() error, error) {
		return sourcetest.NewFakeProvider(b), nil, nil
	}
	t.Cleanup(func() { reg.Shutdown(context.Background()) })

	srv := NewServer(Config{
		Registry:      reg,
		SessionSecret: "test-secret",
		Logger:        testutil.NewTestLogger(t),
	})
	return srv.Handler(), reg
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func openTab(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/api/tabs", createTabRequest{
		Descriptor: source.Descriptor{Kind: source.KindTable, Name: "events"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var view tabView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.NotEmpty(t, view.ID)
	return view.ID
}

func waitForAvail(t *testing.T, reg *Registry, id string, n int64) {
	t.Helper()
	tab, ok := reg.Get(id)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return tab.Adapter.Status().RowCount.AvailableRowCount >= n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTabLifecycle(t *testing.T) {
	h, reg := newTestAPI(t, sourcetest.NewFakeBinding(apiCols, apiRows(250)), nil)

	id := openTab(t, h)

	rec := doJSON(t, h, http.MethodGet, "/api/tabs/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var views []tabView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "events", views[0].Descriptor.Name)

	// First slice call kicks the fetch off; rows arrive shortly after.
	doJSON(t, h, http.MethodGet, "/api/tabs/"+id+"/slice?from=0&to=100", nil)
	waitForAvail(t, reg, id, 100)

	rec = doJSON(t, h, http.MethodGet, "/api/tabs/"+id+"/slice?from=0&to=50", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var slice tabdata.Slice
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &slice))
	assert.Len(t, slice.Data, 50)
	assert.EqualValues(t, 0, slice.RowOffset)

	rec = doJSON(t, h, http.MethodDelete, "/api/tabs/"+id+"/", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/tabs/"+id+"/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSliceNullBeforeSchemaKnown(t *testing.T) {
	b := sourcetest.NewFakeBinding(apiCols, apiRows(250))
	b.Gated = true
	h, _ := newTestAPI(t, b, nil)

	id := openTab(t, h)

	rec := doJSON(t, h, http.MethodGet, "/api/tabs/"+id+"/slice?from=0&to=100", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null", strings.TrimSpace(rec.Body.String()),
		"no schema yet must serialize as null, not []")
}

func TestSortEndpoint(t *testing.T) {
	h, reg := newTestAPI(t, sourcetest.NewFakeBinding(apiCols, apiRows(50)), nil)
	id := openTab(t, h)

	doJSON(t, h, http.MethodGet, "/api/tabs/"+id+"/slice?from=0&to=50", nil)
	waitForAvail(t, reg, id, 50)

	rec := doJSON(t, h, http.MethodPost, "/api/tabs/"+id+"/sort", sortRequest{Column: "id"})
	require.Equal(t, http.StatusOK, rec.Code)

	var st tabdata.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.Len(t, st.Sort, 1)
	assert.Equal(t, source.SortAsc, st.Sort[0].Direction)

	rec = doJSON(t, h, http.MethodPost, "/api/tabs/"+id+"/sort", sortRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelAckFlow(t *testing.T) {
	b := sourcetest.NewFakeBinding(apiCols, apiRows(250))
	b.Gated = true
	h, reg := newTestAPI(t, b, nil)
	id := openTab(t, h)

	doJSON(t, h, http.MethodGet, "/api/tabs/"+id+"/slice?from=0&to=300", nil)
	b.Release(1)
	waitForAvail(t, reg, id, 100)

	rec := doJSON(t, h, http.MethodPost, "/api/tabs/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st tabdata.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.ReadCancelled)

	rec = doJSON(t, h, http.MethodPost, "/api/tabs/"+id+"/cancel/ack", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.False(t, st.ReadCancelled)
}

func TestAggregateEndpoint(t *testing.T) {
	b := sourcetest.NewFakeBinding(apiCols, apiRows(10))
	b.AggValue = int64(9)
	h, _ := newTestAPI(t, b, nil)
	id := openTab(t, h)

	rec := doJSON(t, h, http.MethodGet, "/api/tabs/"+id+"/aggregate?column=id&type=max", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.EqualValues(t, 9, out["value"])

	rec = doJSON(t, h, http.MethodGet, "/api/tabs/"+id+"/aggregate?column=id&type=median", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExportCSVEndpoint(t *testing.T) {
	h, reg := newTestAPI(t, sourcetest.NewFakeBinding(apiCols, apiRows(25)), nil)
	id := openTab(t, h)

	doJSON(t, h, http.MethodGet, "/api/tabs/"+id+"/slice?from=0&to=10", nil)
	waitForAvail(t, reg, id, 10)

	rec := doJSON(t, h, http.MethodGet, "/api/tabs/"+id+"/export?format=csv", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), ".csv")

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 26, "header plus every row")
	assert.Equal(t, "id,name", lines[0])
}

func TestActivateTracksSessionAndBackgroundScope(t *testing.T) {
	gate := make(chan struct{})
	b := sourcetest.NewFakeBinding(apiCols, apiRows(10))
	b.CountGate = gate
	h, _ := newTestAPI(t, b, nil)

	first := openTab(t, h)
	second := openTab(t, h)

	rec := doJSON(t, h, http.MethodPost, "/api/tabs/"+first+"/activate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cookie := rec.Header().Get("Set-Cookie")
	require.Contains(t, cookie, sessionName)

	// Activating the second tab with the first session deactivates tab one.
	req := httptest.NewRequest(http.MethodPost, "/api/tabs/"+second+"/activate", nil)
	req.Header.Set("Cookie", cookie)
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusOK, rec2.Code)

	close(gate)
}

func TestUnknownTabIs404(t *testing.T) {
	h, _ := newTestAPI(t, sourcetest.NewFakeBinding(apiCols, nil), nil)

	for _, path := range []string{
		"/api/tabs/nope/status",
		"/api/tabs/nope/slice",
	} {
		rec := doJSON(t, h, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestSnapshotPersistsAcrossReopen(t *testing.T) {
	store, err := state.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h, reg := newTestAPI(t, sourcetest.NewFakeBinding(apiCols, apiRows(40)), store)

	rec := doJSON(t, h, http.MethodPost, "/api/tabs", createTabRequest{
		ID:         "stable-tab",
		Descriptor: source.Descriptor{Kind: source.KindTable, Name: "events"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	doJSON(t, h, http.MethodGet, "/api/tabs/stable-tab/slice?from=0&to=40", nil)
	waitForAvail(t, reg, "stable-tab", 40)

	rec = doJSON(t, h, http.MethodDelete, "/api/tabs/stable-tab/", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	snap, err := store.LoadTabSnapshot(context.Background(), "stable-tab")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Len(t, snap.Rows, 40)
}

func TestEventsStreamPushesStatusSignals(t *testing.T) {
	h, _ := newTestAPI(t, sourcetest.NewFakeBinding(apiCols, apiRows(10)), nil)
	id := openTab(t, h)

	ts := httptest.NewServer(h)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/tabs/%s/events", ts.URL, id), nil)
	require.NoError(t, err)

	client := &http.Client{Transport: &http.Transport{DisableCompression: true}}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	buf := make([]byte, 4096)
	n, _ := resp.Body.Read(buf)
	body := string(buf[:n])
	assert.Contains(t, body, "datastar-patch-signals")
	assert.Contains(t, body, "dataVersion")
}
