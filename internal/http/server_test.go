package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"mvccdb/pkg/dberrors"
	"mvccdb/pkg/metrics"
	"mvccdb/pkg/store"
)

func newTestServer(t *testing.T) (*Server, *store.Engine) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := store.Open(t.TempDir(), store.WithLogger(logger), store.WithMetrics(metrics.New()))
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return NewServer(e, "", logger), e
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response JSON: %v, body=%s", err, rr.Body.String())
	}
	return resp
}

func TestHealthHandler(t *testing.T) {
	s, _ := newTestServer(t)

	rr := serve(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if resp := decodeResp(t, rr); resp.Status != StatusOK {
		t.Fatalf("expected status %s, got %s", StatusOK, resp.Status)
	}
}

func TestPutGetDeleteFlow(t *testing.T) {
	s, _ := newTestServer(t)

	form := url.Values{}
	form.Set("key", "foo")
	form.Set("value", "bar")
	req := httptest.NewRequest(http.MethodPut, "/api/put", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := serve(s, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("put: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = serve(s, httptest.NewRequest(http.MethodGet, "/api/get?key=foo", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if resp := decodeResp(t, rr); resp.Value != "bar" {
		t.Fatalf("get: expected value 'bar', got '%s'", resp.Value)
	}

	rr = serve(s, httptest.NewRequest(http.MethodDelete, "/api/delete?key=foo", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = serve(s, httptest.NewRequest(http.MethodGet, "/api/get?key=foo", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("get-after-delete: expected 404, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestMissingParamsAndMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPut, "/api/put", strings.NewReader(""))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if rr := serve(s, req); rr.Code != http.StatusBadRequest {
		t.Fatalf("put-missing: expected 400, got %d body=%s", rr.Code, rr.Body.String())
	}
	if rr := serve(s, httptest.NewRequest(http.MethodGet, "/api/get", nil)); rr.Code != http.StatusBadRequest {
		t.Fatalf("get-missing: expected 400, got %d", rr.Code)
	}
	if rr := serve(s, httptest.NewRequest(http.MethodDelete, "/api/delete", nil)); rr.Code != http.StatusBadRequest {
		t.Fatalf("delete-missing: expected 400, got %d", rr.Code)
	}
	if rr := serve(s, httptest.NewRequest(http.MethodGet, "/api/scan?limit=-1", nil)); rr.Code != http.StatusBadRequest {
		t.Fatalf("scan-bad-limit: expected 400, got %d", rr.Code)
	}
	if rr := serve(s, httptest.NewRequest(http.MethodPost, "/health", nil)); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("method-not-allowed: expected 405, got %d", rr.Code)
	}
}

func TestBatchAndScan(t *testing.T) {
	s, _ := newTestServer(t)

	body := `{"ops":[{"op":"put","key":"a","value":"1"},{"op":"put","key":"b","value":"2"},{"op":"put","key":"c","value":"3"},{"op":"delete","key":"a"}]}`
	rr := serve(s, httptest.NewRequest(http.MethodPost, "/api/batch", strings.NewReader(body)))
	if rr.Code != http.StatusOK {
		t.Fatalf("batch: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = serve(s, httptest.NewRequest(http.MethodGet, "/api/scan?start=a&end=z&limit=10", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("scan: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	resp := decodeResp(t, rr)
	if len(resp.Items) != 2 || resp.Items[0].Key != "b" || resp.Items[1].Value != "3" {
		t.Fatalf("scan: unexpected items %+v", resp.Items)
	}

	bad := `{"ops":[{"op":"merge","key":"a"}]}`
	if rr := serve(s, httptest.NewRequest(http.MethodPost, "/api/batch", strings.NewReader(bad))); rr.Code != http.StatusBadRequest {
		t.Fatalf("batch-bad-op: expected 400, got %d", rr.Code)
	}
}

func TestTxnConflictReturns409(t *testing.T) {
	s, e := newTestServer(t)
	if err := e.Insert([]byte("x"), []byte("0")); err != nil {
		t.Fatal(err)
	}

	// a transaction begun before the handler's commits its read of x later
	txn, err := e.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := txn.Get([]byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := txn.Insert([]byte("x"), []byte("local")); err != nil {
		t.Fatal(err)
	}

	body := `{"reads":["x"],"ops":[{"op":"put","key":"x","value":"remote"}]}`
	rr := serve(s, httptest.NewRequest(http.MethodPost, "/api/txn", strings.NewReader(body)))
	if rr.Code != http.StatusOK {
		t.Fatalf("txn: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	resp := decodeResp(t, rr)
	if len(resp.Items) != 1 || resp.Items[0].Value != "0" || !resp.Items[0].Found {
		t.Fatalf("txn: unexpected reads %+v", resp.Items)
	}

	if err := txn.Commit(store.Optimistic); !dberrors.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	body = `{"reads":["x"],"consistency":"eventual"}`
	if rr := serve(s, httptest.NewRequest(http.MethodPost, "/api/txn", strings.NewReader(body))); rr.Code != http.StatusBadRequest {
		t.Fatalf("txn-bad-consistency: expected 400, got %d", rr.Code)
	}
}

func TestClosedEngineReturns503(t *testing.T) {
	s, e := newTestServer(t)
	_ = e.Close()

	if rr := serve(s, httptest.NewRequest(http.MethodGet, "/api/get?key=k", nil)); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestAdminAndMetrics(t *testing.T) {
	s, e := newTestServer(t)
	if err := e.Insert([]byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}

	if rr := serve(s, httptest.NewRequest(http.MethodPost, "/admin/flush", nil)); rr.Code != http.StatusOK {
		t.Fatalf("flush: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	rr := serve(s, httptest.NewRequest(http.MethodGet, "/admin/levels", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("levels: expected 200, got %d", rr.Code)
	}
	if resp := decodeResp(t, rr); len(resp.Levels) == 0 || resp.Levels[0].Tables != 1 {
		t.Fatalf("levels: unexpected %+v", resp.Levels)
	}
	if rr := serve(s, httptest.NewRequest(http.MethodPost, "/admin/compact", nil)); rr.Code != http.StatusOK {
		t.Fatalf("compact: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = serve(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "mvccdb_") {
		t.Fatalf("metrics: expected mvccdb series, got %s", rr.Body.String())
	}
}

func TestClientRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx := context.Background()
	c := NewClient(ts.URL)
	defer c.Close()

	if err := c.Put(ctx, "k1", "v1"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := c.Batch(ctx, []Op{{Op: "put", Key: "k2", Value: "v2"}}); err != nil {
		t.Fatalf("batch: %v", err)
	}
	v, ok, err := c.Get(ctx, "k1")
	if err != nil || !ok || v != "v1" {
		t.Fatalf("get: %q %v %v", v, ok, err)
	}
	items, err := c.Scan(ctx, "", "", 0)
	if err != nil || len(items) != 2 {
		t.Fatalf("scan: %+v %v", items, err)
	}
	if err := c.Delete(ctx, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, err := c.Get(ctx, "k1"); err != nil || ok {
		t.Fatalf("get-after-delete: %v %v", ok, err)
	}
	if _, err := c.Txn(ctx, TxnRequest{Reads: []string{"k2"}}); err != nil {
		t.Fatalf("txn: %v", err)
	}
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := c.Compact(ctx); err != nil {
		t.Fatalf("compact: %v", err)
	}
	levels, err := c.Levels(ctx)
	if err != nil || len(levels) == 0 {
		t.Fatalf("levels: %+v %v", levels, err)
	}
}
