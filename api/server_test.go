package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/permadata/bundler"
	"github.com/permadata/bundler/store"
)

type fakeRedriver struct {
	moved int
}

func (f *fakeRedriver) RedriveDLQ(context.Context, int) (int, error) {
	return f.moved, nil
}

func newTestServer(t *testing.T) (*Server, *store.Mem) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mem := store.NewMem(3)
	return &Server{
		Store:  mem,
		Queues: map[string]Redriver{"plan-bundle": &fakeRedriver{moved: 4}},
	}, mem
}

func TestDataItemStatus(t *testing.T) {
	s, mem := newTestServer(t)
	err := mem.InsertNewDataItem(context.Background(), bundler.NewDataItem{DataItem: bundler.DataItem{
		ID:                   "item-1",
		AssessedWinstonPrice: bundler.WinstonFromUint64(777),
		UploadedDate:         time.Now().UTC(),
	}})
	if err != nil {
		t.Fatal(err)
	}
	router := s.Router()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/tx/item-1/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "new" || body["winc"] != "777" {
		t.Errorf("unexpected body %v", body)
	}
	if _, ok := body["bundleId"]; ok {
		t.Error("unbundled item must not report a bundle id")
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/tx/ghost/status", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("got %d for unknown id, want 404", w.Code)
	}
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", w.Code)
	}
}

func TestMetricsExposed(t *testing.T) {
	s, _ := newTestServer(t)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", w.Code)
	}
}

func TestRequeue(t *testing.T) {
	os.Setenv("BUNDLER_ENV", "DEV")
	defer os.Unsetenv("BUNDLER_ENV")
	s, _ := newTestServer(t)
	router := s.Router()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/requeue/plan-bundle", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["redriven"] != float64(4) {
		t.Errorf("unexpected body %v", body)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/requeue/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("got %d for unknown queue, want 404", w.Code)
	}
}

func TestRequeueRequiresToken(t *testing.T) {
	os.Unsetenv("BUNDLER_ENV")
	s, _ := newTestServer(t)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/requeue/plan-bundle", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("got %d without a token, want 401", w.Code)
	}
}
