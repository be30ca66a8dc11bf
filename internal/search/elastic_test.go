package search

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type recordedRequest struct {
	method string
	path   string
	body   map[string]any
}

type fakeElastic struct {
	mu       sync.Mutex
	requests []recordedRequest
	status   int
}

func (f *fakeElastic) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	if len(raw) > 0 {
		json.Unmarshal(raw, &body)
	}
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{method: r.Method, path: r.URL.Path, body: body})
	status := f.status
	f.mu.Unlock()

	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	io.WriteString(w, `{"result":"ok"}`)
}

func (f *fakeElastic) last(t *testing.T) recordedRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatal("no request recorded")
	}
	return f.requests[len(f.requests)-1]
}

func (f *fakeElastic) setStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

func newTestElastic(t *testing.T) (*ElasticClient, *fakeElastic) {
	t.Helper()
	fake := &fakeElastic{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := NewElasticClient(ElasticConfig{Addresses: []string{srv.URL}, Index: "mail"})
	if err != nil {
		t.Fatalf("NewElasticClient: %v", err)
	}
	return client, fake
}

func TestElasticIndex(t *testing.T) {
	client, fake := newTestElastic(t)
	if err := client.Index(context.Background(), "msg1", Document{User: "u1", Modseq: 3}); err != nil {
		t.Fatalf("Index: %v", err)
	}
	req := fake.last(t)
	if req.method != http.MethodPut || req.path != "/mail/_doc/msg1" {
		t.Fatalf("unexpected request %s %s", req.method, req.path)
	}
	if req.body["user"] != "u1" {
		t.Fatalf("unexpected body: %v", req.body)
	}
}

func TestElasticScriptedUpdate(t *testing.T) {
	client, fake := newTestElastic(t)
	err := client.Update(context.Background(), "msg1", Update{Fields: FlagsFromList([]string{`\Flagged`}), Modseq: 42})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	req := fake.last(t)
	if req.method != http.MethodPost || req.path != "/mail/_update/msg1" {
		t.Fatalf("unexpected request %s %s", req.method, req.path)
	}
	script, ok := req.body["script"].(map[string]any)
	if !ok {
		t.Fatalf("expected script update, got %v", req.body)
	}
	if !strings.Contains(script["source"].(string), "ctx.op = 'none'") {
		t.Fatalf("unexpected script source: %v", script["source"])
	}
	params := script["params"].(map[string]any)
	if params["modseq"] != float64(42) || params["flagged"] != true {
		t.Fatalf("unexpected params: %v", params)
	}
}

func TestElasticPartialUpdateWithoutModseq(t *testing.T) {
	client, fake := newTestElastic(t)
	if err := client.Update(context.Background(), "msg1", Update{Fields: FlagsFromList(nil)}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	req := fake.last(t)
	doc, ok := req.body["doc"].(map[string]any)
	if !ok {
		t.Fatalf("expected partial doc update, got %v", req.body)
	}
	if doc["unseen"] != true {
		t.Fatalf("unexpected doc: %v", doc)
	}
	if _, ok := req.body["script"]; ok {
		t.Fatal("partial update must not carry a script")
	}
}

func TestElasticDeleteNotFound(t *testing.T) {
	client, fake := newTestElastic(t)
	fake.setStatus(http.StatusNotFound)

	if err := client.Delete(context.Background(), "msg1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	req := fake.last(t)
	if req.method != http.MethodDelete || req.path != "/mail/_doc/msg1" {
		t.Fatalf("unexpected request %s %s", req.method, req.path)
	}
}

func TestElasticServerError(t *testing.T) {
	client, fake := newTestElastic(t)
	fake.setStatus(http.StatusBadRequest)

	err := client.Index(context.Background(), "msg1", Document{})
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected a plain error, got %v", err)
	}
}
