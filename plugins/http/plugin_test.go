package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BDNK1/flowbase/runtime"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/users/1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Request-Id", r.Header.Get("X-Request-Id"))
		w.Write([]byte(`{"id":1,"name":"Alice"}`))
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write(body)
	})
	mux.HandleFunc("/text", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("plain text"))
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newApp(t *testing.T, cfg Config) *runtime.App {
	t.Helper()
	app := runtime.NewApp(nil, nil, nil)
	if _, err := Register(context.Background(), app, cfg); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	t.Cleanup(func() { app.Shutdown(context.Background()) })
	return app
}

func TestRegister_Signatures(t *testing.T) {
	app := newApp(t, Config{})

	get, ok := app.Functions.Lookup("http.get")
	if !ok {
		t.Fatal("Expected http.get to be registered")
	}
	if !reflect.DeepEqual(get.InputTypes, []string{runtime.TypeString}) || get.OutputType != runtime.TypeObject {
		t.Errorf("http.get types = %v -> %s", get.InputTypes, get.OutputType)
	}

	post, ok := app.Functions.Lookup("http.post")
	if !ok {
		t.Fatal("Expected http.post to be registered")
	}
	if !reflect.DeepEqual(post.InputTypes, []string{runtime.TypeString, runtime.TypeObject}) {
		t.Errorf("http.post input types = %v", post.InputTypes)
	}
}

func TestGet(t *testing.T) {
	srv := newTestServer(t)
	app := newApp(t, Config{BaseURL: srv.URL, Headers: map[string]string{"X-Request-Id": "req-1"}})

	def := &runtime.WorkflowDefinition{
		ID:    "fetch",
		Name:  "Fetch",
		Steps: []runtime.Step{runtime.FunctionStep("http.get", "/users/1")},
	}
	results, err := runtime.NewExecutor(nil).RunWorkflow(context.Background(), def, app.Functions, nil)
	if err != nil {
		t.Fatalf("RunWorkflow failed: %v", err)
	}

	res := results[0].(map[string]any)
	if res["status"] != http.StatusOK {
		t.Errorf("status = %v", res["status"])
	}
	body := res["body"].(map[string]any)
	if body["name"] != "Alice" {
		t.Errorf("body = %v", body)
	}
	if res["headers"].(map[string]any)["X-Request-Id"] != "req-1" {
		t.Errorf("Expected configured header to be sent, got %v", res["headers"])
	}
}

func TestPost(t *testing.T) {
	srv := newTestServer(t)
	p := New(Config{})
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Shutdown(context.Background())

	res, err := p.Post(context.Background(), srv.URL+"/echo", map[string]any{"amount": 10.0})
	if err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if res["status"] != http.StatusCreated {
		t.Errorf("status = %v", res["status"])
	}
	if got := res["body"].(map[string]any)["amount"]; got != 10.0 {
		t.Errorf("echoed amount = %v", got)
	}

	text, err := p.Get(context.Background(), srv.URL+"/text")
	if err != nil || text["body"] != "plain text" {
		t.Errorf("text body = %v, %v", text["body"], err)
	}
}

func TestNon2xxIsStepFailure(t *testing.T) {
	srv := newTestServer(t)
	app := newApp(t, Config{BaseURL: srv.URL})

	var attempts atomic.Int32
	app.Functions.Register("fallback", func(ctx context.Context, args []any) (any, error) {
		attempts.Add(1)
		return "fallback", nil
	}, nil, runtime.TypeString)

	def := &runtime.WorkflowDefinition{
		ID:   "fetch",
		Name: "Fetch",
		Steps: []runtime.Step{
			runtime.FunctionStep("http.get", "/missing").WithOnError(runtime.FunctionStep("fallback")),
		},
	}
	results, err := runtime.NewExecutor(nil).RunWorkflow(context.Background(), def, app.Functions, nil)
	if err != nil {
		t.Fatalf("RunWorkflow failed: %v", err)
	}
	if !reflect.DeepEqual(results, []any{"fallback"}) || attempts.Load() != 1 {
		t.Errorf("results = %v, fallback ran %d times", results, attempts.Load())
	}

	p := New(Config{BaseURL: srv.URL})
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, err = p.Get(context.Background(), "/missing")
	var stepErr *runtime.Error
	if !errors.As(err, &stepErr) || stepErr.Metadata["status"] != http.StatusNotFound {
		t.Fatalf("Expected StepExecutionError with status metadata, got %v", err)
	}
	body, _ := json.Marshal(stepErr.Metadata["body"])
	if string(body) != `{"error":"not found"}` {
		t.Errorf("error body = %s", body)
	}
}

func TestInitializeValidatesConfig(t *testing.T) {
	p := New(Config{BaseURL: "not a url"})
	if err := p.Initialize(context.Background()); err == nil {
		t.Error("Expected invalid base URL to be rejected")
	}

	p = New(Config{})
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if p.Config.Timeout != 30*time.Second {
		t.Errorf("Expected default timeout 30s, got %v", p.Config.Timeout)
	}
}

func TestCallBeforeInitialize(t *testing.T) {
	if _, err := New(Config{}).Get(context.Background(), "http://example.com"); err == nil {
		t.Error("Expected error before Initialize")
	}
}
