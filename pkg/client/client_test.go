package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.HandleFunc("GET /api/v1/jobs", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"name":"fr","title":"the frontend application","params":["fr-version"],"lease":"deploy_fr_lock","active":false}]`))
	})
	mux.HandleFunc("POST /api/v1/deploy/{job}", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("job") {
		case "busy":
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"Deployment is going on for busy."}`))
			return
		case "fr":
			if r.URL.Query().Get("fr-version") == "" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"success":"false","error":"Missing required parameter","message":"fr-version is missing in the query string"}`))
				return
			}
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("X-Build-Id", "7")
		_, _ = w.Write([]byte("Proceeding\n\n"))
		w.(http.Flusher).Flush()
		_, _ = w.Write([]byte("✅ Deployment Successful.\n\n"))
	})
	mux.HandleFunc("POST /api/v1/abort/{job}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("job") != "fr" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"No deployment is running for ml."}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("GET /api/v1/history/{job}", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("buildId") == "3" {
			_, _ = w.Write([]byte(`{"buildId":"3","datetime":"2025-03-01T10:00:00Z","status":false,"aborted":true,"state":"aborted","output_log":"x","exit_code":0,"reason":"aborted","fr-version":"1.2.3"}`))
			return
		}
		_, _ = w.Write([]byte(`[{"buildId":"2","datetime":"2025-03-01T11:00:00Z","status":true,"state":"succeeded","fr-version":"1.2.4"},{"buildId":"1","datetime":"2025-03-01T10:00:00Z","status":true,"state":"succeeded","fr-version":"1.2.3"}]`))
	})
	mux.HandleFunc("GET /api/v1/boom", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not json"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T) *Client {
	srv := newTestServer(t)
	return New(Config{BaseURL: srv.URL + "/api/v1", Timeout: 2 * time.Second})
}

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	if c.BaseURL != DefaultBaseURL || c.Timeout != 10*time.Second {
		t.Fatalf("unexpected default config: %+v", c)
	}
	cl := New(Config{})
	if cl.baseURL != DefaultBaseURL || cl.client.Timeout != 10*time.Second || cl.stream.Timeout != 0 {
		t.Fatalf("unexpected client defaults")
	}
}

func TestIsReachable(t *testing.T) {
	c := newTestClient(t)
	if !c.IsReachable(context.Background()) {
		t.Fatal("server should be reachable")
	}
	down := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	if down.IsReachable(context.Background()) {
		t.Fatal("closed port should not be reachable")
	}
}

func TestDeployStreamsOutput(t *testing.T) {
	c := newTestClient(t)
	var out strings.Builder
	id, err := c.Deploy(context.Background(), "fr", map[string]string{"fr-version": "1.2.3"}, &out)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if id != 7 || out.String() != "Proceeding\n\n✅ Deployment Successful.\n\n" {
		t.Fatalf("id=%d out=%q", id, out.String())
	}
}

func TestDeployErrors(t *testing.T) {
	c := newTestClient(t)
	var out strings.Builder
	_, err := c.Deploy(context.Background(), "busy", nil, &out)
	if !errors.Is(err, ErrBusy) || !strings.Contains(err.Error(), "Deployment is going on for busy.") {
		t.Fatalf("expected busy error, got %v", err)
	}
	_, err = c.Deploy(context.Background(), "fr", nil, &out)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest || !strings.Contains(apiErr.Message, "fr-version is missing") {
		t.Fatalf("expected 400 api error, got %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("nothing should be written on error, got %q", out.String())
	}
}

func TestAbort(t *testing.T) {
	c := newTestClient(t)
	if err := c.Abort(context.Background(), "fr"); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if err := c.Abort(context.Background(), "ml"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestHistoryAndBuild(t *testing.T) {
	c := newTestClient(t)
	list, err := c.History(context.Background(), "fr")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(list) != 2 || list[0].BuildID != 2 || !list[0].Success || list[0].Metadata["fr-version"] != "1.2.4" {
		t.Fatalf("history: %+v", list)
	}
	b, err := c.Build(context.Background(), "fr", 3)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	if !b.Aborted || b.OutputLog != "x" || b.Reason != "aborted" || !b.StartedAt.Equal(want) || len(b.Metadata) != 1 {
		t.Fatalf("build: %+v", b)
	}
}

func TestJobs(t *testing.T) {
	c := newTestClient(t)
	jobs, err := c.Jobs(context.Background())
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Lease != "deploy_fr_lock" || jobs[0].Active == nil {
		t.Fatalf("jobs: %+v", jobs)
	}
}

func TestUndecodableError(t *testing.T) {
	c := newTestClient(t)
	err := c.getJSON(context.Background(), c.baseURL+"/boom", &struct{}{})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestSetupClientTLS(t *testing.T) {
	cfg, err := setupClientTLS(Config{Insecure: true})
	if err != nil || !cfg.InsecureSkipVerify {
		t.Fatalf("insecure: %v %+v", err, cfg)
	}
	cfg, err = setupClientTLS(Config{TLS: &TLSClientConfig{Enabled: true, ServerName: "deploy.local"}})
	if err != nil || cfg.ServerName != "deploy.local" {
		t.Fatalf("server name: %v", err)
	}
	if _, err := setupClientTLS(Config{TLS: &TLSClientConfig{Enabled: true, CACert: "/nonexistent/ca.pem"}}); err == nil {
		t.Fatal("expected error for missing CA file")
	}
}

func TestCredentials(t *testing.T) {
	var seen []string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req["password"] != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"authentication_failed","message":"Invalid credentials"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"username":"ops","token":{"type":"Bearer","value":"tok-1","expires_at":"2030-01-01T00:00:00Z"}}`))
	})
	mux.HandleFunc("GET /api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		if u, p, ok := r.BasicAuth(); ok {
			seen = append(seen, "basic:"+u+":"+p)
		} else if id := r.Header.Get("X-Client-Id"); id != "" {
			seen = append(seen, "client:"+id+":"+r.Header.Get("X-Client-Secret"))
		} else if a := r.Header.Get("Authorization"); a != "" {
			seen = append(seen, a)
		} else {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"authentication_failed"}`))
			return
		}
		_, _ = w.Write([]byte(`[]`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	base := srv.URL + "/api/v1"
	ctx := context.Background()

	if _, err := New(Config{BaseURL: base}).Jobs(ctx); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("anonymous: expected unauthorized, got %v", err)
	}
	if _, err := New(Config{BaseURL: base, Auth: Credentials{Username: "ops", Password: "pw"}}).Jobs(ctx); err != nil {
		t.Fatalf("basic: %v", err)
	}
	if _, err := New(Config{BaseURL: base, Auth: Credentials{ClientID: "ci", ClientSecret: "s"}}).Jobs(ctx); err != nil {
		t.Fatalf("client secret: %v", err)
	}

	c := New(Config{BaseURL: base})
	if _, err := c.Login(ctx, "ops", "bad"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("bad login: %v", err)
	}
	tok, err := c.Login(ctx, "ops", "pw")
	if err != nil || tok.Value != "tok-1" {
		t.Fatalf("login: %+v %v", tok, err)
	}
	if _, err := c.Jobs(ctx); err != nil {
		t.Fatalf("token: %v", err)
	}
	want := []string{"basic:ops:pw", "client:ci:s", "Bearer tok-1"}
	if strings.Join(seen, ",") != strings.Join(want, ",") {
		t.Fatalf("seen %v, want %v", seen, want)
	}
}
