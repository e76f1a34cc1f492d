package deployr

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	tlsx "github.com/loykin/deployr/internal/tls"
	"github.com/loykin/deployr/pkg/client"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	c, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	dir := t.TempDir()
	c.History.DSN = filepath.Join(dir, "history.db")
	c.Log.File.Dir = filepath.Join(dir, "transcripts")
	c.Env = []string{"GREETING=hello"}
	c.Jobs = []Job{
		{
			Name:     "web",
			Title:    "the web application",
			Params:   []string{"version"},
			Metadata: []string{"version"},
			Steps: []Step{
				{Message: "Proceeding to deploy WEB\n\n"},
				{Label: "deploy", Command: `echo "$GREETING {{.version}}"`},
			},
		},
		{
			Name:  "slow",
			Steps: []Step{{Label: "wait", Command: "sleep 30"}},
		},
		{
			Name:  "broken",
			Steps: []Step{{Label: "fail", Command: "exit 3"}},
		},
	}
	return c
}

func newService(t *testing.T, c *Config) *Service {
	t.Helper()
	s, err := New(c, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDeployRunsRealCommands(t *testing.T) {
	requireUnix(t)
	c := testConfig(t)
	s := newService(t, c)
	ctx := context.Background()

	id, out, err := s.Deploy(ctx, "web", map[string]string{"version": "1.2.3"})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	var b strings.Builder
	for chunk := range out {
		b.WriteString(chunk)
	}
	want := "Proceeding to deploy WEB\n\nhello 1.2.3\n✅ Deployment Successful.\n\n"
	if b.String() != want {
		t.Fatalf("output = %q, want %q", b.String(), want)
	}

	run, err := s.Build(ctx, "web", id)
	if err != nil {
		t.Fatalf("history get: %v", err)
	}
	if !run.Success || run.Log != want || run.Metadata["version"] != "1.2.3" {
		t.Fatalf("recorded run: %+v", run)
	}
	transcript, err := os.ReadFile(filepath.Join(c.Log.File.Dir, "web.log"))
	if err != nil {
		t.Fatalf("transcript: %v", err)
	}
	if string(transcript) != want {
		t.Fatalf("transcript = %q", transcript)
	}

	id, out, err = s.Deploy(ctx, "broken", nil)
	if err != nil {
		t.Fatalf("deploy broken: %v", err)
	}
	for range out {
	}
	run, err = s.Build(ctx, "broken", id)
	if err != nil {
		t.Fatalf("history get: %v", err)
	}
	if run.Success || run.ExitCode != 3 || !strings.HasSuffix(run.Log, "❌ Deployment Failed 3\n\n") {
		t.Fatalf("failed run: %+v", run)
	}
	list, err := s.History(ctx, "broken", 0)
	if err != nil || len(list) != 1 {
		t.Fatalf("history list: %v %v", list, err)
	}
}

func TestDeployBusyAndAbort(t *testing.T) {
	requireUnix(t)
	c := testConfig(t)
	c.Lease.Heartbeat = 20 * time.Millisecond
	c.Supervisor.InterruptGrace = 200 * time.Millisecond
	c.Supervisor.TerminateGrace = 200 * time.Millisecond
	c.Supervisor.KillGrace = 200 * time.Millisecond
	s := newService(t, c)
	ctx := context.Background()

	id, out, err := s.Deploy(ctx, "slow", nil)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	done := make(chan string, 1)
	go func() {
		var b strings.Builder
		for chunk := range out {
			b.WriteString(chunk)
		}
		done <- b.String()
	}()

	if _, _, err := s.Deploy(ctx, "slow", nil); !errors.Is(err, ErrBusy) {
		t.Fatalf("second deploy: expected ErrBusy, got %v", err)
	}
	if err := s.Abort(ctx, "slow"); err != nil {
		t.Fatalf("abort: %v", err)
	}
	select {
	case got := <-done:
		if !strings.HasSuffix(got, "🛑 Deployment Aborted.\n\n") {
			t.Fatalf("output = %q", got)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop after abort")
	}
	run, err := s.Build(ctx, "slow", id)
	if err != nil || !run.Aborted {
		t.Fatalf("aborted run: %+v %v", run, err)
	}
	if active, _ := s.Active(ctx, "slow"); active {
		t.Fatal("lease still held after abort")
	}
	if err := s.Abort(ctx, "slow"); !errors.Is(err, ErrNoActiveRun) {
		t.Fatalf("abort idle job: expected ErrNoActiveRun, got %v", err)
	}
}

func TestHandlerServesAPI(t *testing.T) {
	requireUnix(t)
	s := newService(t, testConfig(t))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/deploy/web?version=9.9.9")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("status %d, content-type %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	buf := new(strings.Builder)
	if _, err := io.Copy(buf, resp.Body); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(buf.String(), "hello 9.9.9") {
		t.Fatalf("body = %q", buf.String())
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	c := testConfig(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	c.Server.Listen = l.Addr().String()
	_ = l.Close()
	s := newService(t, c)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx) }()

	var resp *http.Response
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err = http.Get("http://" + c.Server.Listen + "/api/v1/health")
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return")
	}
}

func TestServeOverTLS(t *testing.T) {
	c := testConfig(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	c.Server.Listen = l.Addr().String()
	_ = l.Close()
	certDir := filepath.Join(t.TempDir(), "tls")
	c.Server.TLS.Enabled = true
	c.Server.TLS.Dir = certDir
	c.Server.TLS.AutoGenerate = true
	s := newService(t, c)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx) }()

	ca := tlsx.CACertPath(certDir)
	deadline := time.Now().Add(10 * time.Second)
	reachable := false
	for !reachable && time.Now().Before(deadline) {
		if _, err := os.Stat(ca); err == nil {
			cl := client.New(client.Config{
				BaseURL: "https://" + c.Server.Listen + "/api/v1",
				TLS:     &client.TLSClientConfig{Enabled: true, CACert: ca, ServerName: "localhost"},
			})
			reachable = cl.IsReachable(ctx)
		}
		if !reachable {
			time.Sleep(50 * time.Millisecond)
		}
	}
	if !reachable {
		t.Fatal("TLS server not reachable with generated CA")
	}
	if resp, err := http.Get("http://" + c.Server.Listen + "/api/v1/health"); err == nil {
		_ = resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			t.Fatal("plain HTTP should not be served on a TLS listener")
		}
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	c := testConfig(t)
	c.Store.DSN = "nosuch://x"
	if _, err := New(c, nil); err == nil {
		t.Fatal("expected error for unsupported store DSN")
	}
	c = testConfig(t)
	c.Jobs = append(c.Jobs, c.Jobs[0])
	if _, err := New(c, nil); err == nil {
		t.Fatal("expected error for duplicate job")
	}
}
