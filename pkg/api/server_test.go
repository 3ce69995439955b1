package api

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	systemddbus "github.com/coreos/go-systemd/v22/dbus"

	"github.com/cuemby/nixless-agent/pkg/activation"
	"github.com/cuemby/nixless-agent/pkg/agent"
	"github.com/cuemby/nixless-agent/pkg/auth"
	"github.com/cuemby/nixless-agent/pkg/cache"
	"github.com/cuemby/nixless-agent/pkg/catalog"
	"github.com/cuemby/nixless-agent/pkg/generation"
	"github.com/cuemby/nixless-agent/pkg/pipeline"
)

// idleBus is an activation.Bus that never reports a result, used where
// a test never expects activation to be reached.
type idleBus struct{}

func (idleBus) StartTransientUnit(name, mode string, properties []systemddbus.Property, ch chan<- string) (int, error) {
	return 1, nil
}
func (idleBus) Close() {}

func newTestServer(t *testing.T) (*Server, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate directive key: %v", err)
	}
	verifier, err := auth.NewVerifier("test:" + base64.StdEncoding.EncodeToString(pub))
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	root := t.TempDir()
	stateBase := filepath.Join(root, "state")
	storeRoot := filepath.Join(root, "store")
	for _, d := range []string{stateBase, storeRoot, filepath.Join(stateBase, "downloads")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}

	// The cache answers every request with 503, so an admitted update
	// fails in the download phase after a few quick retries.
	cacheSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(cacheSrv.Close)
	cacheClient, err := cache.NewClient(cacheSrv.URL, "test:"+base64.StdEncoding.EncodeToString(pub), cache.RetryConfig{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})
	if err != nil {
		t.Fatalf("cache.NewClient: %v", err)
	}

	cat := catalog.New(storeRoot)
	pl := pipeline.New(cacheClient, cat, nil, filepath.Join(stateBase, "downloads"), 1)
	reg, err := generation.Load(stateBase)
	if err != nil {
		t.Fatalf("generation.Load: %v", err)
	}
	act := activation.New(idleBus{}, stateBase, "/bin/true", 5*time.Second)
	ag := agent.New(cat, pl, reg, act, stateBase, 3, nil)

	return NewServer(ag, verifier, 1<<20), priv
}

func sign(priv ed25519.PrivateKey, body string) string {
	sig := ed25519.Sign(priv, []byte(body))
	return body + "sig:" + base64.StdEncoding.EncodeToString(sig)
}

func TestNewConfigurationMalformedBodyReturns400(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.mux)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/new-configuration", "text/plain", strings.NewReader("not a directive"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestNewConfigurationBadSignatureReturns401(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.mux)
	defer srv.Close()

	_, otherPriv, _ := ed25519.GenerateKey(nil)
	id := "0123456789abcdfghijklmnpqrsvwxyz-sys-abc"
	body := sign(otherPriv, id+"\n")

	resp, err := http.Post(srv.URL+"/new-configuration", "text/plain", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestNewConfigurationAdmittedReturns202ThenConflictReturns409(t *testing.T) {
	s, priv := newTestServer(t)
	srv := httptest.NewServer(s.mux)
	defer srv.Close()

	// The closure member is not served by the test cache (every request
	// gets 503), so the update will fail once it reaches the download
	// phase — but admission (202) and the busy window are observable
	// regardless.
	id := "0123456789abcdfghijklmnpqrsvwxyz-sys-abc"
	body := sign(priv, id+"\n")

	resp1, err := http.Post(srv.URL+"/new-configuration", "text/plain", strings.NewReader(body))
	if err != nil {
		t.Fatalf("first POST: %v", err)
	}
	resp1.Body.Close()
	if resp1.StatusCode != http.StatusAccepted {
		t.Fatalf("first status = %d, want 202", resp1.StatusCode)
	}

	resp2, err := http.Post(srv.URL+"/new-configuration", "text/plain", strings.NewReader(body))
	if err != nil {
		t.Fatalf("second POST: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusConflict {
		t.Fatalf("second status = %d, want 409", resp2.StatusCode)
	}

	// Drain the in-flight (failing) update before tempdir cleanup runs.
	s.agent.WaitIdle(context.Background())
}

func TestRollbackWithNoPriorGenerationReturnsConflict(t *testing.T) {
	s, priv := newTestServer(t)
	srv := httptest.NewServer(s.mux)
	defer srv.Close()

	sig := ed25519.Sign(priv, []byte("rollback"))
	body := "sig:" + base64.StdEncoding.EncodeToString(sig)
	resp, err := http.Post(srv.URL+"/rollback-configuration", "text/plain", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestSummaryReturnsStandbyByDefault(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/summary")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	data, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(data), `"phase":"standby"`) {
		t.Fatalf("unexpected summary body: %s", data)
	}
}
