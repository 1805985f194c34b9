package acquire

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/dfirkit/velopack/platform"
	"github.com/dfirkit/velopack/resolve"
)

const toolBody = "fake tool binary contents"

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func newTestService(t *testing.T, opts Options) *Service {
	t.Helper()
	if opts.CacheDir == "" {
		opts.CacheDir = t.TempDir()
	}
	opts.Logger = zerolog.Nop()
	svc, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

func TestAcquireDownloadsAndVerifies(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		fmt.Fprint(w, toolBody)
	}))
	defer srv.Close()

	svc := newTestService(t, Options{})
	ref := resolve.ToolReference{
		Name:         "Hayabusa",
		URL:          srv.URL + "/hayabusa.zip",
		ExpectedHash: sha256Hex(toolBody),
		Platform:     platform.Any,
	}

	tool, err := svc.Acquire(context.Background(), ref, platform.Windows)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if tool.SHA256 != ref.ExpectedHash {
		t.Errorf("SHA256 = %s, want %s", tool.SHA256, ref.ExpectedHash)
	}
	if tool.BLAKE2b == "" {
		t.Error("secondary digest not recorded")
	}
	if tool.SizeBytes != int64(len(toolBody)) {
		t.Errorf("SizeBytes = %d", tool.SizeBytes)
	}
	if tool.Filename != "hayabusa.zip" {
		t.Errorf("Filename = %s", tool.Filename)
	}
	if _, err := os.Stat(tool.LocalPath); err != nil {
		t.Errorf("binary not on disk: %v", err)
	}

	// Second acquire is a cache hit: no new network call.
	again, err := svc.Acquire(context.Background(), ref, platform.Windows)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if !again.FromCache {
		t.Error("second acquire should come from cache")
	}
	if hits != 1 {
		t.Errorf("server hit %d times, want 1", hits)
	}
}

func TestAcquireFailsClosedOnHashMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "tampered contents")
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	svc := newTestService(t, Options{CacheDir: cacheDir})
	ref := resolve.ToolReference{
		Name:         "WinPmem",
		URL:          srv.URL + "/winpmem.exe",
		ExpectedHash: sha256Hex(toolBody),
	}

	_, err := svc.Acquire(context.Background(), ref, platform.Windows)
	if !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("err = %v, want hash mismatch", err)
	}

	var mismatch *HashMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("err type = %T", err)
	}
	if mismatch.Expected == mismatch.Got {
		t.Error("error must report both hashes")
	}

	// Nothing may reach the cache.
	key := svc.cache.Key(ref.Name, platform.Windows, ref.ExpectedHash, ref.URL)
	if _, ok := svc.cache.Lookup(key, ref.ExpectedHash); ok {
		t.Error("mismatched binary must not be cached")
	}
}

func TestAcquire404IsPermanentAndNotRetried(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	svc := newTestService(t, Options{RetryMax: 3})
	ref := resolve.ToolReference{Name: "Gone", URL: srv.URL + "/gone.zip"}

	_, err := svc.Acquire(context.Background(), ref, platform.Any)
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("err = %v, want NetworkError", err)
	}
	if netErr.Status != http.StatusNotFound || !netErr.Permanent {
		t.Errorf("netErr = %+v", netErr)
	}
	if hits != 1 {
		t.Errorf("404 retried: server hit %d times", hits)
	}
}

func TestAcquireRetriesTransientFailures(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&hits, 1) < 3 {
			http.Error(w, "flaky", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, toolBody)
	}))
	defer srv.Close()

	svc := newTestService(t, Options{RetryMax: 3})
	ref := resolve.ToolReference{Name: "Flaky", URL: srv.URL + "/flaky.bin"}

	tool, err := svc.Acquire(context.Background(), ref, platform.Any)
	if err != nil {
		t.Fatalf("Acquire should survive transient failures: %v", err)
	}
	if hits != 3 {
		t.Errorf("server hit %d times, want 3", hits)
	}
	// No declared hash: the actual hash is still recorded for audits.
	if tool.SHA256 != sha256Hex(toolBody) {
		t.Errorf("SHA256 = %s", tool.SHA256)
	}
}

func TestAcquireOfflineUsesOnlyCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, toolBody)
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	ref := resolve.ToolReference{
		Name:         "Chainsaw",
		URL:          srv.URL + "/chainsaw.zip",
		ExpectedHash: sha256Hex(toolBody),
	}

	// Warm the cache online.
	online := newTestService(t, Options{CacheDir: cacheDir})
	if _, err := online.Acquire(context.Background(), ref, platform.Linux); err != nil {
		t.Fatal(err)
	}
	srv.Close()

	offline := newTestService(t, Options{CacheDir: cacheDir, Offline: true})
	tool, err := offline.Acquire(context.Background(), ref, platform.Linux)
	if err != nil {
		t.Fatalf("offline Acquire with warm cache: %v", err)
	}
	if !tool.FromCache {
		t.Error("offline acquire must come from cache")
	}

	// A cold tool fails without touching the network.
	cold := resolve.ToolReference{Name: "Missing", URL: "https://unreachable.invalid/tool.zip"}
	if _, err := offline.Acquire(context.Background(), cold, platform.Linux); err == nil {
		t.Error("offline acquire of uncached tool should fail")
	}
}

func TestAcquireUnsupportedPlatform(t *testing.T) {
	svc := newTestService(t, Options{})
	ref := resolve.ToolReference{
		Name:     "Autoruns",
		URL:      "https://example.invalid/autorunsc.exe",
		Platform: platform.Windows,
	}
	_, err := svc.Acquire(context.Background(), ref, platform.Linux)
	if !errors.Is(err, ErrUnsupportedPlatform) {
		t.Errorf("err = %v, want unsupported platform", err)
	}
}

func TestAcquireResolvesGithubProject(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/download/hayabusa-win-x64.zip", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, toolBody)
	})
	mux.HandleFunc("/repos/Yamato-Security/hayabusa/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"tag_name":"v3.0.1","assets":[
            {"name":"hayabusa-lin-x64.tar.gz","browser_download_url":"%s/download/hayabusa-lin-x64.tar.gz"},
            {"name":"hayabusa-win-x64.zip","browser_download_url":"%s/download/hayabusa-win-x64.zip"}]}`,
			srv.URL, srv.URL)
	})

	svc := newTestService(t, Options{GithubAPIBase: srv.URL})
	ref := resolve.ToolReference{
		Name:             "Hayabusa",
		GithubProject:    "Yamato-Security/hayabusa",
		GithubAssetRegex: `win-x64\.zip$`,
	}

	tool, err := svc.Acquire(context.Background(), ref, platform.Windows)
	if err != nil {
		t.Fatalf("Acquire via github: %v", err)
	}
	if tool.Filename != "hayabusa-win-x64.zip" {
		t.Errorf("Filename = %s", tool.Filename)
	}
}

func TestAcquireOfflineGithubToolFromWarmCache(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var apiHits int64
	mux.HandleFunc("/download/chainsaw_all.zip", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, toolBody)
	})
	mux.HandleFunc("/repos/WithSecureLabs/chainsaw/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&apiHits, 1)
		fmt.Fprintf(w, `{"tag_name":"v2.12.2","assets":[
            {"name":"chainsaw_all.zip","browser_download_url":"%s/download/chainsaw_all.zip"}]}`,
			srv.URL)
	})

	cacheDir := t.TempDir()
	ref := resolve.ToolReference{
		Name:             "Chainsaw",
		GithubProject:    "WithSecureLabs/chainsaw",
		GithubAssetRegex: `\.zip$`,
	}

	// Warm the cache online. Registry-resolved tools carry no expected
	// hash, so the cache entry keys on the github project.
	online := newTestService(t, Options{CacheDir: cacheDir, GithubAPIBase: srv.URL})
	if _, err := online.Acquire(context.Background(), ref, platform.Windows); err != nil {
		t.Fatal(err)
	}

	offline := newTestService(t, Options{CacheDir: cacheDir, Offline: true, GithubAPIBase: srv.URL})
	tool, err := offline.Acquire(context.Background(), ref, platform.Windows)
	if err != nil {
		t.Fatalf("offline Acquire of github-resolved tool with warm cache: %v", err)
	}
	if !tool.FromCache {
		t.Error("offline acquire must come from cache")
	}
	if apiHits != 1 {
		t.Errorf("github api hit %d times, want 1 (warm-up only)", apiHits)
	}
}

func TestAcquireNoSource(t *testing.T) {
	svc := newTestService(t, Options{})
	_, err := svc.Acquire(context.Background(), resolve.ToolReference{Name: "Nameless"}, platform.Any)
	if !errors.Is(err, ErrNoSource) {
		t.Errorf("err = %v, want no source", err)
	}
}
