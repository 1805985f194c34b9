// Package acquire downloads, verifies and caches the tool binaries named
// in a dependency manifest. Downloads are content-addressed: a cache hit
// with a matching hash short-circuits the network entirely, which is
// what makes --offline package builds possible.
package acquire

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"

	"github.com/dfirkit/velopack/platform"
	"github.com/dfirkit/velopack/resolve"
	"github.com/dfirkit/velopack/util/common/progress"
)

// Tool is one acquired binary, ready for packaging.
type Tool struct {
	Name       string            `json:"name"`
	Platform   platform.Platform `json:"platform"`
	URL        string            `json:"url"`
	Filename   string            `json:"filename"`
	LocalPath  string            `json:"local_path"`
	SHA256     string            `json:"sha256"`
	BLAKE2b    string            `json:"blake2b"`
	SizeBytes  int64             `json:"size_bytes"`
	AcquiredAt time.Time         `json:"acquired_at"`

	// FromCache marks a tool served from the local cache without a
	// network fetch.
	FromCache bool `json:"-"`
}

// Options configures a Service.
type Options struct {
	CacheDir string

	// Offline forbids network fetches; only cache hits succeed.
	Offline bool

	// Timeout applies per network operation, not globally.
	Timeout time.Duration

	// RetryMax bounds retries for transient failures.
	RetryMax int

	Reporter progress.Reporter
	Logger   zerolog.Logger

	// GithubAPIBase overrides the github API endpoint in tests.
	GithubAPIBase string
}

// Service fetches tools.
type Service struct {
	client  *retryablehttp.Client
	cache   *Cache
	offline bool
	apiBase string
	report  progress.Reporter
	logger  zerolog.Logger
	now     func() time.Time
}

// New builds a Service. The retry policy retries transient network
// failures with bounded exponential backoff; permanent HTTP errors (403,
// 404) fail immediately.
func New(opts Options) (*Service, error) {
	cache, err := NewCache(opts.CacheDir)
	if err != nil {
		return nil, err
	}

	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 3
	}
	if opts.Reporter == nil {
		opts.Reporter = progress.NewNopReporter()
	}
	if opts.GithubAPIBase == "" {
		opts.GithubAPIBase = githubAPIBase
	}

	client := retryablehttp.NewClient()
	client.RetryMax = opts.RetryMax
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 10 * time.Second
	client.HTTPClient.Timeout = opts.Timeout
	client.Logger = nil

	return &Service{
		client:  client,
		cache:   cache,
		offline: opts.Offline,
		apiBase: opts.GithubAPIBase,
		report:  opts.Reporter,
		logger:  opts.Logger,
		now:     time.Now,
	}, nil
}

// Acquire materializes one resolved tool reference for the target
// platform, from cache when possible.
func (s *Service) Acquire(ctx context.Context, ref resolve.ToolReference,
	target platform.Platform) (*Tool, error) {

	if !ref.Platform.Matches(target) {
		return nil, &UnsupportedPlatformError{Tool: ref.Name, Have: ref.Platform, Target: target}
	}

	logger := s.logger.With().Str("tool", ref.Name).Str("platform", string(target)).Logger()

	// The cache is consulted before any network activity, github
	// resolution included, so a warm cache serves offline builds.
	key := s.cache.Key(ref.Name, target, ref.ExpectedHash, cacheSource(ref))
	if tool, ok := s.cache.Lookup(key, ref.ExpectedHash); ok {
		logger.Debug().Str("path", tool.LocalPath).Msg("tool served from cache")
		s.report.Step(fmt.Sprintf("%s: cached (%s)", ref.Name, tool.SHA256[:12]))
		return tool, nil
	}

	if s.offline {
		return nil, fmt.Errorf("tool %s not in cache and network use is disabled", ref.Name)
	}

	downloadURL := ref.URL
	if downloadURL == "" && ref.GithubProject != "" {
		resolved, err := resolveGithubAsset(ctx, s.client, s.apiBase,
			ref.GithubProject, ref.GithubAssetRegex)
		if err != nil {
			return nil, err
		}
		logger.Debug().Str("url", resolved).Msg("resolved github release asset")
		downloadURL = resolved
	}
	if downloadURL == "" {
		return nil, &NoSourceError{Tool: ref.Name}
	}

	tool, err := s.download(ctx, ref, target, downloadURL, key, logger)
	if err != nil {
		s.report.Error(fmt.Sprintf("%s: %v", ref.Name, err))
		return nil, err
	}
	s.report.Success(fmt.Sprintf("%s: %s (%d bytes)", ref.Name, tool.SHA256[:12], tool.SizeBytes))
	return tool, nil
}

func (s *Service) download(ctx context.Context, ref resolve.ToolReference,
	target platform.Platform, downloadURL, key string, logger zerolog.Logger) (*Tool, error) {

	logger.Info().Str("url", downloadURL).Msg("downloading tool")

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("bad url for %s: %w", ref.Name, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: downloadURL, Wrapped: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, &NetworkError{
			URL:       downloadURL,
			Status:    resp.StatusCode,
			Permanent: resp.StatusCode >= 400 && resp.StatusCode < 500,
		}
	}

	tmp, err := s.cache.TempFile("download-*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())

	shaSum := sha256.New()
	b2Sum, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}

	size, err := io.Copy(io.MultiWriter(tmp, shaSum, b2Sum), resp.Body)
	closeErr := tmp.Close()
	if err != nil {
		return nil, &NetworkError{URL: downloadURL, Wrapped: err}
	}
	if closeErr != nil {
		return nil, closeErr
	}

	actual := hex.EncodeToString(shaSum.Sum(nil))
	if ref.ExpectedHash != "" && actual != ref.ExpectedHash {
		// Fail closed: the temp file is removed by the deferred cleanup
		// and nothing reaches the cache.
		return nil, &HashMismatchError{
			Tool:     ref.Name,
			URL:      downloadURL,
			Expected: ref.ExpectedHash,
			Got:      actual,
		}
	}

	tool := &Tool{
		Name:       ref.Name,
		Platform:   target,
		URL:        downloadURL,
		Filename:   filenameFor(ref.Name, downloadURL),
		SHA256:     actual,
		BLAKE2b:    hex.EncodeToString(b2Sum.Sum(nil)),
		SizeBytes:  size,
		AcquiredAt: s.now().UTC(),
	}
	if err := s.cache.Store(key, tool, tmp.Name()); err != nil {
		return nil, err
	}

	logger.Info().
		Str("sha256", tool.SHA256).
		Int64("size", tool.SizeBytes).
		Msg("tool acquired")
	return tool, nil
}

// cacheSource identifies where an unhashed reference comes from for
// cache keying. A github reference keys on the project, not on the
// resolved asset URL: resolution needs the network and the same cache
// entry must hit offline.
func cacheSource(ref resolve.ToolReference) string {
	if ref.URL != "" {
		return ref.URL
	}
	if ref.GithubProject != "" {
		return "github:" + ref.GithubProject
	}
	return ""
}

// filenameFor picks the on-disk name of a tool binary from the final URL
// path segment, falling back to the tool name.
func filenameFor(name, rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return name
	}
	base := path.Base(u.Path)
	if base == "" || base == "." || base == "/" {
		return name
	}
	return base
}
