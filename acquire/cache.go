package acquire

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dfirkit/velopack/platform"
	"github.com/dfirkit/velopack/util/common/fileutil"
)

// Cache is the on-disk tool cache, content-addressed by expected hash
// when one is declared and by download URL otherwise. Entries survive
// across runs; everything else is rebuilt per scan.
type Cache struct {
	root string
}

// NewCache opens (creating if needed) a cache rooted at dir.
func NewCache(dir string) (*Cache, error) {
	if err := fileutil.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Cache{root: dir}, nil
}

// Key derives the cache key for a tool. Two references agreeing on name,
// platform and hash share an entry; unhashed references key on their
// stable source identity (declared URL or github project) instead.
func (c *Cache) Key(name string, target platform.Platform, expectedHash, source string) string {
	id := expectedHash
	if id == "" {
		sum := sha256.Sum256([]byte(source))
		id = "src-" + hex.EncodeToString(sum[:8])
	}
	return strings.ToLower(name) + "_" + string(target) + "_" + id
}

func (c *Cache) entryDir(key string) string {
	return filepath.Join(c.root, sanitizeKey(key))
}

// Lookup returns the cached tool for key if present and, when an
// expected hash is known, if the recorded hash still matches. A stale or
// corrupt entry reads as a miss.
func (c *Cache) Lookup(key, expectedHash string) (*Tool, bool) {
	dir := c.entryDir(key)
	meta, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return nil, false
	}
	var tool Tool
	if err := json.Unmarshal(meta, &tool); err != nil {
		return nil, false
	}
	// A truncated or hand-edited meta.json reads as a miss, never as a
	// trusted entry.
	if len(tool.SHA256) != sha256.Size*2 {
		return nil, false
	}
	if _, err := os.Stat(tool.LocalPath); err != nil {
		return nil, false
	}
	if expectedHash != "" && !strings.EqualFold(tool.SHA256, expectedHash) {
		return nil, false
	}
	tool.FromCache = true
	return &tool, true
}

// Store moves a verified download into the cache and records its
// metadata. The temp file must live on the same filesystem as the cache.
func (c *Cache) Store(key string, tool *Tool, tempPath string) error {
	dir := c.entryDir(key)
	if err := fileutil.EnsureDir(dir); err != nil {
		return err
	}

	final := filepath.Join(dir, tool.Filename)
	if err := os.Rename(tempPath, final); err != nil {
		return fmt.Errorf("finalize cache entry: %w", err)
	}
	tool.LocalPath = final

	meta, err := json.MarshalIndent(tool, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "meta.json"), meta, 0o644)
}

// TempFile creates a scratch file inside the cache root so the final
// rename never crosses filesystems.
func (c *Cache) TempFile(pattern string) (*os.File, error) {
	return os.CreateTemp(c.root, pattern)
}

var keyReplacer = strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_")

func sanitizeKey(key string) string {
	return keyReplacer.Replace(key)
}
