// Package hub caches upstream checkpoints on local disk.
//
// A checkpoint reference is a local path, an http(s) URL or a Google Drive
// file id. Remote references are downloaded once into the hub directory and
// reused until a refresh is requested.
package hub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

const driveURL = "https://drive.google.com/uc?export=download&id="

var (
	dirMu sync.RWMutex
	dir   string

	driveID = regexp.MustCompile(`^[A-Za-z0-9_-]{25,}$`)
)

// DefaultDir is the hub directory used when SetDir was never called.
func DefaultDir() string {
	if v := os.Getenv("E2EASR_HOME"); v != "" {
		return filepath.Join(v, "hub")
	}
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "e2easr", "hub")
}

// SetDir creates path and makes it the hub directory.
func SetDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("failed to create cache dir %s: %w", path, err)
	}
	dirMu.Lock()
	dir = path
	dirMu.Unlock()
	return nil
}

// Dir returns the current hub directory.
func Dir() string {
	dirMu.RLock()
	defer dirMu.RUnlock()
	if dir == "" {
		return DefaultDir()
	}
	return dir
}

// Fetcher resolves checkpoint references to local files.
type Fetcher struct {
	Client *http.Client
	// DriveURL is prefixed to Google Drive ids.
	DriveURL string
}

// NewFetcher returns a Fetcher using the default HTTP client.
func NewFetcher() *Fetcher {
	return &Fetcher{Client: http.DefaultClient, DriveURL: driveURL}
}

// Resolve returns a local path for ref, downloading it into the hub
// directory when it is remote and not cached or refresh is set.
func (f *Fetcher) Resolve(ctx context.Context, ref string, refresh bool) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("empty checkpoint reference")
	}
	if _, err := os.Stat(ref); err == nil {
		return ref, nil
	}
	remote := ref
	if driveID.MatchString(ref) {
		remote = f.DriveURL + ref
	}
	u, err := url.Parse(remote)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("checkpoint %q is neither a file, a URL nor a drive id", ref)
	}
	target := filepath.Join(Dir(), cacheName(remote, u))
	if !refresh {
		if _, err := os.Stat(target); err == nil {
			log.Debug("using cached checkpoint", "ref", ref, "path", target)
			return target, nil
		}
	}
	if err := f.download(ctx, remote, target); err != nil {
		return "", err
	}
	return target, nil
}

func (f *Fetcher) download(ctx context.Context, remote, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create hub dir: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remote, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	log.Info("downloading checkpoint", "url", remote)
	resp, err := f.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", remote, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download %s: status %s", remote, resp.Status)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".download-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}

// cacheName keeps the file name of the URL readable and disambiguates it
// with a hash of the full reference.
func cacheName(remote string, u *url.URL) string {
	sum := sha256.Sum256([]byte(remote))
	base := filepath.Base(u.Path)
	if base == "." || base == "/" || base == "uc" {
		base = "ckpt"
	}
	base = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' {
			return '_'
		}
		return r
	}, base)
	return hex.EncodeToString(sum[:8]) + "_" + base
}
