package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/wegman-software/osmsql-go/internal/logger"
)

// ErrNotPublished is returned for sequences the source does not have yet.
var ErrNotPublished = errors.New("sequence not published")

// Fetcher downloads state and change files from a Source. Change files are
// cached on disk under the sequence path.
type Fetcher struct {
	source   *Source
	client   *http.Client
	cacheDir string

	retries    int
	retryDelay time.Duration
}

// NewFetcher creates a fetcher caching change files in cacheDir.
func NewFetcher(source *Source, cacheDir string) *Fetcher {
	return &Fetcher{
		source:     source,
		client:     &http.Client{Timeout: 60 * time.Second},
		cacheDir:   cacheDir,
		retries:    3,
		retryDelay: 5 * time.Second,
	}
}

// CurrentState returns the latest state of the source.
func (f *Fetcher) CurrentState(ctx context.Context) (*State, error) {
	return f.fetchState(ctx, f.source.StateURL())
}

// SequenceState returns the state of seq, or ErrNotPublished.
func (f *Fetcher) SequenceState(ctx context.Context, seq int64) (*State, error) {
	return f.fetchState(ctx, f.source.SequenceStateURL(seq))
}

func (f *Fetcher) fetchState(ctx context.Context, url string) (*State, error) {
	body, err := f.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	state, err := ParseState(body)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", url, err)
	}
	return state, nil
}

// CachePath returns where the change file of seq is cached.
func (f *Fetcher) CachePath(seq int64) string {
	return filepath.Join(f.cacheDir, filepath.FromSlash(SequencePath(seq))+".osc.gz")
}

// SequenceData downloads the change file of seq unless it is cached and
// returns its local path, or ErrNotPublished.
func (f *Fetcher) SequenceData(ctx context.Context, seq int64) (string, error) {
	log := logger.Get()
	path := f.CachePath(seq)

	if _, err := os.Stat(path); err == nil {
		log.Debug("Using cached change file", zap.String("path", path))
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create cache directory: %w", err)
	}

	url := f.source.SequenceDataURL(seq)
	body, err := f.get(ctx, url)
	if err != nil {
		return "", err
	}
	defer body.Close()

	tmp := path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create cache file: %w", err)
	}
	n, err := io.Copy(out, body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("download %s: %w", url, err)
	}

	log.Debug("Downloaded change file",
		zap.Int64("sequence", seq),
		zap.String("url", url),
		zap.Int64("bytes", n))
	return path, nil
}

// get returns the body of a 200 response. 404 maps to ErrNotPublished.
// Transport errors and 5xx responses are retried.
func (f *Fetcher) get(ctx context.Context, url string) (io.ReadCloser, error) {
	var lastErr error
	for attempt := 0; attempt <= f.retries; attempt++ {
		if attempt > 0 {
			logger.Get().Debug("Retrying download", zap.String("url", url), zap.Int("attempt", attempt), zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(f.retryDelay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", "osmsql/1.0")

		resp, err := f.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return resp.Body, nil
		case resp.StatusCode == http.StatusNotFound:
			resp.Body.Close()
			return nil, fmt.Errorf("%s: %w", url, ErrNotPublished)
		case resp.StatusCode >= 500:
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %s", resp.Status)
		default:
			resp.Body.Close()
			return nil, fmt.Errorf("%s: unexpected status %s", url, resp.Status)
		}
	}
	return nil, fmt.Errorf("%s: giving up after %d attempts: %w", url, f.retries+1, lastErr)
}
