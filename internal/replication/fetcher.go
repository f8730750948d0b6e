package replication

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/wegman-software/osmindex/internal/logger"
	"github.com/wegman-software/osmindex/internal/metrics"
)

const userAgent = "osmindex/1.0"

// Fetcher downloads state and diff files of one feed. It makes a single
// attempt per request; retrying is up to the caller. A 404 means the
// sequence does not exist and is reported as a nil result, not an error.
type Fetcher struct {
	source   *Source
	client   *http.Client
	cacheDir string
	log      *zap.Logger
}

// NewFetcher creates a fetcher for source. Diffs are cached under cacheDir
// when it is not empty.
func NewFetcher(source *Source, cacheDir string, client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Fetcher{
		source:   source,
		client:   client,
		cacheDir: cacheDir,
		log:      logger.Named("replication").With(zap.Stringer("feed", source.Feed)),
	}
}

// Source returns the replication source
func (f *Fetcher) Source() *Source {
	return f.source
}

// Feed returns the feed the fetcher serves
func (f *Fetcher) Feed() Feed {
	return f.source.Feed
}

// Latest fetches the feed's current state
func (f *Fetcher) Latest(ctx context.Context) (*State, error) {
	st, err := f.fetchState(ctx, f.source.StateURL(), "latest")
	if err != nil {
		return nil, fmt.Errorf("fetch latest %s state: %w", f.source.Feed, err)
	}
	if st != nil {
		metrics.ReplicationSequence.WithLabelValues(f.source.Feed.String()).Set(float64(st.SequenceNumber))
	}
	return st, nil
}

// State fetches the state of one sequence, nil when it does not exist
func (f *Fetcher) State(ctx context.Context, seq int64) (*State, error) {
	if seq < 0 {
		return nil, nil
	}
	st, err := f.fetchState(ctx, f.source.SequenceStateURL(seq), "state")
	if err != nil {
		return nil, fmt.Errorf("fetch %s state %d: %w", f.source.Feed, seq, err)
	}
	return st, nil
}

func (f *Fetcher) fetchState(ctx context.Context, url, kind string) (*State, error) {
	resp, err := f.get(ctx, url, kind)
	if err != nil || resp == nil {
		return nil, err
	}
	defer resp.Body.Close()

	st, err := ParseState(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", url, err)
	}
	st.Feed = f.source.Feed
	return st, nil
}

// Diff downloads the OSC file of one sequence and returns its local path,
// or "" when the sequence does not exist. Without a cache directory the
// file goes to a temporary location the caller must remove.
func (f *Fetcher) Diff(ctx context.Context, seq int64) (string, error) {
	var cacheFile string
	if f.cacheDir != "" {
		cacheFile = f.CachePath(seq)
		if _, err := os.Stat(cacheFile); err == nil {
			f.log.Debug("Using cached OSC file", zap.String("path", cacheFile))
			metrics.ReplicationFetches.WithLabelValues(f.source.Feed.String(), "diff", "cached").Inc()
			return cacheFile, nil
		}
		if err := os.MkdirAll(filepath.Dir(cacheFile), 0755); err != nil {
			return "", fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	url := f.source.SequenceDataURL(seq)
	f.log.Debug("Fetching OSC data", zap.Int64("sequence", seq), zap.String("url", url))

	resp, err := f.get(ctx, url, "diff")
	if err != nil {
		return "", fmt.Errorf("fetch %s diff %d: %w", f.source.Feed, seq, err)
	}
	if resp == nil {
		return "", nil
	}
	defer resp.Body.Close()

	var out *os.File
	if cacheFile != "" {
		out, err = os.CreateTemp(filepath.Dir(cacheFile), filepath.Base(cacheFile)+".*.tmp")
	} else {
		out, err = os.CreateTemp("", "osmindex-*.osc.gz")
	}
	if err != nil {
		return "", fmt.Errorf("failed to create diff file: %w", err)
	}
	_, err = io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(out.Name())
		return "", fmt.Errorf("failed to write diff file: %w", err)
	}
	if cacheFile == "" {
		return out.Name(), nil
	}
	if err := os.Rename(out.Name(), cacheFile); err != nil {
		os.Remove(out.Name())
		return "", fmt.Errorf("failed to rename cache file: %w", err)
	}

	f.log.Debug("Downloaded OSC data", zap.Int64("sequence", seq), zap.String("path", cacheFile))
	return cacheFile, nil
}

// CachePath returns the path where a sequence's diff is cached
func (f *Fetcher) CachePath(seq int64) string {
	return filepath.Join(f.cacheDir, SequenceToPath(seq)+".osc.gz")
}

// get performs one GET. It returns a nil response and nil error on 404.
func (f *Fetcher) get(ctx context.Context, url, kind string) (*http.Response, error) {
	feed := f.source.Feed.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		metrics.ReplicationFetches.WithLabelValues(feed, kind, "error").Inc()
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		metrics.ReplicationFetches.WithLabelValues(feed, kind, "ok").Inc()
		return resp, nil
	case http.StatusNotFound:
		resp.Body.Close()
		metrics.ReplicationFetches.WithLabelValues(feed, kind, "not_found").Inc()
		return nil, nil
	default:
		resp.Body.Close()
		metrics.ReplicationFetches.WithLabelValues(feed, kind, "error").Inc()
		return nil, fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, url)
	}
}
