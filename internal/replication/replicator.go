package replication

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/wegman-software/osmindex/internal/config"
	"github.com/wegman-software/osmindex/internal/logger"
)

// DiffHandler applies one downloaded diff. state is the diff being applied;
// path is its local .osc.gz file.
type DiffHandler func(ctx context.Context, state *State, path string) error

// Replicator keeps local data current: it persists the end of the applied
// data in a state file and feeds every newer diff to a handler.
type Replicator struct {
	sources    Sources
	fetchers   [len(Feeds)]*Fetcher
	stateFile  string
	state      *State
	cached     bool
	maxRetries int
	retryDelay time.Duration
	log        *zap.Logger
}

// NewReplicator creates a replicator from the replication settings of cfg
func NewReplicator(cfg *config.Config) *Replicator {
	r := &Replicator{
		sources:    PlanetSources(cfg.ReplicationURL),
		stateFile:  cfg.StateFile,
		cached:     cfg.ReplicationCache != "",
		maxRetries: 3,
		retryDelay: 5 * time.Second,
		log:        logger.Named("replication"),
	}
	for _, f := range Feeds {
		r.fetchers[f] = NewFetcher(r.sources[f], cfg.FeedCacheDir(f.String()), nil)
	}
	return r
}

// SetRetry configures how often Run retries a failed pass and how long it waits in between
func (r *Replicator) SetRetry(maxRetries int, delay time.Duration) {
	r.maxRetries = maxRetries
	r.retryDelay = delay
}

// Init records the starting point of replication. A zero ts starts from the
// newest minute diff; otherwise ts is the end of the local data, usually the
// replication timestamp of the snapshot.
func (r *Replicator) Init(ctx context.Context, ts time.Time) (*State, error) {
	latest, err := r.fetchers[Minute].Latest(ctx)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, fmt.Errorf("minute feed %s has no state", r.sources[Minute].BaseURL)
	}

	state := latest
	if !ts.IsZero() {
		ts = ts.UTC()
		state = &State{
			SequenceNumber: GuessSequenceNumberAt(latest, ts),
			Timestamp:      ts,
			Feed:           Minute,
		}
	}
	if err := WriteStateFile(r.stateFile, state); err != nil {
		return nil, fmt.Errorf("failed to write state file: %w", err)
	}
	r.state = state

	r.log.Info("Replication initialized",
		zap.String("source", r.sources[Minute].BaseURL),
		zap.Int64("sequence", state.SequenceNumber),
		zap.Time("timestamp", state.Timestamp))
	return state, nil
}

// LoadState loads the local replication state
func (r *Replicator) LoadState() error {
	state, err := ParseStateFile(r.stateFile)
	if err != nil {
		return err
	}
	r.state = state
	return nil
}

// State returns the local replication state
func (r *Replicator) State() *State {
	return r.state
}

// Status compares the local state with the newest minute diff
func (r *Replicator) Status(ctx context.Context) (*Status, error) {
	if r.state == nil {
		if err := r.LoadState(); err != nil {
			return nil, err
		}
	}

	status := &Status{
		Source:         r.sources[Minute].BaseURL,
		LocalFeed:      r.state.Feed,
		LocalSequence:  r.state.SequenceNumber,
		LocalTimestamp: r.state.Timestamp,
	}

	remote, err := r.fetchers[Minute].Latest(ctx)
	if err != nil {
		return nil, err
	}
	if remote != nil {
		status.RemoteSequence = remote.SequenceNumber
		status.RemoteTimestamp = remote.Timestamp
		status.Lag = remote.Timestamp.Sub(r.state.Timestamp)
	}
	return status, nil
}

// Status represents the current replication status
type Status struct {
	Source          string
	LocalFeed       Feed
	LocalSequence   int64
	LocalTimestamp  time.Time
	RemoteSequence  int64
	RemoteTimestamp time.Time
	Lag             time.Duration
}

// String returns a human-readable status
func (s *Status) String() string {
	str := fmt.Sprintf("Source: %s\n", s.Source)
	str += fmt.Sprintf("Local state: %s #%d\n", s.LocalFeed, s.LocalSequence)
	str += fmt.Sprintf("Local timestamp: %s\n", s.LocalTimestamp.Format(time.RFC3339))

	if !s.RemoteTimestamp.IsZero() {
		str += fmt.Sprintf("Remote sequence: %d\n", s.RemoteSequence)
		str += fmt.Sprintf("Remote timestamp: %s\n", s.RemoteTimestamp.Format(time.RFC3339))
		str += fmt.Sprintf("Lag: %s\n", s.Lag.Round(time.Second))
	}
	return str
}

// Plan lists the diffs that would be applied, without downloading them
func (r *Replicator) Plan(ctx context.Context, limit int) ([]*State, error) {
	if r.state == nil {
		if err := r.LoadState(); err != nil {
			return nil, err
		}
	}
	cu := NewCatchUpFromFetchers(r.fetchers)
	cu.Seek(r.state.Timestamp)

	var out []*State
	for limit <= 0 || len(out) < limit {
		ok, err := cu.MoveNext(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			break
		}
		out = append(out, cu.Current())
	}
	return out, nil
}

// RunOnce applies every diff between the local state and the newest
// available one, saving the state after each. It stops after limit diffs
// when limit is positive and returns how many it applied.
func (r *Replicator) RunOnce(ctx context.Context, handle DiffHandler, limit int) (int, error) {
	if r.state == nil {
		if err := r.LoadState(); err != nil {
			return 0, err
		}
	}

	cu := NewCatchUpFromFetchers(r.fetchers)
	cu.Seek(r.state.Timestamp)

	applied := 0
	for limit <= 0 || applied < limit {
		ok, err := cu.MoveNext(ctx)
		if err != nil {
			return applied, err
		}
		if !ok {
			break
		}
		next := cu.Current()

		path, err := r.fetchers[next.Feed].Diff(ctx, next.SequenceNumber)
		if err != nil {
			return applied, err
		}
		if path == "" {
			// state published before its diff; try again next pass
			r.log.Debug("Diff not available yet", zap.Stringer("state", next))
			break
		}

		start := time.Now()
		err = handle(ctx, next, path)
		if !r.cached {
			os.Remove(path)
		}
		if err != nil {
			return applied, fmt.Errorf("apply %s: %w", next, err)
		}

		r.state = next
		if err := WriteStateFile(r.stateFile, next); err != nil {
			return applied, fmt.Errorf("failed to write state file: %w", err)
		}
		applied++

		r.log.Info("Applied diff",
			zap.Stringer("feed", next.Feed),
			zap.Int64("sequence", next.SequenceNumber),
			zap.Time("timestamp", next.Timestamp),
			zap.Duration("elapsed", time.Since(start)),
			zap.Bool("latest", cu.CurrentIsLatest()))
	}
	return applied, nil
}

// Run polls for new diffs every interval until ctx is done. A failed pass is
// retried after the retry delay; after maxRetries consecutive failures the
// error is returned.
func (r *Replicator) Run(ctx context.Context, interval time.Duration, handle DiffHandler) error {
	failures := 0
	for {
		applied, err := r.RunOnce(ctx, handle, 0)
		wait := interval
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		case errors.Is(err, ErrNoState):
			return err
		case err != nil:
			failures++
			if failures > r.maxRetries {
				return fmt.Errorf("replication failed %d times: %w", failures, err)
			}
			r.log.Warn("Replication pass failed, retrying",
				zap.Error(err),
				zap.Int("attempt", failures),
				zap.Duration("delay", r.retryDelay))
			wait = r.retryDelay
		default:
			failures = 0
			if applied > 0 {
				r.log.Info("Caught up", zap.Int("applied", applied), zap.Stringer("state", r.state))
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}
