package replication

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wegman-software/osmsql-go/internal/logger"
)

// ApplyFunc applies one downloaded change file to the database.
type ApplyFunc func(ctx context.Context, path string) error

// Replicator follows a Source: it keeps the last applied state in
// <dir>/state.txt and downloads change files into <dir>/cache.
type Replicator struct {
	source    *Source
	fetcher   *Fetcher
	stateFile string
	state     *State
}

// NewReplicator creates a replicator working in dir.
func NewReplicator(source *Source, dir string) (*Replicator, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create replication directory: %w", err)
	}
	return &Replicator{
		source:    source,
		fetcher:   NewFetcher(source, filepath.Join(dir, "cache")),
		stateFile: filepath.Join(dir, "state.txt"),
	}, nil
}

// State returns the last applied state, nil before Init or LoadState.
func (r *Replicator) State() *State { return r.state }

// Init starts following the source at its current state, or at seq when
// seq is positive. Changes before that point are assumed to be in the
// database already.
func (r *Replicator) Init(ctx context.Context, seq int64) error {
	var (
		state *State
		err   error
	)
	if seq > 0 {
		state, err = r.fetcher.SequenceState(ctx, seq)
	} else {
		state, err = r.fetcher.CurrentState(ctx)
	}
	if err != nil {
		return fmt.Errorf("fetch initial state: %w", err)
	}
	if err := r.commit(state); err != nil {
		return err
	}

	logger.Get().Info("Replication initialized",
		zap.String("source", r.source.Name),
		zap.Int64("sequence", state.SequenceNumber),
		zap.Time("timestamp", state.Timestamp))
	return nil
}

// LoadState reads the local state file.
func (r *Replicator) LoadState() error {
	state, err := ReadStateFile(r.stateFile)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("replication not initialized, run 'replication init' first")
	}
	if err != nil {
		return fmt.Errorf("load replication state: %w", err)
	}
	r.state = state
	return nil
}

func (r *Replicator) commit(s *State) error {
	if err := WriteStateFile(r.stateFile, s); err != nil {
		return fmt.Errorf("write replication state: %w", err)
	}
	r.state = s
	return nil
}

// Update applies published sequences after the local state in order until
// the source has nothing newer or limit sequences were applied (limit <= 0 means
// no limit). The state is committed after every applied sequence, so an
// interrupted run resumes where it stopped.
func (r *Replicator) Update(ctx context.Context, apply ApplyFunc, limit int) (int, error) {
	log := logger.Get()
	if r.state == nil {
		if err := r.LoadState(); err != nil {
			return 0, err
		}
	}

	applied := 0
	for limit <= 0 || applied < limit {
		if err := ctx.Err(); err != nil {
			return applied, err
		}

		next := r.state.SequenceNumber + 1
		path, err := r.fetcher.SequenceData(ctx, next)
		if errors.Is(err, ErrNotPublished) {
			break
		}
		if err != nil {
			return applied, err
		}

		state, err := r.fetcher.SequenceState(ctx, next)
		if errors.Is(err, ErrNotPublished) {
			state = &State{SequenceNumber: next, Timestamp: time.Now().UTC()}
		} else if err != nil {
			return applied, err
		}

		start := time.Now()
		if err := apply(ctx, path); err != nil {
			return applied, fmt.Errorf("apply sequence %d: %w", next, err)
		}
		if err := r.commit(state); err != nil {
			return applied, err
		}
		applied++

		log.Info("Applied replication sequence",
			zap.Int64("sequence", next),
			zap.Time("timestamp", state.Timestamp),
			zap.Duration("elapsed", time.Since(start).Round(time.Millisecond)))
	}
	return applied, nil
}

// Status compares the local state with the source.
func (r *Replicator) Status(ctx context.Context) (*Status, error) {
	if r.state == nil {
		if err := r.LoadState(); err != nil {
			return nil, err
		}
	}

	status := &Status{
		Source:         r.source.Name,
		SourceURL:      r.source.BaseURL,
		LocalSequence:  r.state.SequenceNumber,
		LocalTimestamp: r.state.Timestamp,
	}
	remote, err := r.fetcher.CurrentState(ctx)
	if err != nil {
		return status, fmt.Errorf("fetch remote state: %w", err)
	}
	status.RemoteSequence = remote.SequenceNumber
	status.RemoteTimestamp = remote.Timestamp
	status.Behind = remote.SequenceNumber - r.state.SequenceNumber
	status.Lag = remote.Timestamp.Sub(r.state.Timestamp)
	return status, nil
}

// Status describes how far the database lags behind its source.
type Status struct {
	Source          string
	SourceURL       string
	LocalSequence   int64
	LocalTimestamp  time.Time
	RemoteSequence  int64
	RemoteTimestamp time.Time
	Behind          int64
	Lag             time.Duration
}

func (s *Status) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Source: %s (%s)\n", s.Source, s.SourceURL)
	fmt.Fprintf(&sb, "Local:  %d at %s\n", s.LocalSequence, s.LocalTimestamp.Format(time.RFC3339))
	if s.RemoteSequence > 0 {
		fmt.Fprintf(&sb, "Remote: %d at %s\n", s.RemoteSequence, s.RemoteTimestamp.Format(time.RFC3339))
		fmt.Fprintf(&sb, "Behind: %d sequences, %s\n", s.Behind, s.Lag.Round(time.Second))
	}
	return sb.String()
}
