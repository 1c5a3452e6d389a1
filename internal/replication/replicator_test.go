package replication

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func stateBody(seq int64, hour int) string {
	return fmt.Sprintf("sequenceNumber=%d\ntimestamp=2024-01-15T%02d\\:00\\:00Z\n", seq, hour)
}

// newTestSource serves sequences 1..3. Sequence 3 has no state file.
func newTestSource(t *testing.T) (*Source, *atomic.Int32) {
	t.Helper()
	var failures atomic.Int32
	files := map[string]string{
		"/state.txt":             stateBody(3, 3),
		"/000/000/001.state.txt": stateBody(1, 1),
		"/000/000/002.state.txt": stateBody(2, 2),
		"/000/000/002.osc.gz":    "change-2",
		"/000/000/003.osc.gz":    "change-3",
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failures.Load() > 0 {
			failures.Add(-1)
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return &Source{Name: "test", BaseURL: srv.URL}, &failures
}

func newTestReplicator(t *testing.T, src *Source) (*Replicator, string) {
	t.Helper()
	dir := t.TempDir()
	r, err := NewReplicator(src, dir)
	if err != nil {
		t.Fatal(err)
	}
	r.fetcher.retryDelay = time.Millisecond
	return r, dir
}

func TestReplicatorUpdate(t *testing.T) {
	ctx := context.Background()
	src, _ := newTestSource(t)
	r, dir := newTestReplicator(t, src)

	if err := r.Init(ctx, 1); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	var applied []string
	apply := func(_ context.Context, path string) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		applied = append(applied, string(data))
		return nil
	}

	n, err := r.Update(ctx, apply, 0)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if n != 2 || len(applied) != 2 || applied[0] != "change-2" || applied[1] != "change-3" {
		t.Errorf("applied %d: %v", n, applied)
	}
	if r.State().SequenceNumber != 3 {
		t.Errorf("state sequence = %d, want 3", r.State().SequenceNumber)
	}

	// the state survives a new replicator
	again, err := NewReplicator(src, dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := again.LoadState(); err != nil {
		t.Fatal(err)
	}
	if again.State().SequenceNumber != 3 {
		t.Errorf("reloaded sequence = %d, want 3", again.State().SequenceNumber)
	}

	if _, err := os.Stat(filepath.Join(dir, "cache", "000", "000", "002.osc.gz")); err != nil {
		t.Errorf("change file not cached: %v", err)
	}

	status, err := r.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status.Behind != 0 || status.RemoteSequence != 3 {
		t.Errorf("status = %+v", status)
	}
}

func TestReplicatorUpdateLimitAndFailure(t *testing.T) {
	ctx := context.Background()
	src, _ := newTestSource(t)
	r, _ := newTestReplicator(t, src)

	if err := r.Init(ctx, 1); err != nil {
		t.Fatal(err)
	}

	n, err := r.Update(ctx, func(context.Context, string) error { return nil }, 1)
	if err != nil || n != 1 {
		t.Fatalf("Update(limit 1) = %d, %v", n, err)
	}

	boom := errors.New("boom")
	n, err = r.Update(ctx, func(context.Context, string) error { return boom }, 0)
	if !errors.Is(err, boom) || n != 0 {
		t.Fatalf("Update() = %d, %v, want boom", n, err)
	}
	if r.State().SequenceNumber != 2 {
		t.Errorf("failed sequence must not be committed, state = %d", r.State().SequenceNumber)
	}
}

func TestReplicatorRetriesServerErrors(t *testing.T) {
	src, failures := newTestSource(t)
	r, _ := newTestReplicator(t, src)

	failures.Store(2)
	if err := r.Init(context.Background(), 0); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if r.State().SequenceNumber != 3 {
		t.Errorf("sequence = %d, want 3", r.State().SequenceNumber)
	}

	failures.Store(10)
	if err := r.Init(context.Background(), 0); err == nil {
		t.Error("expected error after exhausting retries")
	}
}

func TestReplicatorNotInitialized(t *testing.T) {
	src, _ := newTestSource(t)
	r, _ := newTestReplicator(t, src)

	if _, err := r.Update(context.Background(), nil, 0); err == nil {
		t.Error("expected error without state")
	}
	if _, err := r.fetcher.SequenceData(context.Background(), 99); !errors.Is(err, ErrNotPublished) {
		t.Errorf("expected ErrNotPublished, got %v", err)
	}
}
