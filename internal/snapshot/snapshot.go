// Package snapshot persists the two collections of the in-memory store
// (accounts and markets) so a single node survives a restart.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gamblescope/wager-engine/internal/model"
	"github.com/gamblescope/wager-engine/internal/store"
)

// FormatVersion is written into every snapshot.
const FormatVersion = 1

// ErrNoSnapshot is returned by a Sink that has nothing stored yet.
var ErrNoSnapshot = errors.New("no snapshot")

// Snapshot is the serialized state.
type Snapshot struct {
	Version  int             `json:"version"`
	TakenAt  time.Time       `json:"taken_at"`
	Accounts []model.Account `json:"accounts"`
	Markets  []model.Market  `json:"markets"`
}

var _ Source = (*store.MemoryStore)(nil)

// Sink stores and retrieves encoded snapshots.
type Sink interface {
	Save(ctx context.Context, data []byte) error
	Load(ctx context.Context) ([]byte, error)
}

// Source hands out a consistent copy of both collections.
// *store.MemoryStore implements it.
type Source interface {
	Export() ([]model.Account, []model.Market)
}

// Export takes one consistent cut of src, so no commit lands between the
// accounts and the markets.
func Export(src Source, now time.Time) *Snapshot {
	accounts, markets := src.Export()
	if accounts == nil {
		accounts = []model.Account{}
	}
	if markets == nil {
		markets = []model.Market{}
	}
	return &Snapshot{
		Version:  FormatVersion,
		TakenAt:  now.UTC(),
		Accounts: accounts,
		Markets:  markets,
	}
}

// Decode parses and checks an encoded snapshot.
func Decode(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	return &snap, nil
}

// Restore loads the snapshot from sink into ms. It reports false, with no
// error, when the sink is empty.
func Restore(ctx context.Context, sink Sink, ms *store.MemoryStore) (bool, error) {
	data, err := sink.Load(ctx)
	if errors.Is(err, ErrNoSnapshot) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	snap, err := Decode(data)
	if err != nil {
		return false, err
	}
	ms.Restore(snap.Accounts, snap.Markets)
	return true, nil
}

// Runner writes a snapshot to every sink on an interval and once more on
// shutdown.
type Runner struct {
	source   Source
	sinks    []Sink
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewRunner creates a Runner. A nil logger uses slog.Default().
func NewRunner(src Source, interval time.Duration, logger *slog.Logger, sinks ...Sink) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		source:   src,
		sinks:    sinks,
		interval: interval,
		logger:   logger.With("component", "snapshot"),
		now:      time.Now,
	}
}

// SaveNow exports the store and writes it to every sink. Every sink is
// attempted; the errors are joined.
func (r *Runner) SaveNow(ctx context.Context) error {
	snap := Export(r.source, r.now())
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	var errs []error
	for _, s := range r.sinks {
		if err := s.Save(ctx, data); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	r.logger.Debug("snapshot saved",
		"accounts", len(snap.Accounts),
		"markets", len(snap.Markets),
		"bytes", len(data),
	)
	return nil
}

// Run saves on every tick until ctx is cancelled, then saves a final
// time with a fresh context.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.SaveNow(ctx); err != nil {
				r.logger.Error("snapshot failed", "err", err)
			}
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := r.SaveNow(final); err != nil {
				r.logger.Error("final snapshot failed", "err", err)
				return err
			}
			r.logger.Info("final snapshot saved")
			return nil
		}
	}
}
