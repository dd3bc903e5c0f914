package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Janitor periodically sweeps a Store.
// Sweeps never overlap: a sweep requested while another one runs is skipped.
type Janitor struct {
	store    *Store
	interval time.Duration
	log      zerolog.Logger
	running  sync.Mutex
	done     chan struct{}
}

// NewJanitor creates a janitor for store. An interval of zero disables the
// periodic sweep, but Sweep can still be called explicitly.
func NewJanitor(store *Store, interval time.Duration, logger *zerolog.Logger) *Janitor {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &Janitor{
		store:    store,
		interval: interval,
		log:      l.With().Str("component", "janitor").Logger(),
	}
}

// Start runs the sweep loop in a goroutine until ctx is cancelled.
// It returns false without starting anything if the interval is zero.
func (j *Janitor) Start(ctx context.Context) bool {
	if j.interval <= 0 {
		j.log.Info().Msg("Periodic cache cleaner is disabled")
		return false
	}
	j.done = make(chan struct{})
	go j.loop(ctx)
	return true
}

// Done is closed when the sweep loop has exited. It is nil if Start did not start a loop.
func (j *Janitor) Done() <-chan struct{} {
	return j.done
}

func (j *Janitor) loop(ctx context.Context) {
	defer close(j.done)
	j.log.Info().Msgf("Periodic cache cleaner started with interval %s", j.interval)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			j.log.Info().Msg("Periodic cache cleaner stopped")
			return
		case <-ticker.C:
			j.Sweep()
		}
	}
}

// Sweep runs one sweep now. It returns the number of removed entries and
// false if another sweep was already running.
func (j *Janitor) Sweep() (int, bool) {
	if !j.running.TryLock() {
		j.log.Debug().Msg("Sweep already running, skipping")
		return 0, false
	}
	defer j.running.Unlock()

	if j.store.Len() == 0 {
		j.log.Debug().Msg("Periodic cache cleaner: nothing to clear")
		return 0, true
	}
	removed := j.store.Sweep()
	j.log.Info().Int("removed", removed).Str("policy", string(j.store.Policy().Name())).Msg("Periodic cache cleaner: sweep done")
	return removed, true
}
