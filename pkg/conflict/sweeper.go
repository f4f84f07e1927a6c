package conflict

import (
	"sync"
	"time"

	"github.com/boardsync/boardsync/internal/clock"
	"github.com/boardsync/boardsync/pkg/constants"
	"github.com/boardsync/boardsync/pkg/logger"
	"github.com/boardsync/boardsync/pkg/replicated"
)

// SweeperConfig configures a Sweeper. Zero values take the defaults.
type SweeperConfig struct {
	Grace     time.Duration
	Interval  time.Duration
	Retention time.Duration
	Clock     clock.Clock
	Logger    logger.Logger
}

// Sweeper purges tombstones older than the grace window. Every replica runs
// its own; purging an already purged key is a no-op, so no coordination is
// needed.
type Sweeper struct {
	doc  *replicated.Doc
	maps []string
	cfg  SweeperConfig

	mu     sync.Mutex
	ticker clock.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewSweeper(doc *replicated.Doc, maps []string, cfg SweeperConfig) *Sweeper {
	if cfg.Grace <= 0 {
		cfg.Grace = constants.DefaultGraceWindow
	}
	if cfg.Interval <= 0 {
		cfg.Interval = constants.DefaultSweepInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = constants.DefaultPurgeRetentionFactor * cfg.Grace
	}
	cfg.Clock = clock.OrReal(cfg.Clock)
	cfg.Logger = logger.OrDiscard(cfg.Logger)
	return &Sweeper{doc: doc, maps: maps, cfg: cfg}
}

// Sweep runs one pass and returns how many keys it purged.
func (s *Sweeper) Sweep() int {
	now := s.cfg.Clock.Now()
	total := 0
	for _, name := range s.maps {
		var expired []string
		s.doc.Map(name).Range(func(key string, r replicated.Record) bool {
			var deletedAt time.Time
			found, err := r.Decode(FieldDeletedAt, &deletedAt)
			if err != nil {
				s.cfg.Logger.Warn("conflict: unreadable tombstone", "map", name, "key", key, "error", err)
				return true
			}
			if found && !deletedAt.IsZero() && !now.Before(deletedAt.Add(s.cfg.Grace)) {
				expired = append(expired, key)
			}
			return true
		})
		if len(expired) == 0 {
			continue
		}
		s.doc.Purge(name, expired...)
		total += len(expired)
		s.cfg.Logger.Debug("conflict: purged tombstones", "map", name, "count", len(expired))
	}
	if n := s.doc.ExpirePurges(s.cfg.Retention); n > 0 {
		s.cfg.Logger.Debug("conflict: expired purge ledger entries", "count", n)
	}
	return total
}

// Start runs Sweep every interval until Stop.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	s.ticker = s.cfg.Clock.NewTicker(s.cfg.Interval)
	s.done = make(chan struct{})
	s.wg.Add(1)
	go s.loop(s.ticker, s.done)
}

func (s *Sweeper) loop(ticker clock.Ticker, done <-chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case <-done:
			return
		case <-ticker.C():
			s.Sweep()
		}
	}
}

// Stop ends the background loop and waits for a running pass to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if s.done == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	close(s.done)
	s.done = nil
	s.mu.Unlock()
	s.wg.Wait()
}
