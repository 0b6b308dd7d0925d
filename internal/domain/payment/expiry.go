package payment

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Expirer fails stale pending transactions.
type Expirer interface {
	ExpireStale(ctx context.Context) (int, error)
}

// Purger drops records older than maxAge, such as stored idempotent
// responses.
type Purger interface {
	Purge(ctx context.Context, maxAge time.Duration) (int64, error)
}

// Sweeper periodically expires pending transactions that outlived their TTL.
type Sweeper struct {
	expirer  Expirer
	interval time.Duration
	logger   zerolog.Logger

	// Purge, when set, runs every PurgeInterval with PurgeMaxAge.
	Purge         Purger
	PurgeInterval time.Duration
	PurgeMaxAge   time.Duration
}

func NewSweeper(expirer Expirer, interval time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		expirer:       expirer,
		interval:      interval,
		logger:        logger.With().Str("component", "expiry-sweeper").Logger(),
		PurgeInterval: time.Hour,
		PurgeMaxAge:   24 * time.Hour,
	}
}

// Run sweeps once immediately and then on every tick. It blocks until ctx
// is cancelled and always returns nil.
func (s *Sweeper) Run(ctx context.Context) error {
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var purge <-chan time.Time
	if s.Purge != nil && s.PurgeInterval > 0 {
		pt := time.NewTicker(s.PurgeInterval)
		defer pt.Stop()
		purge = pt.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		case <-purge:
			s.purge(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.expirer.ExpireStale(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Int("expired", n).Msg("expiry sweep failed")
		return
	}
	if n > 0 {
		s.logger.Info().Int("expired", n).Msg("expired stale pending transactions")
	}
}

func (s *Sweeper) purge(ctx context.Context) {
	n, err := s.Purge.Purge(ctx, s.PurgeMaxAge)
	if err != nil {
		s.logger.Error().Err(err).Msg("purge failed")
		return
	}
	if n > 0 {
		s.logger.Debug().Int64("purged", n).Msg("purged old records")
	}
}
