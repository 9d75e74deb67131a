package insights

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/fincoach/insightcache/pkg/store"
)

// Invalidator drops a user's cached insights when their financial data
// changes: imported or edited transactions, goal updates and the like.
type Invalidator struct {
	store  store.Store
	logger zerolog.Logger
}

// NewInvalidator returns an Invalidator over st.
func NewInvalidator(st store.Store, logger zerolog.Logger) *Invalidator {
	return &Invalidator{store: st, logger: logger}
}

// InvalidateForUser deletes every cached insight of userID regardless of
// type, personality or expiry and returns the number of rows removed.
// Mutation paths may ignore the error; it is already logged.
func (i *Invalidator) InvalidateForUser(ctx context.Context, userID int64) (int64, error) {
	n, err := i.store.InvalidateUser(ctx, userID)
	if err != nil {
		CacheErrors.WithLabelValues("invalidate").Inc()
		i.logger.Warn().Err(err).Int64("user_id", userID).Msg("cache invalidation failed")
		return 0, err
	}
	Invalidated.Add(float64(n))
	if n > 0 {
		i.logger.Info().Int64("user_id", userID).Int64("removed", n).Msg("user cache invalidated")
	}
	return n, nil
}
