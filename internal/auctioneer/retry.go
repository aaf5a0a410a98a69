package auctioneer

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vmware/weathervane-sub001/internal/store"
)

// retry runs op until it succeeds or fails with an error that is not a
// transient store conflict. There is no attempt limit.
func retry[T any](ctx context.Context, logger *log.Entry, name string, op func() (T, error)) (T, error) {
	for attempt := 1; ; attempt++ {
		v, err := op()
		switch store.Classify(err) {
		case store.OutcomeOK:
			return v, nil
		case store.OutcomeConflict:
			if ctx.Err() != nil {
				var zero T
				return zero, ctx.Err()
			}
			logger.WithError(err).WithField("attempt", attempt).Debugf("%s conflicted, retrying", name)
		default:
			return v, err
		}
	}
}
