package negotiation

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var errMediaNotReady = errors.New("local media not ready")

// waitFor polls ready on a fixed interval, giving up after maxRetries
// further attempts or when ctx is done.
func waitFor(ctx context.Context, interval time.Duration, maxRetries int, ready func() bool) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(maxRetries)),
		ctx,
	)
	return backoff.Retry(func() error {
		if ready() {
			return nil
		}
		return errMediaNotReady
	}, policy)
}
