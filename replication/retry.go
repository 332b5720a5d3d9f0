package replication

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/redkeeper/keeperstore/utils/log"
)

// ErrRetryable makes the Retryer try again when it is returned.
var ErrRetryable = errors.New("retryable replication error")

type Retryer struct {
	retryFunc    func(ctx context.Context) error
	interval     time.Duration
	backoffCoeff int
	maxInterval  time.Duration
}

func NewRetryer(retryFunc func(ctx context.Context) error, interval time.Duration, backoffCoeff int) *Retryer {
	return &Retryer{
		retryFunc:    retryFunc,
		interval:     interval,
		backoffCoeff: backoffCoeff,
		maxInterval:  time.Minute,
	}
}

// Run tries retryFunc until it succeeds, it returns an error that does not wrap ErrRetryable,
// or the context is canceled.
func (r *Retryer) Run(ctx context.Context) error {
	for cnt := 0; ; cnt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := r.retryFunc(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrRetryable) {
			log.Warn("caught a non-retryable error: %v", err)
			return err
		}

		interval := retryInterval(r.interval, r.backoffCoeff, cnt)
		if interval > r.maxInterval {
			interval = r.maxInterval
		}
		log.Warn("caught a retryable error. It will be retried after %dms, err=%v", interval.Milliseconds(), err)
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func retryInterval(interval time.Duration, backoffCoeff, retryCount int) time.Duration {
	coeff := math.Pow(float64(backoffCoeff), float64(retryCount))
	intervalMilliSec := float64(interval.Milliseconds())
	return time.Duration(intervalMilliSec*coeff) * time.Millisecond
}
