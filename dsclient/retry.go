package dsclient

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy — политика повторов для обращений к хранилищу документов.
// Одна и та же политика используется движком сканирования и движком
// bulk-записи.
type RetryPolicy struct {
	// MaxAttempts — общее число попыток, включая первую.
	MaxAttempts int
	// InitialInterval — пауза перед вторым запросом.
	InitialInterval time.Duration
	// Multiplier — коэффициент роста паузы.
	Multiplier float64
	// RandomizationFactor — доля случайного разброса пауз (джиттер).
	RandomizationFactor float64
}

// DefaultRetryPolicy: 4 попытки, 2s * 2^n.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:         4,
		InitialInterval:     2 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.25,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.RandomizationFactor
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx)
}

// Retry выполняет op с повторами по политике p. Повторяются только
// TransportError; прочие ошибки возвращаются сразу.
func Retry[T any](ctx context.Context, p RetryPolicy, op func() (T, error)) (T, error) {
	return backoff.RetryWithData(func() (T, error) {
		value, err := op()
		if err != nil && !IsRetryable(err) {
			return value, backoff.Permanent(err)
		}
		return value, err
	}, p.backOff(ctx))
}
