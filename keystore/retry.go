package keystore

import (
	"context"
	"fmt"
	mrand "math/rand"
	"time"
)

const (
	maxRetries = 5
	baseDelay  = 10 * time.Millisecond
	maxDelay   = 500 * time.Millisecond
)

// RetryConfig controls the backoff applied to optimistic concurrency conflicts
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig returns a sensible default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: maxRetries,
		BaseDelay:  baseDelay,
		MaxDelay:   maxDelay,
	}
}

// withRetry executes an operation with exponential backoff retry on concurrency conflicts
func withRetry(ctx context.Context, operation string, fn func() error) error {
	config := DefaultRetryConfig()

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		concErr, ok := err.(interface{ IsConcurrencyError() bool })
		if !ok || !concErr.IsConcurrencyError() {
			return err
		}

		if attempt == config.MaxRetries {
			return fmt.Errorf("operation %s failed after %d attempts due to concurrent modifications: %w",
				operation, config.MaxRetries+1, err)
		}

		delay := config.BaseDelay * time.Duration(1<<attempt)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}

		// 25% jitter
		delay += time.Duration(float64(delay) * 0.25 * (2*mrand.Float64() - 1))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("operation %s exhausted all retry attempts", operation)
}

// saveWithRetry reads the current version of a blob and writes data against it
func saveWithRetry(ctx context.Context, backend Backend, name string, data []byte) error {
	return withRetry(ctx, "save "+name, func() error {
		var currentVersion string
		current, err := backend.Load(ctx, name)
		if err == nil {
			currentVersion = current.Version
		}

		_, err = backend.Save(ctx, name, data, currentVersion)
		return err
	})
}
