package aiclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aixgo-dev/aixgo/internal/breaker"
)

// TestCompleteShortCircuitsOnOpenBreaker exercises spec.md §8 scenario 6:
// once the breaker is Open, Complete must return a fallback string
// within a few milliseconds without invoking the downstream call or
// burning the retry loop's backoff delays.
func TestCompleteShortCircuitsOnOpenBreaker(t *testing.T) {
	br := breaker.New(breaker.Config{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		SuccessThreshold: 1,
		CallTimeout:      time.Second,
	})
	err := br.Execute(context.Background(), func(context.Context) error {
		return errors.New("boom")
	})
	assert.Error(t, err)
	assert.Equal(t, breaker.Open, br.State())

	c := &Client{cfg: Config{EnableSessionReuse: false}, breaker: br}

	start := time.Now()
	reply := c.Complete(context.Background(), Request{Text: "hello"})
	elapsed := time.Since(start)

	assert.Contains(t, fallbackReplies, reply)
	assert.Less(t, elapsed, 50*time.Millisecond, "Complete must not sleep through retry backoff when the breaker is already open")
}
