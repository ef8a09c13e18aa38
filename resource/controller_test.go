package resource

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_Concurrency(t *testing.T) {
	c := NewController(Config{NumComputeResources: 2})

	// Acquire 2
	require.NoError(t, c.AcquireBackground(context.Background()))
	require.NoError(t, c.AcquireBackground(context.Background()))

	// Try 3rd
	assert.False(t, c.TryAcquireBackground())

	// Release 1
	c.ReleaseBackground()

	// Try 3rd again
	assert.True(t, c.TryAcquireBackground())
}

func TestController_AcquireIO(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 100})

	// The limiter's burst equals the configured rate, so a request within
	// the burst succeeds immediately.
	require.NoError(t, c.AcquireIO(context.Background(), 50))

	// Unlimited (the zero value) never blocks or errors.
	unlimited := NewController(Config{})
	require.NoError(t, unlimited.AcquireIO(context.Background(), 1<<30))
}
