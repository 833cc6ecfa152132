package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledProviderIsNoOp(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Meter())

	ctx, done := p.TrackCall(context.Background(), "payments.refund")
	assert.NotNil(t, ctx)
	done(nil)
	done(errors.New("after the fact")) // calling again must not panic

	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "sudogate", cfg.ServiceName)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 1.0, cfg.SampleRate)
}
