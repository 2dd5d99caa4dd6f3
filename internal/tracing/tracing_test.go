package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/observantio/becertain/internal/config"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := New(config.TracingConfig{}, nil)
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	assert.NoError(t, p.Shutdown(context.Background()))

	ctx, span := Start(context.Background(), "stage")
	defer span.End()
	assert.NotNil(t, ctx)
}

func TestEnabledRequiresEndpoint(t *testing.T) {
	_, err := New(config.TracingConfig{Enabled: true}, nil)
	assert.Error(t, err)
}
