package handlers_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopsync/loopsync/internal/amcp"
	"github.com/loopsync/loopsync/internal/http/handlers"
)

type fakePool struct {
	states map[string]amcp.State
}

func (p *fakePool) States() map[string]amcp.State { return p.states }

func TestHealthHandler_GetLivez(t *testing.T) {
	handler := handlers.NewHealthHandler("1.0.0")

	output, err := handler.GetLivez(context.Background(), &handlers.LivezInput{})
	require.NoError(t, err)
	assert.Equal(t, "ok", output.Body.Status)
}

func TestHealthHandler_GetReadyz(t *testing.T) {
	t.Run("not ready without an engine", func(t *testing.T) {
		handler := handlers.NewHealthHandler("1.0.0")

		output, err := handler.GetReadyz(context.Background(), &handlers.ReadyzInput{})
		require.NoError(t, err)
		assert.Equal(t, "not_ready", output.Body.Status)
		assert.Equal(t, "not_configured", output.Body.Components["engine"])
	})

	t.Run("ready with an engine", func(t *testing.T) {
		handler := handlers.NewHealthHandler("1.0.0").WithEngine(newFakeEngine())

		output, err := handler.GetReadyz(context.Background(), &handlers.ReadyzInput{})
		require.NoError(t, err)
		assert.Equal(t, "ready", output.Body.Status)
		assert.Equal(t, "ok", output.Body.Components["engine"])
		assert.Equal(t, "off", output.Body.Components["mode"])
	})
}

func TestHealthHandler_GetHealth(t *testing.T) {
	fake := newFakeEngine()
	require.NoError(t, fake.SetMode("auto"))

	pool := &fakePool{states: map[string]amcp.State{
		"10.0.0.6:5250": amcp.StateDisconnected,
		"10.0.0.5:5250": amcp.StateConnected,
	}}

	handler := handlers.NewHealthHandler("1.2.3").WithEngine(fake).WithPool(pool)

	output, err := handler.GetHealth(context.Background(), &handlers.HealthInput{})
	require.NoError(t, err)

	body := output.Body
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "1.2.3", body.Version)
	assert.NotEmpty(t, body.Timestamp)
	assert.NotEmpty(t, body.Uptime)
	assert.NotZero(t, body.CPUInfo.Cores)

	assert.Equal(t, "auto", body.Components.Engine.Mode)
	assert.Equal(t, 1, body.Components.Engine.EffectiveSlots)

	// Connections come back sorted by address.
	require.Len(t, body.Components.Connections, 2)
	assert.Equal(t, "10.0.0.5:5250", body.Components.Connections[0].Addr)
	assert.Equal(t, "connected", body.Components.Connections[0].State)
	assert.Equal(t, "10.0.0.6:5250", body.Components.Connections[1].Addr)
	assert.Equal(t, "disconnected", body.Components.Connections[1].State)
}

func TestHealthHandler_GetHealthWithoutDependencies(t *testing.T) {
	handler := handlers.NewHealthHandler("1.0.0")

	output, err := handler.GetHealth(context.Background(), &handlers.HealthInput{})
	require.NoError(t, err)
	assert.Equal(t, "healthy", output.Body.Status)
	assert.Empty(t, output.Body.Components.Engine.Mode)
	assert.Empty(t, output.Body.Components.Connections)
}
