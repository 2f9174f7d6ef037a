package metrics

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRejectionBounded(t *testing.T) {
	tests := []struct {
		check string
		want  string
	}{
		{"kill_switch", RejectKillSwitch},
		{"connectivity", RejectConnectivity},
		{"stop_loss", RejectStopLoss},
		{"trade_spacing", RejectPacing},
		{"trade_caps", RejectPacing},
		{"symbol_pacing", RejectPacing},
		{"cooldown", RejectCooldown},
		{"exposure_cap", RejectExposure},
		{"max_positions", RejectExposure},
		{"pyramiding", RejectExposure},
		{"strategy_budget", RejectExposure},
		{"size_constraint", RejectSizing},
		{"product_status", RejectStatus},
		{"something_novel", RejectOther},
	}
	seen := map[string]bool{}
	for _, tt := range tests {
		got := NormalizeRejection(tt.check)
		assert.Equal(t, tt.want, got, "check %q", tt.check)
		seen[got] = true
	}
	assert.LessOrEqual(t, len(seen), 9, "rejection label cardinality must stay bounded")
}

func TestNormalizeAPIErrorBounded(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{errors.New("context deadline exceeded"), APIErrorTimeout},
		{errors.New("429 too many requests"), APIErrorRateLimit},
		{errors.New("401 unauthorized"), APIErrorAuth},
		{errors.New("connection refused"), APIErrorNetwork},
		{errors.New("400 invalid order"), APIErrorInvalidReq},
		{errors.New("503 service unavailable"), APIErrorServer},
		{errors.New("mystery"), APIErrorOther},
	}
	seen := map[string]bool{}
	for _, tt := range tests {
		got := NormalizeAPIError(tt.err)
		assert.Equal(t, tt.want, got)
		seen[got] = true
	}
	assert.LessOrEqual(t, len(seen), 7)
	assert.Empty(t, NormalizeAPIError(nil))
}

func TestServerRetriesPortsOnConflict(t *testing.T) {
	// Occupy a port, then ask the server to start at it with a range.
	blocker, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer blocker.Close()
	base := blocker.Addr().(*net.TCPAddr).Port

	srv := NewServer(base, 5, zerolog.Nop())
	port, err := srv.Start()
	require.NoError(t, err)
	defer srv.Shutdown(t.Context())

	assert.NotEqual(t, base, port)
	assert.Greater(t, port, base)
	assert.LessOrEqual(t, port, base+5)

	client := http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/metrics", port))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	health, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestServerNoFreePort(t *testing.T) {
	blocker, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer blocker.Close()
	base := blocker.Addr().(*net.TCPAddr).Port

	srv := NewServer(base, 0, zerolog.Nop())
	_, err = srv.Start()
	assert.Error(t, err)
}
