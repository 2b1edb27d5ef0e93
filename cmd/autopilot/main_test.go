package main

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rezkam/mono/internal/config"
)

func listenOnce(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l.Addr().String()
}

func TestProbeBus_ReachableBrokerLeavesMockModeUntouched(t *testing.T) {
	cfg := &config.Config{}
	cfg.Bus.Brokers = []string{listenOnce(t)}

	err := probeBus(context.Background(), cfg)

	require.NoError(t, err)
	require.False(t, cfg.Bus.MockMode)
}

func TestProbeBus_UnreachableBrokerFallsBackToMockModeOutsideProduction(t *testing.T) {
	cfg := &config.Config{}
	cfg.Bus.Brokers = []string{"127.0.0.1:1"}
	cfg.App.Environment = "development"

	err := probeBus(context.Background(), cfg)

	require.NoError(t, err)
	require.True(t, cfg.Bus.MockMode)
}

func TestProbeBus_UnreachableBrokerIsFatalInProduction(t *testing.T) {
	cfg := &config.Config{}
	cfg.Bus.Brokers = []string{"127.0.0.1:1"}
	cfg.App.Environment = "production"

	err := probeBus(context.Background(), cfg)

	require.Error(t, err)
	require.False(t, cfg.Bus.MockMode)
}

func TestProbeBus_SkippedWhenAlreadyInMockMode(t *testing.T) {
	cfg := &config.Config{}
	cfg.Bus.MockMode = true
	cfg.Bus.Brokers = []string{"127.0.0.1:1"}
	cfg.App.Environment = "production"

	err := probeBus(context.Background(), cfg)

	require.NoError(t, err)
}
