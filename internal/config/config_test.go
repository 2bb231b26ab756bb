// Copyright (c) 2020 - 2021 Lurelab. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.lurelab.io/terms.html

package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lurelab/decoy/internal/config"
	"github.com/lurelab/decoy/internal/plog"
)

var logger = plog.NewLogger(plog.Info, os.Stderr, 0)

func TestDefaults(t *testing.T) {
	cfg, err := config.New(logger)
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0", cfg.BindAddress())
	require.Equal(t, []int{21, 22, 80, 443}, cfg.Ports())
	require.Equal(t, 0, cfg.ClassifierPort())
	require.Empty(t, cfg.ClassifierURL())
	require.Equal(t, plog.Info, cfg.LogLevel())
	require.Equal(t, []string{"192.168."}, cfg.FriendlyPrefixes())
	require.Equal(t, []string{"10."}, cfg.InternalPrefixes())
	require.Equal(t, 5*time.Second, cfg.FloodWindow())
	require.Equal(t, 20, cfg.FloodThreshold())
	require.Equal(t, 30*time.Second, cfg.SlowWindow())
	require.Equal(t, 10, cfg.SlowMinCount())
	require.Equal(t, 20*time.Second, cfg.SlowMinDuration())
	require.Equal(t, 10, cfg.AggressiveAttempts())
	require.Equal(t, 5, cfg.StrictAttempts())
	require.Equal(t, time.Minute, cfg.BanDuration())
	require.Equal(t, 5*time.Second, cfg.IdleTimeout())
	require.Equal(t, 3*time.Second, cfg.ResponseDelay())
	require.Equal(t, "honeypot_logs/activity.json", cfg.ActivityLog())
	require.Equal(t, 100, cfg.ActivityLogMaxSize())
	require.Equal(t, 7, cfg.ActivityLogMaxAge())
	require.Equal(t, 100, cfg.AcceptRate())
	require.Equal(t, 200, cfg.AcceptBurst())
}

func TestOverrides(t *testing.T) {
	cfg, err := config.New(logger)
	require.NoError(t, err)

	t.Run("values are sanitized", func(t *testing.T) {
		cfg.Set("log_level", " debug ")
		require.Equal(t, plog.Debug, cfg.LogLevel())

		cfg.Set("bind_address", " 127.0.0.1 ")
		require.Equal(t, "127.0.0.1", cfg.BindAddress())
	})

	t.Run("non-positive values fall back to the defaults", func(t *testing.T) {
		cfg.Set("flood_threshold", -1)
		require.Equal(t, 20, cfg.FloodThreshold())

		cfg.Set("flood_window", 0)
		require.Equal(t, 5*time.Second, cfg.FloodWindow())

		cfg.Set("ban_duration", -time.Second)
		require.Equal(t, time.Minute, cfg.BanDuration())
	})

	t.Run("regular overrides", func(t *testing.T) {
		cfg.Set("ports", []int{2121})
		require.Equal(t, []int{2121}, cfg.Ports())

		cfg.Set("classifier_port", 9999)
		require.Equal(t, 9999, cfg.ClassifierPort())

		cfg.Set("flood_threshold", 42)
		require.Equal(t, 42, cfg.FloodThreshold())
	})
}

func TestEnvironmentVariables(t *testing.T) {
	require.NoError(t, os.Setenv("DECOY_LOG_LEVEL", "debug"))
	defer os.Unsetenv("DECOY_LOG_LEVEL")

	cfg, err := config.New(logger)
	require.NoError(t, err)
	require.Equal(t, plog.Debug, cfg.LogLevel())
}

func TestHealth(t *testing.T) {
	t.Run("invalid classifier url", func(t *testing.T) {
		require.NoError(t, os.Setenv("DECOY_CLASSIFIER_URL", "://not-a-url"))
		defer os.Unsetenv("DECOY_CLASSIFIER_URL")

		_, err := config.New(logger)
		require.Error(t, err)
	})
}
