// Copyright (c) 2020 - 2021 Lurelab. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.lurelab.io/terms.html

package internal

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lurelab/decoy/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.New(testLogger)
	require.NoError(t, err)
	cfg.Set("ports", []int{0})
	cfg.Set("activity_log", filepath.Join(t.TempDir(), "activity.json"))
	cfg.Set("log_level", "debug")
	return cfg
}

func TestAgentLifecycle(t *testing.T) {
	agent := New(testConfig(t))
	require.NotNil(t, agent)

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- agent.Serve()
	}()

	// The dispatcher is up once its listener address can be dialed.
	waitFor(t, func() bool {
		addrs := agent.dispatcher.Addrs()
		if len(addrs) == 0 {
			return false
		}
		conn, err := net.Dial("tcp", addrs[0].String())
		if err != nil {
			return false
		}
		conn.Close()
		return true
	})

	go agent.gracefulStop()
	select {
	case err := <-serveDone:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("the agent did not stop in time")
	}
}

func TestAgentRefusesBrokenClassifierConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Set("classifier_url", "http://[::1") // unclosed ipv6 host
	require.Nil(t, New(cfg))
}
