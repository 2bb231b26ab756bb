// Copyright (c) 2020 - 2021 Lurelab. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.lurelab.io/terms.html

package plog_test

import (
	"fmt"
	"testing"

	"github.com/onsi/gomega"
	"github.com/onsi/gomega/gbytes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/lurelab/decoy/internal/plog"
)

func TestLogger(t *testing.T) {
	for _, level := range []plog.LogLevel{
		plog.Disabled,
		plog.Debug,
		plog.Info,
		plog.Error,
	} {
		level := level // new scope
		t.Run(level.String(), func(t *testing.T) {
			for _, errChanLen := range []int{1, 1024} {
				errChanLen := errChanLen // new scope
				t.Run(fmt.Sprintf("with chan buffer length %d", errChanLen), func(t *testing.T) {
					g := gomega.NewGomegaWithT(t)
					output := gbytes.NewBuffer()
					logger := plog.NewLogger(level, output, errChanLen)

					// Perform log calls
					logger.Debug("debug 1", " debug 2", " debug 3")
					logger.Info("info 1 ", "info 2 ", "info 3")
					err := errors.New("error message")
					logger.Error(err)

					var (
						re      = "decoy/%s - [0-9]{4}(-[0-9]{2}){2}T([0-9]{2}:){2}[0-9]{2}.?[0-9]{0,6} - %s"
						debugRe = fmt.Sprintf(re, plog.Debug, "debug 1 debug 2 debug 3")
						errorRe = fmt.Sprintf(re, plog.Error, "error message")
						infoRe  = fmt.Sprintf(re, plog.Info, "info 1 info 2 info 3")
					)
					switch level {
					case plog.Disabled:
						g.Expect(output).ShouldNot(gbytes.Say(debugRe))
						g.Expect(output).ShouldNot(gbytes.Say(infoRe))
						g.Expect(output).ShouldNot(gbytes.Say(errorRe))
					case plog.Debug:
						g.Expect(output).Should(gbytes.Say(debugRe))
						fallthrough
					case plog.Info:
						g.Expect(output).Should(gbytes.Say(infoRe))
						fallthrough
					case plog.Error:
						g.Expect(output).Should(gbytes.Say(errorRe))
					}

					// The error should have been sent into the channel
					g.Eventually(logger.ErrChan()).Should(gomega.Receive(gomega.Equal(err)))
				})
			}
		})
	}
}

func TestErrChanNeverBlocks(t *testing.T) {
	output := gbytes.NewBuffer()
	logger := plog.NewLogger(plog.Error, output, 1)

	// Fill the channel buffer and keep logging: extra errors must be dropped
	// without blocking the caller.
	logger.Error(errors.New("first"))
	logger.Error(errors.New("second"))
	logger.Error(errors.New("third"))

	err := <-logger.ErrChan()
	require.Equal(t, "first", err.Error())
	select {
	case err := <-logger.ErrChan():
		t.Fatalf("unexpected error `%v`", err)
	default:
	}
}

func TestNoErrChan(t *testing.T) {
	output := gbytes.NewBuffer()
	logger := plog.NewLogger(plog.Error, output, 0)
	require.Nil(t, logger.ErrChan())
	// Must not panic nor block without a channel.
	logger.Error(errors.New("oops"))
}

func TestParseLogLevel(t *testing.T) {
	for _, tc := range []struct {
		input    string
		expected plog.LogLevel
	}{
		{"debug", plog.Debug},
		{" Debug ", plog.Debug},
		{"info", plog.Info},
		{"INFO", plog.Info},
		{"error", plog.Error},
		{"disabled", plog.Disabled},
		{"", plog.Disabled},
		{"oops", plog.Disabled},
	} {
		tc := tc
		t.Run(tc.input, func(t *testing.T) {
			require.Equal(t, tc.expected, plog.ParseLogLevel(tc.input))
		})
	}
}
