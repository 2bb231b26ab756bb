// Copyright (c) 2020 - 2021 Lurelab. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.lurelab.io/terms.html

package dispatcher_test

import (
	"bufio"
	"context"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lurelab/decoy/internal/admission"
	"github.com/lurelab/decoy/internal/detector"
	"github.com/lurelab/decoy/internal/dispatcher"
	"github.com/lurelab/decoy/internal/passlist"
	"github.com/lurelab/decoy/internal/personality"
	"github.com/lurelab/decoy/internal/plog"
	"github.com/lurelab/decoy/internal/profile"
	"github.com/lurelab/decoy/internal/record"
	"github.com/lurelab/decoy/internal/response"
)

var logger = plog.NewLogger(plog.Debug, os.Stderr, 0)

type eventCollector struct {
	mu     sync.Mutex
	events []*record.ActivityEvent
}

func (c *eventCollector) emit(e *record.ActivityEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *eventCollector) snapshot() []*record.ActivityEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*record.ActivityEvent, len(c.events))
	copy(out, c.events)
	return out
}

type testDecoy struct {
	addr           string
	classifierAddr string
	events         *eventCollector
	admission      *admission.Controller
	cancel         context.CancelFunc
	done           chan struct{}
}

func (d *testDecoy) stop() {
	d.cancel()
	<-d.done
}

// startDecoy runs a full decoy stack on ephemeral ports, with the production
// thresholds and a friend list of the given prefixes.
func startDecoy(t *testing.T, friendPrefixes []string) *testDecoy {
	t.Helper()

	friends, err := passlist.NewStore(friendPrefixes)
	require.NoError(t, err)

	profiles := profile.NewStore(30 * time.Second)
	classifier := personality.NewClassifier(
		detector.FloodDetector{Window: 5 * time.Second, Threshold: 20},
		detector.SlowConnDetector{Window: 30 * time.Second, MaxCount: 10, MinDuration: 20 * time.Second},
		10,
		5,
		friends,
		nil,
		logger,
	)
	adm := admission.NewController(time.Minute, profiles, classifier, logger)
	responses := response.NewEngine(10*time.Millisecond, nil, map[int]string{0: "220 decoy ready\r\n"})

	events := &eventCollector{}
	d := dispatcher.New(
		dispatcher.Config{
			BindAddress:    "127.0.0.1",
			Ports:          []int{0},
			ClassifierPort: 0,
			IdleTimeout:    500 * time.Millisecond,
			AcceptRate:     1000,
			AcceptBurst:    1000,
		},
		adm,
		profiles,
		classifier,
		responses,
		nil,
		events.emit,
		dispatcher.Metrics{},
		logger,
	)
	require.NoError(t, d.Listen())

	addrs := d.Addrs()
	require.Len(t, addrs, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := d.Serve(ctx); err != nil {
			t.Error(err)
		}
	}()

	decoy := &testDecoy{
		addr:      addrs[0].String(),
		events:    events,
		admission: adm,
		cancel:    cancel,
		done:      done,
	}
	t.Cleanup(decoy.stop)
	return decoy
}

type client struct {
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	t.Cleanup(func() { conn.Close() })
	return &client{conn: conn, r: bufio.NewReader(conn)}
}

func (c *client) readLine(t *testing.T) string {
	t.Helper()
	line, err := c.r.ReadString('\n')
	require.NoError(t, err)
	return line
}

func (c *client) send(t *testing.T, msg string) {
	t.Helper()
	_, err := c.conn.Write([]byte(msg))
	require.NoError(t, err)
}

func TestSessionLoop(t *testing.T) {
	decoy := startDecoy(t, nil)
	c := dial(t, decoy.addr)

	require.Equal(t, "220 decoy ready\r\n", c.readLine(t))

	c.send(t, "USER admin\r\n")
	require.Equal(t, "Command not recognized.\r\n", c.readLine(t))

	c.send(t, "PASS hunter2\r\n")
	require.Equal(t, "Command not recognized.\r\n", c.readLine(t))

	events := decoy.events.snapshot()
	require.Len(t, events, 2)
	require.Equal(t, "USER admin", events[0].Data)
	require.Equal(t, 1, events[0].Attempts)
	require.Equal(t, "random", events[0].Personality)
	require.Equal(t, "127.0.0.1", events[0].RemoteIP)
	require.NotEmpty(t, events[0].Session)
	require.Equal(t, "PASS hunter2", events[1].Data)
	require.Equal(t, 2, events[1].Attempts)
	// Both messages belong to the same session.
	require.Equal(t, events[0].Session, events[1].Session)
}

func TestIdleSessionIsClosed(t *testing.T) {
	decoy := startDecoy(t, nil)
	c := dial(t, decoy.addr)
	require.Equal(t, "220 decoy ready\r\n", c.readLine(t))

	// Stay silent: the decoy must close the session on its idle timeout.
	_, err := c.r.ReadString('\n')
	require.Error(t, err)
}

func TestFloodingSourceIsBanned(t *testing.T) {
	decoy := startDecoy(t, nil)
	c := dial(t, decoy.addr)
	require.Equal(t, "220 decoy ready\r\n", c.readLine(t))

	// Hammer the decoy in lockstep so every message is its own observation.
	var last string
	for i := 0; i < 25; i++ {
		c.send(t, "x\r\n")
		last = c.readLine(t)
		if last == "Service temporarily unavailable.\r\n" {
			break
		}
		require.Equal(t, "Command not recognized.\r\n", last)
	}
	require.Equal(t, "Service temporarily unavailable.\r\n", last)

	// The flooder's socket was closed right after the refusal.
	_, err := c.r.ReadString('\n')
	require.Error(t, err)

	// And the next connection attempt is denied at admission.
	c2 := dial(t, decoy.addr)
	require.Equal(t, "temporarily banned (flooder)\r\n", c2.readLine(t))
	_, err = c2.r.ReadString('\n')
	require.Error(t, err)

	require.Equal(t, 1, decoy.admission.BanCount())

	events := decoy.events.snapshot()
	require.Equal(t, "flooder", events[len(events)-1].Personality)
}

func TestFriendlySourceIsNeverBanned(t *testing.T) {
	decoy := startDecoy(t, []string{"127."})
	c := dial(t, decoy.addr)
	require.Equal(t, "220 decoy ready\r\n", c.readLine(t))

	// Enough attempts to cross the strict threshold, not enough to flood.
	for i := 0; i < 8; i++ {
		c.send(t, "hello\r\n")
		require.Equal(t, "Command not recognized.\r\n", c.readLine(t))
	}

	for _, e := range decoy.events.snapshot() {
		require.Equal(t, "friendly", e.Personality)
	}
	require.Equal(t, 0, decoy.admission.BanCount())

	// Reconnecting still works.
	c2 := dial(t, decoy.addr)
	require.Equal(t, "220 decoy ready\r\n", c2.readLine(t))
}

func TestProfilesAreCumulativeAcrossConnections(t *testing.T) {
	decoy := startDecoy(t, nil)

	c := dial(t, decoy.addr)
	require.Equal(t, "220 decoy ready\r\n", c.readLine(t))
	c.send(t, "a\r\n")
	c.readLine(t)
	require.NoError(t, c.conn.Close())

	c2 := dial(t, decoy.addr)
	require.Equal(t, "220 decoy ready\r\n", c2.readLine(t))
	c2.send(t, "b\r\n")
	c2.readLine(t)

	events := decoy.events.snapshot()
	require.Len(t, events, 2)
	require.Equal(t, 1, events[0].Attempts)
	// Closing the first socket must not reset the counter.
	require.Equal(t, 2, events[1].Attempts)
	// Distinct connections are distinct sessions.
	require.NotEqual(t, events[0].Session, events[1].Session)
}

// freePort returns a port that was free an instant ago.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestClassifierPort(t *testing.T) {
	// A dispatcher bound on the auxiliary port only, with no classifier
	// service deployed: the conservative label is served.
	d := dispatcher.New(
		dispatcher.Config{
			BindAddress:    "127.0.0.1",
			Ports:          nil,
			ClassifierPort: freePort(t),
			IdleTimeout:    time.Second,
			AcceptRate:     1000,
			AcceptBurst:    1000,
		},
		admission.NewController(time.Minute, profile.NewStore(time.Minute), personality.NewClassifier(detector.FloodDetector{Window: 5 * time.Second, Threshold: 20}, detector.SlowConnDetector{Window: 30 * time.Second, MaxCount: 10, MinDuration: 20 * time.Second}, 10, 5, nil, nil, logger), logger),
		profile.NewStore(time.Minute),
		nil,
		response.NewEngine(0, nil, nil),
		nil,
		nil,
		dispatcher.Metrics{},
		logger,
	)
	require.NoError(t, d.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := d.Serve(ctx); err != nil {
			t.Error(err)
		}
	}()
	defer func() {
		cancel()
		<-done
	}()

	c := dial(t, d.Addrs()[0].String())
	c.send(t, `{"remote_ip":"1.2.3.4","data":"USER admin"}`)
	require.Equal(t, "SUSPICIOUS\n", c.readLine(t))
}

func TestListenFailure(t *testing.T) {
	// Grab a port so that binding it fails.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	d := dispatcher.New(
		dispatcher.Config{BindAddress: l.Addr().(*net.TCPAddr).IP.String(), Ports: []int{port}},
		nil, nil, nil, nil, nil, nil, dispatcher.Metrics{}, logger,
	)
	require.Error(t, d.Listen())
}
