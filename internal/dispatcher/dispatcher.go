// Copyright (c) 2020 - 2021 Lurelab. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.lurelab.io/terms.html

// Package dispatcher owns the TCP listeners of the decoy and drives the
// per-connection session loop: admission check, service banner, read loop,
// behavior recording and response rendering.
package dispatcher

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/lurelab/decoy/internal/admission"
	"github.com/lurelab/decoy/internal/backend"
	"github.com/lurelab/decoy/internal/config"
	"github.com/lurelab/decoy/internal/dclib/dcerrors"
	"github.com/lurelab/decoy/internal/dclib/dcsafe"
	"github.com/lurelab/decoy/internal/dclib/dctime"
	"github.com/lurelab/decoy/internal/metrics"
	"github.com/lurelab/decoy/internal/personality"
	"github.com/lurelab/decoy/internal/plog"
	"github.com/lurelab/decoy/internal/profile"
	"github.com/lurelab/decoy/internal/record"
	"github.com/lurelab/decoy/internal/response"
)

// Config is the listener configuration of a dispatcher.
type Config struct {
	BindAddress    string
	Ports          []int
	ClassifierPort int
	IdleTimeout    time.Duration
	AcceptRate     int
	AcceptBurst    int
}

// Metrics is the set of metrics stores a dispatcher feeds. Nil stores are
// simply not fed.
type Metrics struct {
	Connections   *metrics.Store
	Personalities *metrics.Store
	Denials       *metrics.Store
	Bans          *metrics.Store
}

// EventFunc receives every activity event a dispatcher produces. It must not
// block.
type EventFunc func(*record.ActivityEvent)

type portListener struct {
	port           int
	listener       net.Listener
	limiter        *rate.Limiter
	classifierOnly bool
}

// Dispatcher accepts decoy connections and runs their session loops.
type Dispatcher struct {
	cfg        Config
	admission  *admission.Controller
	profiles   *profile.Store
	classifier *personality.Classifier
	responses  *response.Engine
	backend    *backend.Client
	emit       EventFunc
	metrics    Metrics
	logger     plog.DebugLevelLogger

	mu        sync.Mutex
	listeners []*portListener
	conns     map[net.Conn]struct{}
	wg        sync.WaitGroup
}

// New returns a dispatcher ready to Listen. The backend client may be nil
// when no classifier service is deployed.
func New(cfg Config, adm *admission.Controller, profiles *profile.Store, classifier *personality.Classifier, responses *response.Engine, backendClient *backend.Client, emit EventFunc, m Metrics, logger plog.DebugLevelLogger) *Dispatcher {
	if emit == nil {
		emit = func(*record.ActivityEvent) {}
	}
	return &Dispatcher{
		cfg:        cfg,
		admission:  adm,
		profiles:   profiles,
		classifier: classifier,
		responses:  responses,
		backend:    backendClient,
		emit:       emit,
		metrics:    m,
		logger:     logger,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Listen binds the configured ports. A port failing to bind is logged and
// skipped so that one busy port doesn't take the whole decoy down. An error
// is returned only when no port at all could be bound.
func (d *Dispatcher) Listen() error {
	bind := func(port int, classifierOnly bool) {
		addr := net.JoinHostPort(d.cfg.BindAddress, strconv.Itoa(port))
		l, err := net.Listen("tcp", addr)
		if err != nil {
			d.logger.Error(dcerrors.Wrapf(err, "dispatcher: could not listen on `%s`", addr))
			return
		}
		d.logger.Infof("dispatcher: listening on `%s`", l.Addr())
		d.mu.Lock()
		defer d.mu.Unlock()
		d.listeners = append(d.listeners, &portListener{
			port:           port,
			listener:       l,
			limiter:        rate.NewLimiter(rate.Limit(d.cfg.AcceptRate), d.cfg.AcceptBurst),
			classifierOnly: classifierOnly,
		})
	}

	for _, port := range d.cfg.Ports {
		bind(port, false)
	}
	if d.cfg.ClassifierPort != 0 {
		bind(d.cfg.ClassifierPort, true)
	}

	if len(d.listeners) == 0 {
		return dcerrors.New("dispatcher: could not bind any listening port")
	}
	return nil
}

// Addrs returns the bound listener addresses, in Listen order.
func (d *Dispatcher) Addrs() []net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	addrs := make([]net.Addr, len(d.listeners))
	for i, pl := range d.listeners {
		addrs[i] = pl.listener.Addr()
	}
	return addrs
}

// Serve accepts connections until the context is canceled, then closes the
// listeners and leaves in-flight sessions a bounded grace period before
// force-closing them. Listen must have been called first.
func (d *Dispatcher) Serve(ctx context.Context) error {
	var accepts sync.WaitGroup
	for _, pl := range d.listeners {
		pl := pl
		accepts.Add(1)
		go func() {
			defer accepts.Done()
			if err := dcsafe.Call(func() error { return d.acceptLoop(ctx, pl) }); err != nil {
				d.logger.Error(dcerrors.Wrapf(err, "dispatcher: accept loop of port %d exited", pl.port))
			}
		}()
	}

	<-ctx.Done()
	for _, pl := range d.listeners {
		if err := pl.listener.Close(); err != nil {
			d.logger.Error(dcerrors.Wrap(err, "dispatcher: listener close error"))
		}
	}
	accepts.Wait()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(config.ShutdownGracePeriod):
		d.logger.Infof("dispatcher: grace period elapsed: force-closing %d connection(s)", d.connCount())
		d.closeConns()
		<-done
	}
	return nil
}

func (d *Dispatcher) acceptLoop(ctx context.Context, pl *portListener) error {
	backoff := dctime.NewBackoff(time.Millisecond, time.Second, 2)
	for {
		conn, err := pl.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				wait, _ := backoff.Next()
				time.Sleep(wait)
				continue
			}
			return err
		}
		backoff = dctime.NewBackoff(time.Millisecond, time.Second, 2)

		// Load shedding under accept pressure: past the configured rate the
		// connection is dropped before any session work happens.
		if !pl.limiter.Allow() {
			_ = conn.Close()
			continue
		}

		d.track(conn)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer d.untrack(conn)
			defer conn.Close()
			if err := dcsafe.Call(func() error {
				d.handle(ctx, conn, pl)
				return nil
			}); err != nil {
				d.logger.Error(dcerrors.Wrap(err, "dispatcher: connection handler error"))
			}
		}()
	}
}

func (d *Dispatcher) handle(ctx context.Context, conn net.Conn, pl *portListener) {
	source, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		d.logger.Error(dcerrors.Wrap(err, "dispatcher: unexpected remote address"))
		return
	}

	decision := d.admission.Check(source, time.Now())
	if !decision.Allowed {
		d.logger.Debugf("dispatcher: denying `%s` on port %d: %s", source, pl.port, decision.Reason)
		d.bump(d.metrics.Denials, decision.Reason)
		if !decision.Banned {
			// The check itself installed the ban.
			d.bump(d.metrics.Bans, decision.Reason)
		}
		_, _ = conn.Write([]byte(decision.Message() + "\r\n"))
		return
	}

	d.bump(d.metrics.Connections, pl.port)

	if pl.classifierOnly {
		d.handleClassifierRequest(ctx, conn)
		return
	}

	if banner := d.responses.Banner(pl.port); banner != "" {
		if _, err := conn.Write([]byte(banner)); err != nil {
			return
		}
	}

	session := uuid.New().String()
	d.logger.Debugf("dispatcher: session %s: `%s` on port %d", session, source, pl.port)

	buf := make([]byte, config.ConnReadBufferLength)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(d.cfg.IdleTimeout)); err != nil {
			return
		}
		n, err := conn.Read(buf)
		if err != nil {
			// Idle timeouts and client-side closes both end the session.
			return
		}
		if n == 0 {
			continue
		}

		now := time.Now()
		data := strings.TrimRight(string(buf[:n]), "\r\n")
		snapshot := d.profiles.RecordAttempt(source, data, now)
		pers := d.classifier.Classify(snapshot, now)
		if d.admission.NoteClassification(source, pers, now) {
			d.bump(d.metrics.Bans, pers.String())
		}

		d.bump(d.metrics.Personalities, pers.String())
		d.emit(record.NewActivityEvent(now, source, pl.port, data, snapshot.AttemptCount, pers.String(), session))

		if _, err := conn.Write(d.responses.Respond(ctx, pl.port, pers, buf[:n])); err != nil {
			return
		}
		// A flooder got its refusal. Keeping the socket open would only give
		// it another window.
		if pers == personality.Flooder {
			return
		}
	}
}

// handleClassifierRequest serves the auxiliary port: one activity record in,
// one label out.
func (d *Dispatcher) handleClassifierRequest(ctx context.Context, conn net.Conn) {
	if err := conn.SetReadDeadline(time.Now().Add(d.cfg.IdleTimeout)); err != nil {
		return
	}
	buf := make([]byte, config.ConnReadBufferLength)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		return
	}

	label := config.ClassifierFallbackLabel
	if d.backend != nil {
		label = d.backend.ClassifyOrFallback(ctx, buf[:n])
	}
	_, _ = conn.Write([]byte(label + "\n"))
}

func (d *Dispatcher) bump(store *metrics.Store, key interface{}) {
	if store == nil {
		return
	}
	if err := store.Add(key, 1); err != nil {
		d.logger.Error(dcerrors.Wrap(err, "dispatcher: metrics error"))
	}
}

func (d *Dispatcher) track(conn net.Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns[conn] = struct{}{}
}

func (d *Dispatcher) untrack(conn net.Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.conns, conn)
}

func (d *Dispatcher) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *Dispatcher) closeConns() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for conn := range d.conns {
		_ = conn.Close()
	}
}
