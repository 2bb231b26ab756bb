// Copyright (c) 2020 - 2021 Lurelab. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.lurelab.io/terms.html

// Package internal assembles and runs the decoy agent: configuration,
// passlists, behavior profiling, admission control, the connection dispatcher
// and the activity event pipeline.
package internal

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lurelab/decoy/internal/admission"
	"github.com/lurelab/decoy/internal/backend"
	"github.com/lurelab/decoy/internal/config"
	"github.com/lurelab/decoy/internal/dclib/dcerrors"
	"github.com/lurelab/decoy/internal/dclib/dcsafe"
	"github.com/lurelab/decoy/internal/dclib/dctime"
	"github.com/lurelab/decoy/internal/detector"
	"github.com/lurelab/decoy/internal/dispatcher"
	"github.com/lurelab/decoy/internal/metrics"
	"github.com/lurelab/decoy/internal/passlist"
	"github.com/lurelab/decoy/internal/personality"
	"github.com/lurelab/decoy/internal/plog"
	"github.com/lurelab/decoy/internal/profile"
	"github.com/lurelab/decoy/internal/record"
	"github.com/lurelab/decoy/internal/response"
)

// Start starts the decoy agent in its own goroutine.
func Start() {
	agentInstance.start()
}

// Stop gracefully stops the decoy agent and waits for it.
func Stop() {
	if agent := agentInstance.get(); agent != nil {
		agent.gracefulStop()
	}
}

var agentInstance agentInstanceType

// agent instance holder type with synchronization
type agentInstanceType struct {
	// The agent goroutine must be started once.
	// It will asynchronously set the instance pointer.
	startOnce sync.Once
	// Instance pointer access R/W lock.
	instanceAccessLock sync.RWMutex
	instance           *AgentType
}

func (instance *agentInstanceType) get() *AgentType {
	instance.instanceAccessLock.RLock()
	defer instance.instanceAccessLock.RUnlock()
	return instance.instance
}

func (instance *agentInstanceType) set(agent *AgentType) {
	instance.instanceAccessLock.Lock()
	defer instance.instanceAccessLock.Unlock()
	instance.instance = agent
}

// Start the agent and back-off restart it when unhandled errors or panics
// occur. Each nesting level of safe calls catches unhandled errors or panics
// of the lower levels: the outer goroutine retries the agent with a backoff
// sleep, the inner call runs the initialization and serve loop.
func (instance *agentInstanceType) start() {
	instance.startOnce.Do(func() {
		_ = dcsafe.Go(func() error {
			backoff := dctime.NewBackoff(time.Second, time.Hour, 2)
			logger := plog.NewLogger(plog.Info, os.Stderr, 0)
			for {
				err := dcsafe.Call(func() error {
					cfg, err := config.New(logger)
					if err != nil {
						logger.Error(dcerrors.Wrap(err, "agent disabled"))
						return nil
					}
					agent := New(cfg)
					if agent == nil {
						return nil
					}
					instance.set(agent)

					err = dcsafe.Call(agent.Serve)
					if err == nil {
						return nil
					}
					if panicErr, ok := err.(*dcsafe.PanicError); ok {
						// agent.Serve() panic-ed: return the wrapped error in order
						// to retry
						return panicErr.Unwrap()
					}
					return err
				})

				// No error: regular exit case of the agent.
				if err == nil {
					return nil
				}

				if _, ok := err.(*dcsafe.PanicError); ok {
					// Unexpected panic from the level above: stop retrying as it is
					// no longer reliable.
					logger.Error(err)
					return err
				}

				// An unhandled error was returned: retry
				logger.Error(errors.Wrap(err, "unexpected agent error"))
				d, max := backoff.Next()
				if max {
					logger.Error(errors.New("agent stopped: maximum agent retries reached"))
					break
				}
				logger.Error(errors.Errorf("retrying to start the agent in %s", d))
				time.Sleep(d)
			}
			return nil
		})
	})
}

// AgentType is the assembled decoy agent.
type AgentType struct {
	logger        *plog.Logger
	config        *config.Config
	metrics       *metrics.Engine
	staticMetrics staticMetrics
	profiles      *profile.Store
	admission     *admission.Controller
	dispatcher    *dispatcher.Dispatcher
	eventMng      *eventManager
	sink          *record.FileSink
	ctx           context.Context
	cancel        context.CancelFunc
	isDone        chan struct{}
}

type staticMetrics struct {
	connections,
	personalities,
	denials,
	bans,
	errors *metrics.Store
}

// Error channel buffer length.
const errorChanBufferLength = 256

// New returns the agent assembled from the given configuration, or nil when
// it cannot start, the cause having been logged.
func New(cfg *config.Config) *AgentType {
	logger := plog.NewLogger(cfg.LogLevel(), os.Stderr, errorChanBufferLength)
	logger.Infof("decoy agent starting")

	metricsEngine := metrics.NewEngine(logger)

	friends, err := passlist.NewStore(cfg.FriendlyPrefixes())
	if err != nil {
		logger.Error(dcerrors.Wrap(err, "agent: invalid friendly prefix list"))
		return nil
	}
	internalList, err := passlist.NewStore(cfg.InternalPrefixes())
	if err != nil {
		logger.Error(dcerrors.Wrap(err, "agent: invalid internal prefix list"))
		return nil
	}

	// Profile series are kept as long as the largest detector window needs.
	retention := cfg.FloodWindow()
	if w := cfg.SlowWindow(); w > retention {
		retention = w
	}
	profiles := profile.NewStore(retention)

	classifier := personality.NewClassifier(
		detector.FloodDetector{Window: cfg.FloodWindow(), Threshold: cfg.FloodThreshold()},
		detector.SlowConnDetector{Window: cfg.SlowWindow(), MaxCount: cfg.SlowMinCount(), MinDuration: cfg.SlowMinDuration()},
		cfg.AggressiveAttempts(),
		cfg.StrictAttempts(),
		friends,
		internalList,
		logger,
	)

	adm := admission.NewController(cfg.BanDuration(), profiles, classifier, logger)
	responses := response.NewEngine(cfg.ResponseDelay(), config.DefaultLurePaths, config.ServiceBanners)

	var backendClient *backend.Client
	if u := cfg.ClassifierURL(); u != "" {
		backendClient, err = backend.NewClient(u, logger)
		if err != nil {
			logger.Error(dcerrors.Wrap(err, "agent: could not create the classifier service client"))
			return nil
		}
	}

	sink := record.NewFileSink(cfg.ActivityLog(), cfg.ActivityLogMaxSize(), cfg.ActivityLogMaxAge())
	eventMng := newEventManager(logger, config.EventQueueDefaultLength, config.EventBatchLength, config.EventBatchMaxStaleness)

	static := staticMetrics{
		connections:   metricsEngine.NewStore("connections", config.AgentHeartbeat),
		personalities: metricsEngine.NewStore("personalities", config.AgentHeartbeat),
		denials:       metricsEngine.NewStore("denials", config.AgentHeartbeat),
		bans:          metricsEngine.NewStore("bans", config.AgentHeartbeat),
		errors:        metricsEngine.NewStore("errors", config.ErrorMetricsPeriod),
	}

	emit := func(e *record.ActivityEvent) {
		if err := eventMng.send(e); err != nil {
			logger.Error(err)
		}
	}

	disp := dispatcher.New(
		dispatcher.Config{
			BindAddress:    cfg.BindAddress(),
			Ports:          cfg.Ports(),
			ClassifierPort: cfg.ClassifierPort(),
			IdleTimeout:    cfg.IdleTimeout(),
			AcceptRate:     cfg.AcceptRate(),
			AcceptBurst:    cfg.AcceptBurst(),
		},
		adm,
		profiles,
		classifier,
		responses,
		backendClient,
		emit,
		dispatcher.Metrics{
			Connections:   static.connections,
			Personalities: static.personalities,
			Denials:       static.denials,
			Bans:          static.bans,
		},
		logger,
	)

	// AgentType graceful stopping using context cancellation.
	ctx, cancel := context.WithCancel(context.Background())
	return &AgentType{
		logger:        logger,
		config:        cfg,
		metrics:       metricsEngine,
		staticMetrics: static,
		profiles:      profiles,
		admission:     adm,
		dispatcher:    disp,
		eventMng:      eventMng,
		sink:          sink,
		ctx:           ctx,
		cancel:        cancel,
		isDone:        make(chan struct{}),
	}
}

// Serve runs the agent main loop until gracefully stopped.
func (a *AgentType) Serve() error {
	defer func() {
		// Signal we are done
		close(a.isDone)
		a.logger.Info("agent stopped")
	}()

	if err := a.dispatcher.Listen(); err != nil {
		return err
	}

	eventDone := make(chan error, 1)
	go func() {
		eventDone <- dcsafe.Call(func() error {
			a.eventMng.Loop(a.ctx, a.sink)
			return nil
		})
	}()

	dispatcherDone := make(chan error, 1)
	go func() {
		dispatcherDone <- dcsafe.Call(func() error {
			return a.dispatcher.Serve(a.ctx)
		})
	}()

	a.logger.Debugf("agent: heartbeat ticker set to %s", config.AgentHeartbeat)
	ticker := time.Tick(config.AgentHeartbeat)
	a.logger.Info("agent: up and running")

	for {
		select {
		case <-ticker:
			a.logger.Debug("heartbeat")
			now := time.Now()
			if swept := a.profiles.SweepIdle(config.ProfileIdleTimeout, now); swept > 0 {
				a.logger.Debugf("agent: swept %d idle profile(s)", swept)
			}
			for id, ready := range a.metrics.ReadyMetrics() {
				a.logger.Infof("metrics: %s [%s, %s]: %v", id, ready.Start().Format(plog.TimestampLayout), ready.Finish().Format(plog.TimestampLayout), ready.Metrics())
			}
			a.logger.Debugf("agent: %d profile(s), %d active ban(s)", a.profiles.Len(), a.admission.BanCount())

		case <-a.ctx.Done():
			// The context was canceled because of an interrupt signal: wait for
			// the dispatcher and the event pipeline, then close the sink.
			if err := <-dispatcherDone; err != nil {
				a.logger.Error(dcerrors.Wrap(err, "agent: dispatcher stop error"))
			}
			if err := <-eventDone; err != nil {
				a.logger.Error(dcerrors.Wrap(err, "agent: event manager stop error"))
			}
			if err := a.sink.Close(); err != nil {
				a.logger.Error(dcerrors.Wrap(err, "agent: could not close the activity log"))
			}
			return nil

		case err := <-dispatcherDone:
			// Unexpected dispatcher exit while the agent is running.
			return err

		case err := <-eventDone:
			// Unexpected event manager exit as it should stop when the agent
			// stops.
			return err

		case err := <-a.logger.ErrChan():
			// Logged errors are counted in the error metrics.
			if err := a.staticMetrics.errors.Add(err.Error(), 1); err != nil {
				a.logger.Debug("agent: could not count the error: ", err)
			}
		}
	}
}

func (a *AgentType) gracefulStop() {
	a.cancel()
	<-a.isDone
}
