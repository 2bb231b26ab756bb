// Copyright (c) 2020 - 2021 Lurelab. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.lurelab.io/terms.html

package internal

import (
	"context"
	"time"

	"github.com/lurelab/decoy/internal/dclib/dcerrors"
	"github.com/lurelab/decoy/internal/plog"
	"github.com/lurelab/decoy/internal/record"
)

// eventManager batches activity events and writes them to the sink, so that
// connection handlers never block on disk IO.
type eventManager struct {
	logger       plog.DebugLevelLogger
	count        int
	eventsChan   chan *record.ActivityEvent
	maxStaleness time.Duration
}

func newEventManager(logger plog.DebugLevelLogger, queueLen, count int, maxStaleness time.Duration) *eventManager {
	return &eventManager{
		logger:       logger,
		eventsChan:   make(chan *record.ActivityEvent, queueLen),
		count:        count,
		maxStaleness: maxStaleness,
	}
}

func (m *eventManager) send(e *record.ActivityEvent) error {
	select {
	case m.eventsChan <- e:
		return nil
	default:
		// The channel buffer is full - drop this new event
		return dcerrors.New("event dropped: the event channel is full")
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func (m *eventManager) Loop(ctx context.Context, sink record.Appender) {
	var (
		// We can't create a stopped timer so we initialize it with a large value
		// of 24 hours and stop it immediately. Calls to Reset() will correctly
		// set the configured timer value.
		stalenessTimer = time.NewTimer(24 * time.Hour)
		stalenessChan  <-chan time.Time
	)
	stopTimer(stalenessTimer)
	defer stopTimer(stalenessTimer)

	batch := make([]*record.ActivityEvent, 0, m.count)
	for {
		select {
		case <-ctx.Done():
			// Flush whatever is left before leaving.
			m.writeBatch(sink, batch)
			return

		case <-stalenessChan:
			m.logger.Debug("event batch data staleness reached")
			m.writeBatch(sink, batch)
			batch = batch[0:0]
			stalenessChan = nil

		case event := <-m.eventsChan:
			batch = append(batch, event)

			batchLen := len(batch)
			switch {
			case batchLen == 1:
				stalenessTimer.Reset(m.maxStaleness)
				stalenessChan = stalenessTimer.C
				m.logger.Debug("batching events for ", m.maxStaleness)

			case batchLen >= m.count:
				// No more room in the batch
				m.logger.Debugf("writing the batch of %d events", batchLen)
				m.writeBatch(sink, batch)
				batch = batch[0:0]
				stalenessChan = nil
				stopTimer(stalenessTimer)
			}
		}
	}
}

func (m *eventManager) writeBatch(sink record.Appender, batch []*record.ActivityEvent) {
	if len(batch) == 0 {
		return
	}
	if err := sink.Append(batch...); err != nil {
		// Log the error and drop the batch
		m.logger.Error(dcerrors.Wrap(err, "could not write the event batch"))
	}
}
