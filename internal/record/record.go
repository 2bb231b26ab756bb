// Copyright (c) 2020 - 2021 Lurelab. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.lurelab.io/terms.html

// Package record defines the activity event record and its JSON sink. The
// record field names are part of the log file format consumed by the offline
// classifier pipeline and must not change.
package record

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/lurelab/decoy/internal/dclib/dcerrors"
	"gopkg.in/natefinch/lumberjack.v2"
)

// TimestampLayout is the time format of activity event timestamps.
const TimestampLayout = "2006-01-02T15:04:05.999999"

// ActivityEvent is a single observed command on a decoy session.
type ActivityEvent struct {
	Timestamp   string `json:"timestamp"`
	RemoteIP    string `json:"remote_ip"`
	Port        int    `json:"port"`
	Data        string `json:"data"`
	Attempts    int    `json:"attempts"`
	Personality string `json:"personality"`
	Session     string `json:"session"`
}

// NewActivityEvent returns an event stamped with the given time.
func NewActivityEvent(t time.Time, remoteIP string, port int, data string, attempts int, personality, session string) *ActivityEvent {
	return &ActivityEvent{
		Timestamp:   t.Format(TimestampLayout),
		RemoteIP:    remoteIP,
		Port:        port,
		Data:        data,
		Attempts:    attempts,
		Personality: personality,
		Session:     session,
	}
}

// Appender appends activity events to a sink.
type Appender interface {
	Append(events ...*ActivityEvent) error
}

// FileSink appends events to a size- and age-rotated file, one JSON object
// per line.
type FileSink struct {
	mu  sync.Mutex
	out *lumberjack.Logger
	enc *json.Encoder
}

// NewFileSink returns a sink writing to the given file. maxSize is in
// megabytes and maxAge in days, zero values disabling the corresponding
// rotation rule.
func NewFileSink(filename string, maxSize, maxAge int) *FileSink {
	out := &lumberjack.Logger{
		Filename: filename,
		MaxSize:  maxSize,
		MaxAge:   maxAge,
	}
	return &FileSink{
		out: out,
		enc: json.NewEncoder(out),
	}
}

// Append writes the given events to the file. The sink stays usable after an
// error, the failed event being lost.
func (s *FileSink) Append(events ...*ActivityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs dcerrors.ErrorCollection
	for _, event := range events {
		if err := s.enc.Encode(event); err != nil {
			errs.Add(dcerrors.Wrap(err, "could not write the activity event"))
		}
	}
	return errs.ToError()
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Close()
}

var _ io.Closer = (*FileSink)(nil)
