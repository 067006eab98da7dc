package scheduler

import (
	"math"
	"sync"
	"time"

	"github.com/ethpandaops/querybenchoor/pkg/model"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultEventBuffer is the capacity of the collector channels.
	DefaultEventBuffer = 256

	// maxErrorMessage caps stored error messages in bytes.
	maxErrorMessage = 4096
)

// Collector aggregates records produced by concurrent tasks. Producers
// send through a channel; a single consumer goroutine owns the aggregate
// and forwards every accepted record to the event stream.
type Collector struct {
	log       logrus.FieldLogger
	in        chan model.ExecutionRecord
	events    chan model.ExecutionRecord
	records   []model.ExecutionRecord
	seen      map[model.RecordKey]struct{}
	dropped   int
	done      chan struct{}
	closeOnce sync.Once
}

// NewCollector starts the consumer goroutine. Events must be drained by
// the caller until the channel is closed.
func NewCollector(log logrus.FieldLogger, buffer int) *Collector {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}

	c := &Collector{
		log:     log.WithField("component", "collector"),
		in:      make(chan model.ExecutionRecord, buffer),
		events:  make(chan model.ExecutionRecord, buffer),
		records: make([]model.ExecutionRecord, 0, buffer),
		seen:    make(map[model.RecordKey]struct{}, buffer),
		done:    make(chan struct{}),
	}

	go c.consume()

	return c
}

// Append hands a record to the consumer. Safe for concurrent use; must not
// be called after Close.
func (c *Collector) Append(rec model.ExecutionRecord) {
	c.in <- rec
}

// Close signals that no more records will be appended.
func (c *Collector) Close() {
	c.closeOnce.Do(func() { close(c.in) })
}

// Events streams accepted records in arrival order.
func (c *Collector) Events() <-chan model.ExecutionRecord {
	return c.events
}

// Drain blocks until the consumer has processed every appended record and
// returns the aggregate. Close must have been called.
func (c *Collector) Drain() []model.ExecutionRecord {
	<-c.done

	out := make([]model.ExecutionRecord, len(c.records))
	copy(out, c.records)

	return out
}

// Dropped returns the number of duplicate records rejected. Valid after
// Drain returned.
func (c *Collector) Dropped() int {
	<-c.done

	return c.dropped
}

func (c *Collector) consume() {
	defer close(c.done)
	defer close(c.events)

	for rec := range c.in {
		key := rec.Key()
		if _, dup := c.seen[key]; dup {
			c.dropped++

			c.log.WithField("record", key.String()).Warn("Dropping duplicate execution record")

			continue
		}

		c.seen[key] = struct{}{}

		normalize(&rec)

		c.records = append(c.records, rec)
		c.events <- rec
	}
}

// normalize enforces record invariants before aggregation.
func normalize(rec *model.ExecutionRecord) {
	if rec.DurationMS < 0 || math.IsNaN(rec.DurationMS) {
		rec.DurationMS = 0
	}

	if rec.BackendDurationMS < 0 || math.IsNaN(rec.BackendDurationMS) {
		rec.BackendDurationMS = 0
	}

	if rec.Attempts < 1 {
		rec.Attempts = 1
	}

	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = time.Now().UTC()
	}

	switch rec.Status {
	case model.ExecutionSuccess:
		rec.ErrorKind = ""
		rec.ErrorMessage = ""
	default:
		rec.Status = model.ExecutionError
		rec.RowCount = 0

		if rec.ErrorKind == "" {
			rec.ErrorKind = model.ErrorKindRuntime
		}
	}

	if len(rec.ErrorMessage) > maxErrorMessage {
		rec.ErrorMessage = rec.ErrorMessage[:maxErrorMessage]
	}
}
