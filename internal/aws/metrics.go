package aws

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Counter records a single occurrence of a named event.
type Counter interface {
	Count(ctx context.Context, name string, dims map[string]string)
}

// NopCounter discards everything.
type NopCounter struct{}

func (NopCounter) Count(context.Context, string, map[string]string) {}

const (
	// maxDatums is the PutMetricData per-request limit.
	maxDatums            = 1000
	defaultBufferSize    = 4096
	defaultFlushInterval = 10 * time.Second
)

// Metrics publishes counters to CloudWatch from a background goroutine.
// Count only enqueues; datums are sent in batches when a batch fills, on a
// timer, on Flush and on Close. When the buffer is full the datum is dropped.
type Metrics struct {
	client    CloudWatchAPI
	namespace string
	logger    *slog.Logger
	nowFunc   func() time.Time

	batchSize int
	interval  time.Duration

	queue   chan cwtypes.MetricDatum
	flushes chan chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// MetricsOption tunes a Metrics publisher.
type MetricsOption func(*Metrics)

// WithBufferSize sets how many datums may wait for the next flush.
func WithBufferSize(n int) MetricsOption {
	return func(m *Metrics) { m.queue = make(chan cwtypes.MetricDatum, n) }
}

// WithBatchSize caps datums per PutMetricData call (at most 1000).
func WithBatchSize(n int) MetricsOption {
	return func(m *Metrics) { m.batchSize = min(max(n, 1), maxDatums) }
}

// WithFlushInterval sets the timer flush period.
func WithFlushInterval(d time.Duration) MetricsOption { return func(m *Metrics) { m.interval = d } }

// NewMetrics starts a CloudWatch-backed Counter. Call Close on shutdown.
func NewMetrics(client CloudWatchAPI, namespace string, logger *slog.Logger, opts ...MetricsOption) *Metrics {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Metrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
		nowFunc:   time.Now,
		batchSize: maxDatums,
		interval:  defaultFlushInterval,
		flushes:   make(chan chan struct{}),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.queue == nil {
		m.queue = make(chan cwtypes.MetricDatum, defaultBufferSize)
	}
	go m.run()
	return m
}

// Count enqueues one datum and never waits on the network.
func (m *Metrics) Count(ctx context.Context, name string, dims map[string]string) {
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	dimensions := make([]cwtypes.Dimension, 0, len(keys))
	for _, k := range keys {
		dimensions = append(dimensions, cwtypes.Dimension{
			Name:  awsString(k),
			Value: awsString(dims[k]),
		})
	}

	one := 1.0
	ts := m.nowFunc()
	d := cwtypes.MetricDatum{
		MetricName: awsString(name),
		Dimensions: dimensions,
		Timestamp:  &ts,
		Unit:       cwtypes.StandardUnitCount,
		Value:      &one,
	}

	select {
	case <-m.stop:
		m.dropped.Add(1)
		return
	default:
	}
	select {
	case m.queue <- d:
	default:
		if m.dropped.Add(1)%100 == 1 {
			m.logger.WarnContext(ctx, "metrics buffer full, dropping datums", "metric", name, "dropped", m.dropped.Load())
		}
	}
}

// Dropped reports how many datums were discarded because the buffer was full
// or the publisher was closed.
func (m *Metrics) Dropped() int64 { return m.dropped.Load() }

// Flush sends everything enqueued so far. A Lambda handler calls it before
// returning, since the environment may be frozen between invocations.
func (m *Metrics) Flush(ctx context.Context) error {
	if m == nil {
		return nil
	}
	ack := make(chan struct{})
	select {
	case m.flushes <- ack:
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes what is left and stops the publisher. Later Counts are dropped.
func (m *Metrics) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.once.Do(func() { close(m.stop) })
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Metrics) run() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	batch := make([]cwtypes.MetricDatum, 0, m.batchSize)
	send := func() {
		if len(batch) == 0 {
			return
		}
		m.put(batch)
		batch = make([]cwtypes.MetricDatum, 0, m.batchSize)
	}
	add := func(d cwtypes.MetricDatum) {
		batch = append(batch, d)
		if len(batch) >= m.batchSize {
			send()
		}
	}
	drain := func() {
		for {
			select {
			case d := <-m.queue:
				add(d)
			default:
				send()
				return
			}
		}
	}

	for {
		select {
		case d := <-m.queue:
			add(d)
		case <-ticker.C:
			send()
		case ack := <-m.flushes:
			drain()
			close(ack)
		case <-m.stop:
			drain()
			return
		}
	}
}

func (m *Metrics) put(batch []cwtypes.MetricDatum) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  &m.namespace,
		MetricData: batch,
	})
	if err != nil {
		m.logger.Warn("put metric data failed", "datums", len(batch), "error", err)
	}
}
