// Package intake runs every normalized inbound message through deduplication
// and pairing, then hands the resolved complaint to the classifier, the row
// sinks and the acknowledgement sender.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/BTreeMap/ComplaintPipe/internal/metrics"
	"github.com/BTreeMap/ComplaintPipe/internal/models"
)

// Defaults for downstream processing.
const (
	DefaultMaxConcurrent     = 8
	DefaultDownstreamTimeout = 2 * time.Minute
)

// ErrProcessorClosed is returned by Handle once Wait has started draining.
var ErrProcessorClosed = errors.New("processor is shutting down")

// Outcome describes what Handle did with an event.
type Outcome string

const (
	// OutcomeAccepted means the event was paired and queued for downstream work.
	OutcomeAccepted Outcome = "accepted"
	// OutcomeDuplicate means the event id was already processed; nothing else happened.
	OutcomeDuplicate Outcome = "duplicate"
)

// Result is returned by Handle.
type Result struct {
	Outcome Outcome               `json:"outcome"`
	Pairing *models.PairingResult `json:"pairing,omitempty"`
}

// Deduper remembers processed event ids.
type Deduper interface {
	CheckAndMark(id string) (duplicate bool)
	Len() int
}

// Resolver produces the pairing decision for one event.
type Resolver interface {
	Resolve(msg models.InboundMessage) models.PairingResult
}

// Sizer reports the number of entries held by the association store.
type Sizer interface {
	Len() int
}

// Classifier turns complaint text and an optional image into structured fields.
type Classifier interface {
	Classify(ctx context.Context, text, imageURL string) (models.Classification, error)
}

// RowWriter is a destination for complaint rows (spreadsheet, archive).
type RowWriter interface {
	Name() string
	AppendRow(ctx context.Context, row models.ComplaintRow) error
}

// Acknowledger sends the confirmation message to the resident.
type Acknowledger interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds configuration options for the processor.
type Opts struct {
	MaxConcurrent     int64
	DownstreamTimeout time.Duration
	Writers           []RowWriter
	Acknowledger      Acknowledger
	AckText           func(models.ComplaintRow) string
	NewID             func() string
}

// Option defines a configuration option for the processor.
type Option func(*Opts)

// WithMaxConcurrent bounds simultaneous downstream jobs.
func WithMaxConcurrent(n int64) Option {
	return func(o *Opts) { o.MaxConcurrent = n }
}

// WithDownstreamTimeout bounds one job (classification, writes and ack).
func WithDownstreamTimeout(d time.Duration) Option {
	return func(o *Opts) { o.DownstreamTimeout = d }
}

// WithWriters sets the row sinks. Every row is offered to every writer.
func WithWriters(writers ...RowWriter) Option {
	return func(o *Opts) { o.Writers = append(o.Writers, writers...) }
}

// WithAcknowledger enables acknowledgements rendered by text.
func WithAcknowledger(ack Acknowledger, text func(models.ComplaintRow) string) Option {
	return func(o *Opts) {
		o.Acknowledger = ack
		o.AckText = text
	}
}

// WithIDGenerator overrides row id generation.
func WithIDGenerator(f func() string) Option {
	return func(o *Opts) { o.NewID = f }
}

// Stats is a point-in-time snapshot of processor counters.
type Stats struct {
	Accepted           int64                       `json:"accepted"`
	Duplicates         int64                       `json:"duplicates"`
	Invalid            int64                       `json:"invalid"`
	ByConfidence       map[models.Confidence]int64 `json:"by_confidence"`
	RowsWritten        int64                       `json:"rows_written"`
	ClassifierFailures int64                       `json:"classifier_failures"`
	SinkFailures       int64                       `json:"sink_failures"`
	AcksSent           int64                       `json:"acks_sent"`
	AckFailures        int64                       `json:"ack_failures"`
	InFlight           int64                       `json:"in_flight"`
	AssociationEntries int                         `json:"association_entries"`
	DedupEntries       int                         `json:"dedup_entries"`
}

type counters struct {
	accepted, duplicates, invalid                 atomic.Int64
	rowsWritten, classifierFailures, sinkFailures atomic.Int64
	acksSent, ackFailures, inFlight               atomic.Int64
	mu                                            sync.Mutex
	byConfidence                                  map[models.Confidence]int64
}

// Processor implements the per-event control flow.
type Processor struct {
	dedup      Deduper
	resolver   Resolver
	store      Sizer
	classifier Classifier
	cfg        Opts

	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	// lifecycle guards closed and wg.Add against a concurrent Wait.
	lifecycle sync.RWMutex
	closed    bool
	stats     counters
}

// NewProcessor wires the pairing core to the downstream collaborators.
func NewProcessor(dedup Deduper, resolver Resolver, store Sizer, classifier Classifier, opts ...Option) *Processor {
	cfg := Opts{
		MaxConcurrent:     DefaultMaxConcurrent,
		DownstreamTimeout: DefaultDownstreamTimeout,
		NewID:             uuid.NewString,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	ctx, cancel := context.WithCancel(context.Background())
	slog.Debug("Processor created", "max_concurrent", cfg.MaxConcurrent, "writers", len(cfg.Writers), "ack", cfg.Acknowledger != nil)
	return &Processor{
		dedup:      dedup,
		resolver:   resolver,
		store:      store,
		classifier: classifier,
		cfg:        cfg,
		sem:        semaphore.NewWeighted(cfg.MaxConcurrent),
		ctx:        ctx,
		cancel:     cancel,
		stats:      counters{byConfidence: make(map[models.Confidence]int64)},
	}
}

// Handle processes one inbound event. Duplicates return OutcomeDuplicate with
// no further effect. Accepted events are paired synchronously and the
// downstream work is queued; its failures never undo dedup or pairing state.
func (p *Processor) Handle(ctx context.Context, msg models.InboundMessage) (Result, error) {
	p.lifecycle.RLock()
	defer p.lifecycle.RUnlock()
	if p.closed {
		return Result{}, ErrProcessorClosed
	}
	if err := msg.Validate(); err != nil {
		p.stats.invalid.Add(1)
		slog.Warn("Processor.Handle: invalid message", "error", err, "id", msg.ID, "provider", msg.Provider)
		return Result{}, fmt.Errorf("invalid message: %w", err)
	}

	if p.dedup.CheckAndMark(msg.ID) {
		p.stats.duplicates.Add(1)
		metrics.DuplicatesTotal.Inc()
		slog.Debug("Processor.Handle: duplicate delivery dropped", "id", msg.ID, "provider", msg.Provider)
		p.updateGauges()
		return Result{Outcome: OutcomeDuplicate}, nil
	}
	metrics.EventsTotal.WithLabelValues(string(msg.Provider)).Inc()

	res := p.resolver.Resolve(msg)
	p.stats.accepted.Add(1)
	p.stats.mu.Lock()
	p.stats.byConfidence[res.Confidence]++
	p.stats.mu.Unlock()
	metrics.PairingTotal.WithLabelValues(string(res.Confidence)).Inc()
	p.updateGauges()
	slog.Info("Processor.Handle: message paired", "id", msg.ID, "sender", msg.Sender, "kind", msg.Kind, "confidence", res.Confidence)

	p.dispatch(msg, res)
	return Result{Outcome: OutcomeAccepted, Pairing: &res}, nil
}

// dispatch runs the downstream job in the background, bounded by the semaphore.
func (p *Processor) dispatch(msg models.InboundMessage, res models.PairingResult) {
	p.wg.Add(1)
	p.stats.inFlight.Add(1)
	metrics.DownstreamInFlight.Inc()
	go func() {
		defer func() {
			p.stats.inFlight.Add(-1)
			metrics.DownstreamInFlight.Dec()
			p.wg.Done()
		}()
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			slog.Error("Processor.dispatch: dropped before start", "id", msg.ID, "error", err)
			return
		}
		defer p.sem.Release(1)

		ctx := p.ctx
		if p.cfg.DownstreamTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.cfg.DownstreamTimeout)
			defer cancel()
		}
		p.process(ctx, msg, res)
	}()
}

// process classifies the complaint, writes the row to every sink and acknowledges.
func (p *Processor) process(ctx context.Context, msg models.InboundMessage, res models.PairingResult) {
	classification, err := p.classifier.Classify(ctx, res.Text, res.ImageURL)
	if err != nil {
		p.stats.classifierFailures.Add(1)
		metrics.ClassifierFailuresTotal.Inc()
		slog.Warn("Processor.process: classifier failed, recording fallback row", "id", msg.ID, "error", err)
		classification.Fallback = true
		classification.Normalize()
	}

	row := models.NewComplaintRow(p.cfg.NewID(), msg, res, classification)
	written := 0
	for _, w := range p.cfg.Writers {
		if err := w.AppendRow(ctx, row); err != nil {
			p.stats.sinkFailures.Add(1)
			metrics.SinkFailuresTotal.WithLabelValues(w.Name()).Inc()
			slog.Error("Processor.process: failed to write row", "sink", w.Name(), "row_id", row.ID, "error", err)
			continue
		}
		written++
	}
	if written > 0 {
		p.stats.rowsWritten.Add(1)
	}
	slog.Info("Processor.process: complaint recorded", "row_id", row.ID, "id", msg.ID, "category", row.Category, "status", row.Status, "sinks", written)

	if written == 0 || p.cfg.Acknowledger == nil || p.cfg.AckText == nil {
		return
	}
	if err := p.cfg.Acknowledger.SendMessage(ctx, msg.Sender, p.cfg.AckText(row)); err != nil {
		p.stats.ackFailures.Add(1)
		metrics.AcksTotal.WithLabelValues("failed").Inc()
		slog.Warn("Processor.process: acknowledgement failed", "to", msg.Sender, "error", err)
		return
	}
	p.stats.acksSent.Add(1)
	metrics.AcksTotal.WithLabelValues("sent").Inc()
}

func (p *Processor) updateGauges() {
	if p.store != nil {
		metrics.AssociationEntries.Set(float64(p.store.Len()))
	}
	metrics.DedupEntries.Set(float64(p.dedup.Len()))
}

// Wait stops accepting events and blocks until in-flight downstream work has
// finished or ctx is done, in which case remaining work is cancelled.
func (p *Processor) Wait(ctx context.Context) error {
	p.lifecycle.Lock()
	p.closed = true
	p.lifecycle.Unlock()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return fmt.Errorf("processor drain interrupted: %w", ctx.Err())
	}
}

// Stats returns a snapshot of the processor counters.
func (p *Processor) Stats() Stats {
	s := Stats{
		Accepted:           p.stats.accepted.Load(),
		Duplicates:         p.stats.duplicates.Load(),
		Invalid:            p.stats.invalid.Load(),
		RowsWritten:        p.stats.rowsWritten.Load(),
		ClassifierFailures: p.stats.classifierFailures.Load(),
		SinkFailures:       p.stats.sinkFailures.Load(),
		AcksSent:           p.stats.acksSent.Load(),
		AckFailures:        p.stats.ackFailures.Load(),
		InFlight:           p.stats.inFlight.Load(),
		DedupEntries:       p.dedup.Len(),
		ByConfidence:       make(map[models.Confidence]int64, len(models.AllConfidences)),
	}
	if p.store != nil {
		s.AssociationEntries = p.store.Len()
	}
	p.stats.mu.Lock()
	for _, c := range models.AllConfidences {
		s.ByConfidence[c] = p.stats.byConfidence[c]
	}
	p.stats.mu.Unlock()
	return s
}
