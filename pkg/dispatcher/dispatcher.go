// Package dispatcher is the ingestion front door. Submissions are queued
// in FIFO order and a background loop fans each one out to every
// configured analyzer, collecting all outcomes.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gloomyglyph/FAAS/pkg/hasher"
	"github.com/gloomyglyph/FAAS/pkg/metrics"
	"github.com/gloomyglyph/FAAS/pkg/tracing"
	"github.com/gloomyglyph/FAAS/pkg/types"
)

var (
	ErrQueueFull = errors.New("dispatch queue full")
	ErrClosed    = errors.New("dispatcher closed")
)

// Analyzer is one fan-out target, in-process or remote
type Analyzer interface {
	Kind() types.BackendKind
	Receive(ctx context.Context, imageID string, data []byte) types.Response
}

// Outcome is one backend's answer for one submission
type Outcome struct {
	Backend  types.BackendKind
	Response types.Response
	Duration time.Duration
}

// Result collects every outcome of one fan-out
type Result struct {
	Submission types.Submission
	Outcomes   []Outcome
}

// Succeeded counts successful outcomes
func (r Result) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Response.Success {
			n++
		}
	}
	return n
}

type Config struct {
	Capacity       int
	InFlight       int // submissions fanned out at once
	BackendTimeout time.Duration
	OnFanOut       func(Result)
}

func DefaultConfig() Config {
	return Config{
		Capacity:       256,
		InFlight:       1,
		BackendTimeout: 30 * time.Second,
	}
}

type Dispatcher struct {
	cfg       Config
	analyzers []Analyzer
	queue     chan types.Submission
	slots     chan struct{}

	mu      sync.RWMutex
	closed  bool
	started bool

	trackMu sync.Mutex
	pending map[string]string // request_id -> image_id

	loopDone chan struct{}
	fanouts  sync.WaitGroup
}

func New(cfg Config, analyzers ...Analyzer) *Dispatcher {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.InFlight <= 0 {
		cfg.InFlight = def.InFlight
	}
	if cfg.BackendTimeout <= 0 {
		cfg.BackendTimeout = def.BackendTimeout
	}
	return &Dispatcher{
		cfg:       cfg,
		analyzers: analyzers,
		queue:     make(chan types.Submission, cfg.Capacity),
		slots:     make(chan struct{}, cfg.InFlight),
		pending:   make(map[string]string),
		loopDone:  make(chan struct{}),
	}
}

// Start launches the fan-out loop
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	go d.loop()

	kinds := make([]string, 0, len(d.analyzers))
	for _, a := range d.analyzers {
		kinds = append(kinds, string(a.Kind()))
	}
	log.Printf("[*] Dispatcher started: backends=%v capacity=%d in-flight=%d", kinds, d.cfg.Capacity, d.cfg.InFlight)
}

// Enqueue accepts a submission without blocking and returns its request id
func (d *Dispatcher) Enqueue(imageID string, data []byte) (string, error) {
	if imageID == "" {
		return "", fmt.Errorf("%w: image_id is required", types.ErrInput)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%w: image_data is empty", types.ErrInput)
	}

	sub := types.Submission{
		RequestID: uuid.NewString(),
		ImageID:   imageID,
		ImageData: data,
		Accepted:  time.Now().UTC(),
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return "", ErrClosed
	}

	d.track(sub.RequestID, imageID)
	select {
	case d.queue <- sub:
		metrics.Submissions.WithLabelValues("accepted").Inc()
		metrics.DispatchQueueDepth.Inc()
		return sub.RequestID, nil
	default:
		d.untrack(sub.RequestID)
		metrics.Submissions.WithLabelValues("rejected").Inc()
		return "", ErrQueueFull
	}
}

// Submit is the RPC entry point. Success means accepted for processing.
func (d *Dispatcher) Submit(ctx context.Context, imageID string, data []byte) types.Response {
	requestID, err := d.Enqueue(imageID, data)
	if err != nil {
		log.Printf("[✗] Submission rejected image_id=%s: %s", imageID, err)
		return types.Fail(err)
	}
	log.Printf("[→] Accepted image_id=%s request=%s (%d bytes)", imageID, requestID, len(data))
	return types.OK()
}

// Pending is the number of accepted submissions whose fan-out has not finished
func (d *Dispatcher) Pending() int {
	d.trackMu.Lock()
	defer d.trackMu.Unlock()
	return len(d.pending)
}

// Close stops intake and waits until queued submissions are fanned out
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	started := d.started
	close(d.queue)
	d.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		<-d.loopDone
		d.fanouts.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("[✓] Dispatcher drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher drain: %w", ctx.Err())
	}
}

func (d *Dispatcher) loop() {
	defer close(d.loopDone)
	for {
		d.slots <- struct{}{}
		sub, ok := <-d.queue
		if !ok {
			<-d.slots
			return
		}
		metrics.DispatchQueueDepth.Dec()

		d.fanouts.Add(1)
		go func(sub types.Submission) {
			defer d.fanouts.Done()
			defer func() { <-d.slots }()
			d.fanOut(sub)
		}(sub)
	}
}

func (d *Dispatcher) fanOut(sub types.Submission) {
	ctx, span := tracing.StartSpan(context.Background(), "dispatcher.fan_out",
		attribute.String("request_id", sub.RequestID),
		attribute.String("image_id", sub.ImageID),
	)
	defer span.End()

	short := hasher.Short(hasher.Hash(sub.ImageData))
	log.Printf("[*] Fan-out request=%s image_id=%s hash=%s to %d backends", sub.RequestID, sub.ImageID, short, len(d.analyzers))

	outcomes := make([]Outcome, len(d.analyzers))
	var wg sync.WaitGroup
	for i, a := range d.analyzers {
		wg.Add(1)
		go func(i int, a Analyzer) {
			defer wg.Done()
			outcomes[i] = d.call(ctx, a, sub)
		}(i, a)
	}
	wg.Wait()

	result := Result{Submission: sub, Outcomes: outcomes}
	for _, o := range outcomes {
		label := "success"
		if !o.Response.Success {
			label = "failure"
			log.Printf("[✗] %s failed for image_id=%s request=%s: %s", o.Backend, sub.ImageID, sub.RequestID, o.Response.ErrorMessage)
		}
		metrics.FanOutOutcomes.WithLabelValues(string(o.Backend), label).Inc()
	}
	span.SetAttributes(attribute.Int("succeeded", result.Succeeded()))
	log.Printf("[✓] Fan-out complete request=%s image_id=%s: %d/%d backends succeeded",
		sub.RequestID, sub.ImageID, result.Succeeded(), len(outcomes))

	d.untrack(sub.RequestID)
	if d.cfg.OnFanOut != nil {
		d.cfg.OnFanOut(result)
	}
}

// call runs one backend under the backend timeout. A panicking or stuck
// backend becomes a failed outcome.
func (d *Dispatcher) call(ctx context.Context, a Analyzer, sub types.Submission) Outcome {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.BackendTimeout)
	defer cancel()

	start := time.Now()
	ch := make(chan types.Response, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- types.Fail(fmt.Errorf("backend panic: %v", r))
			}
		}()
		ch <- a.Receive(ctx, sub.ImageID, sub.ImageData)
	}()

	var resp types.Response
	select {
	case resp = <-ch:
	case <-ctx.Done():
		resp = types.Fail(fmt.Errorf("%w: %s timed out after %v", types.ErrUpstreamUnavailable, a.Kind(), d.cfg.BackendTimeout))
	}
	return Outcome{Backend: a.Kind(), Response: resp, Duration: time.Since(start)}
}

func (d *Dispatcher) track(requestID, imageID string) {
	d.trackMu.Lock()
	d.pending[requestID] = imageID
	d.trackMu.Unlock()
}

func (d *Dispatcher) untrack(requestID string) {
	d.trackMu.Lock()
	delete(d.pending, requestID)
	d.trackMu.Unlock()
}
