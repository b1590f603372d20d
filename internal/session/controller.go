// Package session orchestrates one acquisition run: it drives the sampler, streams samples to
// the inference service, keeps running statistics and finalizes the run into an export
// document handed to the registry and the configured writers.
package session

import (
	"FlowDAQ/internal/acquisition"
	"FlowDAQ/internal/clock"
	"FlowDAQ/internal/export"
	"FlowDAQ/internal/inference"
	"FlowDAQ/internal/model"
	"FlowDAQ/internal/stats"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultFinalizeTimeout bounds the automatic finalize that runs when a session finishes.
const DefaultFinalizeTimeout = 30 * time.Second

// registrySink is the name the registry is reported under in persist errors.
const registrySink = "registry"

// Config describes the run a controller acquires.
type Config struct {
	FileName        string
	DurationSeconds float64
	SampleRateHz    float64
	Channels        []model.Channel
	ModelVersion    string
}

// Predictor streams sample values to a classifier and reports back through an
// inference.Handler. *inference.Client implements it.
type Predictor interface {
	SetHandler(h inference.Handler)
	Enable(nSensors int)
	Disable()
	Send(values []float64) bool
}

// Options holds the controller's collaborators. Every field is optional.
type Options struct {
	Clock     clock.Clock
	Generator acquisition.Generator
	Predictor Predictor
	Registry  model.RunRegistry
	Publisher model.Publisher
	Writers   []model.Writer
	// FinalizeTimeout bounds the automatic finalize on Stop or completion.
	FinalizeTimeout time.Duration
}

// Snapshot is a read-only view of the controller state.
type Snapshot struct {
	RunID          string
	FileName       string
	Status         model.Status
	StartedAt      time.Time
	Elapsed        float64
	Planned        int
	SampleCount    int
	Channels       []string
	Statistics     []model.ChannelStatistics
	Classification model.ClassificationEvent
	Connection     inference.Status
	FillHave       int
	FillNeed       int
	Persisted      bool
}

// Controller owns the lifecycle of one session at a time: Ready, Running, then Completed or
// Stopped. It is safe for concurrent use.
type Controller struct {
	cfg  Config
	opts Options

	// lifecycleMu serializes Start, Stop and Reset.
	lifecycleMu sync.Mutex

	mu             sync.Mutex
	status         model.Status
	session        model.Session
	meta           model.RunMetadata
	agg            *stats.Aggregator
	sampler        *acquisition.Sampler
	classification model.ClassificationEvent
	connection     inference.Status
	fillHave       int
	fillNeed       int
	finished       chan struct{}
	finishedClosed bool
	lastErr        error

	// finalizeMu serializes Finalize; the fields below it are guarded by it.
	finalizeMu sync.Mutex
	document   []byte
	run        *model.FinishedRun
	stored     map[string]bool
	persisted  bool

	events broadcaster
}

// New creates a controller in the Ready state.
func New(cfg Config, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Generator == nil {
		opts.Generator = acquisition.NewSyntheticGenerator(time.Now().UnixNano())
	}
	if opts.Predictor == nil {
		opts.Predictor = nopPredictor{}
	}
	if opts.FinalizeTimeout <= 0 {
		opts.FinalizeTimeout = DefaultFinalizeTimeout
	}
	c := &Controller{
		cfg:            cfg,
		opts:           opts,
		classification: model.UnknownClassification(),
		finished:       make(chan struct{}),
	}
	opts.Predictor.SetHandler(predictorEvents{c})
	return c
}

// Start allocates a run, enables the predictor and starts sampling. It is valid only from Ready.
// The t=0 sample has been recorded when Start returns.
func (c *Controller) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.mu.Lock()
	status := c.status
	c.mu.Unlock()
	if status != model.StatusReady {
		return transitionError("start", status)
	}

	channels := model.ActiveChannelIDs(c.cfg.Channels)
	plan := acquisition.Plan{
		DurationSeconds: c.cfg.DurationSeconds,
		SampleRateHz:    c.cfg.SampleRateHz,
		Channels:        channels,
	}
	if err := plan.Validate(); err != nil {
		return fmt.Errorf("invalid session config: %w", err)
	}

	startedAt := c.opts.Clock.Now().UTC().Truncate(time.Millisecond)
	meta := model.RunMetadata{
		CreatedAt:       startedAt,
		FileName:        c.cfg.FileName,
		StartedAt:       startedAt,
		SampleRateHz:    c.cfg.SampleRateHz,
		DurationSeconds: c.cfg.DurationSeconds,
		Channels:        channels,
		ModelVersion:    c.cfg.ModelVersion,
		Status:          model.RunWriting,
	}

	runID := uuid.NewString()
	if c.opts.Registry != nil {
		id, err := c.opts.Registry.StartRun(ctx, meta)
		if err != nil {
			return fmt.Errorf("failed to register run: %w", err)
		}
		runID = id
	}
	meta.ID = runID

	sampler := acquisition.NewSampler(plan, c.opts.Clock, c.opts.Generator, samplerEvents{c})

	c.mu.Lock()
	c.status = model.StatusRunning
	c.session = model.Session{
		ID:              runID,
		FileName:        c.cfg.FileName,
		StartedAt:       startedAt,
		DurationSeconds: c.cfg.DurationSeconds,
		SampleRateHz:    c.cfg.SampleRateHz,
		ActiveChannels:  channels,
		Samples:         make([]model.Sample, 0, plan.Planned()),
		Status:          model.StatusRunning,
	}
	c.meta = meta
	c.agg = stats.NewAggregator(channels)
	c.sampler = sampler
	c.classification = model.UnknownClassification()
	c.fillHave, c.fillNeed = 0, 0
	c.finished = make(chan struct{})
	c.finishedClosed = false
	c.lastErr = nil
	c.mu.Unlock()

	c.finalizeMu.Lock()
	c.document, c.run, c.stored, c.persisted = nil, nil, make(map[string]bool), false
	c.finalizeMu.Unlock()

	log.Printf("Session %s started: %d channels, %.2fs at %g Hz (%d samples planned).",
		runID, len(channels), c.cfg.DurationSeconds, c.cfg.SampleRateHz, plan.Planned())
	c.statusChanged(runID, model.StatusRunning)

	c.opts.Predictor.Enable(len(channels))
	if err := sampler.Start(); err != nil {
		// The plan was validated above, so this only happens on programmer error.
		return fmt.Errorf("failed to start sampler: %w", err)
	}
	return nil
}

// Stop cancels acquisition and finalizes the samples collected so far. It is valid only from
// Running. The returned error, if any, is a *PersistError from the automatic finalize; the
// session is Stopped regardless.
func (c *Controller) Stop(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.mu.Lock()
	if c.status != model.StatusRunning {
		status := c.status
		c.mu.Unlock()
		return transitionError("stop", status)
	}
	c.status = model.StatusStopped
	c.session.Status = model.StatusStopped
	sampler := c.sampler
	runID := c.session.ID
	c.mu.Unlock()

	sampler.Stop()
	c.opts.Predictor.Disable()

	log.Printf("Session %s stopped after %.2fs.", runID, sampler.Elapsed())
	c.statusChanged(runID, model.StatusStopped)
	return c.finalizeOnFinish(ctx)
}

// Reset returns a finished session to Ready, discarding its samples. Reset on a Ready
// controller is a no-op. A session that completed on its own is reset only after its automatic
// finalize has returned.
func (c *Controller) Reset() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.mu.Lock()
	status := c.status
	if status == model.StatusRunning {
		c.mu.Unlock()
		return transitionError("reset", status)
	}
	if status == model.StatusReady {
		c.mu.Unlock()
		return nil
	}
	finished := c.finished
	c.mu.Unlock()

	// Completion finalizes on the sampler goroutine, outside lifecycleMu.
	<-finished

	c.mu.Lock()
	runID := c.session.ID
	c.status = model.StatusReady
	c.session = model.Session{}
	c.meta = model.RunMetadata{}
	c.agg = nil
	c.sampler = nil
	c.classification = model.UnknownClassification()
	c.mu.Unlock()

	c.finalizeMu.Lock()
	if !c.persisted && c.document != nil {
		log.Printf("Session %s reset before it was persisted; its data is discarded.", runID)
	}
	c.document, c.run, c.stored, c.persisted = nil, nil, nil, false
	c.finalizeMu.Unlock()

	c.statusChanged(runID, model.StatusReady)
	return nil
}

// Finalize encodes the finished session and persists it to the registry and every writer.
// The document is encoded once; repeated calls return without side effects once persistence
// succeeded, and retry only the destinations that failed otherwise.
func (c *Controller) Finalize(ctx context.Context) error {
	c.finalizeMu.Lock()
	defer c.finalizeMu.Unlock()

	c.mu.Lock()
	if !c.status.Finished() {
		status := c.status
		c.mu.Unlock()
		return fmt.Errorf("finalize from %s: %w", status, ErrNotFinished)
	}
	if c.document == nil {
		c.buildRunLocked()
	}
	c.mu.Unlock()

	if c.persisted {
		return nil
	}

	run := c.run
	var errs []error
	if c.opts.Registry != nil && !c.stored[registrySink] {
		header := export.Header(run.Channels)
		if err := c.opts.Registry.FinalizeRun(ctx, run.Meta.ID, run.Samples, header, run.Meta); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", registrySink, err))
		} else {
			c.stored[registrySink] = true
		}
	}
	for _, w := range c.opts.Writers {
		if c.stored[w.Name()] {
			continue
		}
		if err := w.Write(ctx, run); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", w.Name(), err))
			continue
		}
		c.stored[w.Name()] = true
	}

	if len(errs) > 0 {
		err := &PersistError{RunID: run.Meta.ID, Err: errors.Join(errs...)}
		log.Printf("Error finalizing session: %v", err)
		c.events.publish(Event{Type: EventWarning, RunID: run.Meta.ID, Warning: "persistence failed", Err: err})
		return err
	}

	c.persisted = true
	log.Printf("Session %s finalized: %d samples, %d bytes.", run.Meta.ID, len(run.Samples), len(run.Document))
	c.events.publish(Event{Type: EventFinalized, RunID: run.Meta.ID})
	return nil
}

// buildRunLocked encodes the export document and freezes the run handed to sinks. c.mu and
// c.finalizeMu must be held.
func (c *Controller) buildRunLocked() {
	samples := append([]model.Sample(nil), c.session.Samples...)
	channels := c.session.ActiveChannels
	regimen := export.DominantLabel(samples, c.classification.Label)

	meta := c.meta
	meta.Rows = len(samples)
	meta.DominantRegimen = regimen

	doc := export.Encode(export.Document{
		FileName:     c.session.FileName,
		StartedAt:    c.session.StartedAt,
		SampleRateHz: c.session.SampleRateHz,
		Channels:     channels,
		Samples:      samples,
		Regimen:      regimen,
	})
	c.document = doc
	c.run = &model.FinishedRun{
		Meta:       meta,
		Channels:   channels,
		Samples:    samples,
		Statistics: c.agg.Snapshot(),
		Document:   doc,
	}
}

func (c *Controller) finalizeOnFinish(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.FinalizeTimeout)
	defer cancel()

	err := c.Finalize(ctx)

	c.mu.Lock()
	c.lastErr = err
	if !c.finishedClosed {
		c.finishedClosed = true
		close(c.finished)
	}
	c.mu.Unlock()
	return err
}

// Document returns the cached export document, or nil before the first Finalize.
func (c *Controller) Document() []byte {
	c.finalizeMu.Lock()
	defer c.finalizeMu.Unlock()
	if c.document == nil {
		return nil
	}
	return append([]byte(nil), c.document...)
}

// Finished returns a channel that is closed once the current session has finished and its
// automatic finalize has returned.
func (c *Controller) Finished() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

// Err returns the result of the most recent automatic finalize.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Samples returns a copy of the samples recorded so far.
func (c *Controller) Samples() []model.Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Sample(nil), c.session.Samples...)
}

// Snapshot returns the current state without modifying it.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		RunID:          c.session.ID,
		FileName:       c.cfg.FileName,
		Status:         c.status,
		StartedAt:      c.session.StartedAt,
		Planned:        model.PlannedSamples(c.cfg.DurationSeconds, c.cfg.SampleRateHz),
		SampleCount:    len(c.session.Samples),
		Channels:       append([]string(nil), c.session.ActiveChannels...),
		Classification: c.classification,
		Connection:     c.connection,
		FillHave:       c.fillHave,
		FillNeed:       c.fillNeed,
	}
	if n := len(c.session.Samples); n > 0 {
		snap.Elapsed = c.session.Samples[n-1].Time
	}
	agg := c.agg
	c.mu.Unlock()

	if agg != nil {
		snap.Statistics = agg.Snapshot()
	}
	c.finalizeMu.Lock()
	snap.Persisted = c.persisted
	c.finalizeMu.Unlock()
	return snap
}

// Subscribe registers an observer. Events are dropped for a subscriber whose buffer is full.
// The returned function unsubscribes and closes the channel.
func (c *Controller) Subscribe(buffer int) (<-chan Event, func()) {
	return c.events.subscribe(buffer)
}

func (c *Controller) onSample(index int, s model.Sample) {
	c.mu.Lock()
	if c.status != model.StatusRunning {
		c.mu.Unlock()
		return
	}
	s.Regimen = c.classification.Label
	c.session.Samples = append(c.session.Samples, s)
	c.agg.Add(s)
	runID := c.session.ID
	values := s.OrderedValues(c.session.ActiveChannels)
	c.mu.Unlock()

	c.opts.Predictor.Send(values)
	if c.opts.Publisher != nil {
		if err := c.opts.Publisher.PublishSample(runID, index, s); err != nil {
			log.Printf("Error publishing sample %d: %v", index, err)
		}
	}
	c.events.publish(Event{Type: EventSample, RunID: runID, Index: index, Sample: s})
}

func (c *Controller) onComplete() {
	c.mu.Lock()
	if c.status != model.StatusRunning {
		c.mu.Unlock()
		return
	}
	c.status = model.StatusCompleted
	c.session.Status = model.StatusCompleted
	runID := c.session.ID
	n := len(c.session.Samples)
	c.mu.Unlock()

	c.opts.Predictor.Disable()
	log.Printf("Session %s completed with %d samples.", runID, n)
	c.statusChanged(runID, model.StatusCompleted)
	c.finalizeOnFinish(context.Background())
}

func (c *Controller) statusChanged(runID string, status model.Status) {
	if c.opts.Publisher != nil {
		if err := c.opts.Publisher.PublishStatus(runID, status); err != nil {
			log.Printf("Error publishing status: %v", err)
		}
	}
	c.events.publish(Event{Type: EventStatus, RunID: runID, Status: status})
}

type samplerEvents struct{ c *Controller }

func (e samplerEvents) OnSample(index int, s model.Sample) { e.c.onSample(index, s) }
func (e samplerEvents) OnComplete() { e.c.onComplete() }

type predictorEvents struct{ c *Controller }

func (e predictorEvents) OnStatus(s inference.Status) {
	c := e.c
	c.mu.Lock()
	c.connection = s
	runID := c.session.ID
	c.mu.Unlock()
	c.events.publish(Event{Type: EventConnection, RunID: runID, Connection: s})
}

func (e predictorEvents) OnPrediction(ev model.ClassificationEvent) {
	c := e.c
	c.mu.Lock()
	if c.status != model.StatusRunning {
		c.mu.Unlock()
		return
	}
	c.classification = ev
	runID := c.session.ID
	c.mu.Unlock()

	if c.opts.Publisher != nil {
		if err := c.opts.Publisher.PublishClassification(runID, ev); err != nil {
			log.Printf("Error publishing classification: %v", err)
		}
	}
	c.events.publish(Event{Type: EventClassification, RunID: runID, Classification: ev})
}

func (e predictorEvents) OnServerError(msg string) {
	e.c.warn(msg, nil)
}

func (e predictorEvents) OnProtocolError(err error) {
	e.c.warn(err.Error(), err)
}

func (e predictorEvents) OnFilling(have, need int) {
	c := e.c
	c.mu.Lock()
	c.fillHave, c.fillNeed = have, need
	c.mu.Unlock()
}

func (c *Controller) warn(msg string, err error) {
	c.mu.Lock()
	runID := c.session.ID
	c.mu.Unlock()
	c.events.publish(Event{Type: EventWarning, RunID: runID, Warning: msg, Err: err})
}

type nopPredictor struct{}

func (nopPredictor) SetHandler(inference.Handler) {}
func (nopPredictor) Enable(int) {}
func (nopPredictor) Disable() {}
func (nopPredictor) Send([]float64) bool { return false }
