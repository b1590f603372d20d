// Package acquisition produces the timed, multi-channel sample stream of a session.
package acquisition

import (
	"FlowDAQ/internal/clock"
	"FlowDAQ/internal/model"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrAlreadyStarted is returned by Start on a sampler that has already been started.
var ErrAlreadyStarted = errors.New("acquisition: sampler already started")

// Plan describes one bounded acquisition run.
type Plan struct {
	DurationSeconds float64
	SampleRateHz    float64
	Channels        []string
}

// Validate checks that the plan describes a run that can produce samples.
func (p Plan) Validate() error {
	if p.DurationSeconds <= 0 {
		return fmt.Errorf("duration must be positive, got %v", p.DurationSeconds)
	}
	if p.SampleRateHz <= 0 {
		return fmt.Errorf("sample rate must be positive, got %v", p.SampleRateHz)
	}
	if len(p.Channels) == 0 {
		return fmt.Errorf("at least one active channel is required")
	}
	return nil
}

// Planned returns the number of samples an uninterrupted run produces.
func (p Plan) Planned() int {
	return model.PlannedSamples(p.DurationSeconds, p.SampleRateHz)
}

// Handler receives the sampler's output. Calls are serialized. A Handler must not call
// Sampler.Stop from inside a callback.
type Handler interface {
	// OnSample is called once per sample; index is zero-based.
	OnSample(index int, s model.Sample)
	// OnComplete is called once after the boundary sample of an uninterrupted run.
	OnComplete()
}

// Sampler emits one sample at t=0 and then one per tick of 1/rate seconds. A run that is not
// stopped ends with a sample pinned at exactly t=duration, for floor(duration*rate)+1 samples.
type Sampler struct {
	plan    Plan
	clk     clock.Clock
	gen     Generator
	handler Handler
	step    time.Duration
	planned int

	// emitMu is held while the handler runs so Stop can wait out an in-flight tick.
	emitMu sync.Mutex

	mu       sync.Mutex
	started  bool
	running  bool
	produced int
	elapsed  float64
	timer    clock.Timer
}

// NewSampler creates a sampler for the plan. The plan is validated by Start.
func NewSampler(plan Plan, clk clock.Clock, gen Generator, h Handler) *Sampler {
	if clk == nil {
		clk = clock.Real()
	}
	if gen == nil {
		gen = NewSyntheticGenerator(time.Now().UnixNano())
	}
	plan.Channels = append([]string(nil), plan.Channels...)
	s := &Sampler{
		plan:    plan,
		clk:     clk,
		gen:     gen,
		handler: h,
		planned: plan.Planned(),
	}
	if plan.SampleRateHz > 0 {
		s.step = time.Duration(float64(time.Second) / plan.SampleRateHz)
	}
	return s
}

// Start emits the t=0 sample synchronously and schedules the remaining ticks.
func (s *Sampler) Start() error {
	if err := s.plan.Validate(); err != nil {
		return fmt.Errorf("invalid acquisition plan: %w", err)
	}

	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.running = true
	s.produced = 1
	done := s.produced >= s.planned
	if done {
		s.running = false
	} else {
		s.scheduleLocked()
	}
	s.mu.Unlock()

	s.handler.OnSample(0, s.sample(0))
	if done {
		s.handler.OnComplete()
	}
	return nil
}

// Stop cancels the pending tick. Once Stop returns no further sample is emitted and
// OnComplete is not called. Samples already emitted are unaffected.
func (s *Sampler) Stop() {
	s.mu.Lock()
	s.running = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	// Wait for a tick that passed the running check before we cleared it.
	s.emitMu.Lock()
	s.emitMu.Unlock()
}

// Elapsed returns the logical time of the most recent sample in seconds.
func (s *Sampler) Elapsed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsed
}

// Running reports whether ticks are still scheduled.
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Sampler) scheduleLocked() {
	delay := s.step
	if s.produced == s.planned-1 {
		// The boundary sample fires when the planned duration has elapsed.
		remaining := s.plan.DurationSeconds - s.elapsed
		delay = time.Duration(remaining * float64(time.Second))
		if delay <= 0 {
			delay = s.step
		}
	}
	s.timer = s.clk.AfterFunc(delay, s.tick)
}

func (s *Sampler) tick() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	index := s.produced
	final := s.produced >= s.planned-1
	if final {
		s.elapsed = s.plan.DurationSeconds
		s.running = false
		s.timer = nil
	} else {
		// Times derive from the sample index so they do not accumulate rounding error.
		s.elapsed = float64(index) / s.plan.SampleRateHz
		if s.elapsed >= s.plan.DurationSeconds-1e-9 {
			s.elapsed = s.plan.DurationSeconds
			s.running = false
			s.timer = nil
			final = true
		}
	}
	s.produced++
	t := s.elapsed
	if !final {
		s.scheduleLocked()
	}
	s.mu.Unlock()

	s.handler.OnSample(index, s.sample(t))
	if final {
		s.handler.OnComplete()
	}
}

func (s *Sampler) sample(t float64) model.Sample {
	return model.Sample{Time: t, Values: s.gen.Generate(t, s.plan.Channels)}
}
