package rebus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
)

// StepStat is the accumulated profile of one pipeline step.
type StepStat struct {
	Direction Direction
	Name      string
	Count     uint64
	// Elapsed excludes the time spent in downstream steps.
	Elapsed time.Duration
}

// Average returns the mean exclusive time per invocation.
func (s StepStat) Average() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Elapsed / time.Duration(s.Count)
}

func (s StepStat) String() string {
	return fmt.Sprintf("%s/%s: %d calls, %s total, %s avg", s.Direction, s.Name, s.Count, s.Elapsed, s.Average())
}

type statKey struct {
	dir  Direction
	name string
}

// ProfilerStats collects StepStats; safe for concurrent use by many workers.
type ProfilerStats struct {
	mu    sync.Mutex
	order []statKey
	stats map[statKey]*StepStat
}

func NewProfilerStats() *ProfilerStats {
	return &ProfilerStats{stats: make(map[statKey]*StepStat)}
}

func (s *ProfilerStats) record(dir Direction, name string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	k := statKey{dir: dir, name: name}
	s.mu.Lock()
	st, ok := s.stats[k]
	if !ok {
		st = &StepStat{Direction: dir, Name: name}
		s.stats[k] = st
		s.order = append(s.order, k)
	}
	st.Count++
	st.Elapsed += d
	s.mu.Unlock()
}

// Stats returns a copy of the collected stats in first-seen order.
func (s *ProfilerStats) Stats() []StepStat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// GetAndResetStats returns the collected stats and clears them.
func (s *ProfilerStats) GetAndResetStats() []StepStat {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.snapshotLocked()
	s.order = nil
	s.stats = make(map[statKey]*StepStat)
	return out
}

func (s *ProfilerStats) snapshotLocked() []StepStat {
	out := make([]StepStat, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, *s.stats[k])
	}
	return out
}

// PipelineStepProfiler is a Pipeline decorator that times every step of the
// inner pipeline. Profilers nest: each layer records every invocation.
type PipelineStepProfiler struct {
	inner Pipeline
	stats *ProfilerStats
	clock xclock.Clock
}

var _ Pipeline = (*PipelineStepProfiler)(nil)

func NewPipelineStepProfiler(inner Pipeline, stats *ProfilerStats, clock xclock.Clock) *PipelineStepProfiler {
	if clock == nil {
		clock = xclock.Default()
	}
	return &PipelineStepProfiler{inner: inner, stats: stats, clock: clock}
}

// ProfilerDecorator adapts NewPipelineStepProfiler for BusBuilder.Decorate.
func ProfilerDecorator(stats *ProfilerStats, clock xclock.Clock) func(Pipeline) Pipeline {
	return func(p Pipeline) Pipeline { return NewPipelineStepProfiler(p, stats, clock) }
}

func (p *PipelineStepProfiler) SendPipeline() []NamedStep {
	return p.wrap(SendDirection, p.inner.SendPipeline())
}

func (p *PipelineStepProfiler) ReceivePipeline() []NamedStep {
	return p.wrap(ReceiveDirection, p.inner.ReceivePipeline())
}

func (p *PipelineStepProfiler) wrap(dir Direction, steps []NamedStep) []NamedStep {
	out := make([]NamedStep, len(steps))
	for i, s := range steps {
		out[i] = NamedStep{
			Name: s.Name,
			Step: &profiledStep{dir: dir, name: s.Name, inner: s.Step, stats: p.stats, clock: p.clock},
		}
	}
	return out
}

type profiledStep struct {
	dir   Direction
	name  string
	inner Step
	stats *ProfilerStats
	clock xclock.Clock
}

func (p *profiledStep) Process(ctx context.Context, sc *StepContext, next Next) error {
	tn := &timedNext{next: next, clock: p.clock}
	start := p.clock.Now()
	err := p.inner.Process(ctx, sc, tn)
	p.stats.record(p.dir, p.name, p.clock.Since(start)-tn.elapsed)
	return err
}

// timedNext measures downstream time so the step's own time can be isolated.
type timedNext struct {
	next    Next
	clock   xclock.Clock
	elapsed time.Duration
}

func (t *timedNext) Continue(ctx context.Context, sc *StepContext) error {
	start := t.clock.Now()
	err := t.next.Continue(ctx, sc)
	t.elapsed += t.clock.Since(start)
	return err
}
