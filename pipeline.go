package rebus

import (
	"fmt"
	"slices"
	"sync"

	"go.uber.org/multierr"
)

// Pipeline is the runtime, read-only view of the send and receive pipelines.
type Pipeline interface {
	SendPipeline() []NamedStep
	ReceivePipeline() []NamedStep
}

// PipelineBuilder collects steps at configuration time. Mutations record
// errors instead of returning them so calls can be chained; Freeze reports
// all of them at once.
type PipelineBuilder struct {
	mu       sync.Mutex
	send     []NamedStep
	receive  []NamedStep
	errs     error
	snapshot *frozenPipeline
}

// NewPipelineBuilder returns an empty builder.
func NewPipelineBuilder() *PipelineBuilder {
	return &PipelineBuilder{}
}

// Append adds a step at the end of the pipeline for dir.
func (pb *PipelineBuilder) Append(dir Direction, name string, step Step) error {
	return pb.insert(dir, "", name, step, 0)
}

// InsertBefore adds a step immediately before the step named anchor.
func (pb *PipelineBuilder) InsertBefore(dir Direction, anchor, name string, step Step) error {
	return pb.insert(dir, anchor, name, step, 0)
}

// InsertAfter adds a step immediately after the step named anchor.
func (pb *PipelineBuilder) InsertAfter(dir Direction, anchor, name string, step Step) error {
	return pb.insert(dir, anchor, name, step, 1)
}

// Remove deletes the step named name.
func (pb *PipelineBuilder) Remove(dir Direction, name string) error {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	if pb.snapshot != nil {
		return ErrPipelineFrozen
	}
	steps := pb.steps(dir)
	i := indexOf(*steps, name)
	if i < 0 {
		return pb.record(fmt.Errorf("%w: %s pipeline has no step %q", ErrUnknownStep, dir, name))
	}
	*steps = slices.Delete(*steps, i, i+1)
	return nil
}

// Names lists the step names currently registered for dir.
func (pb *PipelineBuilder) Names(dir Direction) []string {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return stepNames(*pb.steps(dir))
}

// Freeze validates the configuration and returns the immutable snapshot.
// It is idempotent; every mutation afterwards fails with ErrPipelineFrozen.
func (pb *PipelineBuilder) Freeze() (Pipeline, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	if pb.snapshot != nil {
		return pb.snapshot, nil
	}
	if pb.errs != nil {
		return nil, pb.errs
	}
	pb.snapshot = &frozenPipeline{
		send:    slices.Clone(pb.send),
		receive: slices.Clone(pb.receive),
	}
	return pb.snapshot, nil
}

func (pb *PipelineBuilder) insert(dir Direction, anchor, name string, step Step, offset int) error {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	if pb.snapshot != nil {
		return ErrPipelineFrozen
	}
	if step == nil {
		return pb.record(fmt.Errorf("%w: %q", ErrNilStep, name))
	}
	steps := pb.steps(dir)
	if indexOf(*steps, name) >= 0 {
		return pb.record(fmt.Errorf("%w: %s pipeline already has %q", ErrDuplicateStep, dir, name))
	}

	ns := NamedStep{Name: name, Step: step}
	if anchor == "" {
		*steps = append(*steps, ns)
		return nil
	}
	i := indexOf(*steps, anchor)
	if i < 0 {
		return pb.record(fmt.Errorf("%w: %s pipeline has no step %q to insert %q next to", ErrUnknownStep, dir, anchor, name))
	}
	*steps = slices.Insert(*steps, i+offset, ns)
	return nil
}

func (pb *PipelineBuilder) record(err error) error {
	pb.errs = multierr.Append(pb.errs, err)
	return err
}

func (pb *PipelineBuilder) steps(dir Direction) *[]NamedStep {
	if dir == SendDirection {
		return &pb.send
	}
	return &pb.receive
}

// frozenPipeline has no mutators; the slices are never modified after Freeze.
type frozenPipeline struct {
	send    []NamedStep
	receive []NamedStep
}

func (p *frozenPipeline) SendPipeline() []NamedStep    { return slices.Clone(p.send) }
func (p *frozenPipeline) ReceivePipeline() []NamedStep { return slices.Clone(p.receive) }

func indexOf(steps []NamedStep, name string) int {
	return slices.IndexFunc(steps, func(s NamedStep) bool { return s.Name == name })
}

func stepNames(steps []NamedStep) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Name
	}
	return out
}
