package rebus

import (
	"context"
	"fmt"
)

// PipelineInvoker executes the frozen pipeline once per message.
type PipelineInvoker interface {
	InvokeSend(ctx context.Context, sc *StepContext) error
	InvokeReceive(ctx context.Context, sc *StepContext) error
}

// InvokerMode selects one of the builtin invocation strategies.
type InvokerMode string

const (
	// InvokerChain prebuilds one linked continuation per step.
	InvokerChain InvokerMode = "chain"
	// InvokerIndex walks the step slice with an index cursor per message.
	InvokerIndex InvokerMode = "index"
)

// ParseInvokerMode accepts "chain" or "index" ("" means chain).
func ParseInvokerMode(s string) (InvokerMode, error) {
	switch InvokerMode(s) {
	case "", InvokerChain:
		return InvokerChain, nil
	case InvokerIndex:
		return InvokerIndex, nil
	default:
		return "", fmt.Errorf("rebus: unknown invoker mode %q", s)
	}
}

// NewPipelineInvoker builds the invoker for mode.
func NewPipelineInvoker(mode InvokerMode, p Pipeline) PipelineInvoker {
	if mode == InvokerIndex {
		return NewIndexInvoker(p)
	}
	return NewChainInvoker(p)
}

// terminal ends every pipeline.
type terminal struct{}

func (terminal) Continue(context.Context, *StepContext) error { return nil }

// chainLink is one prebuilt continuation. Links are created once per
// pipeline and shared by all runs, so they must stay immutable.
type chainLink struct {
	step Step
	next Next
}

func (l *chainLink) Continue(ctx context.Context, sc *StepContext) error {
	return l.step.Process(ctx, sc, l.next)
}

// ChainInvoker invokes a linked structure of continuations built once from the pipeline.
type ChainInvoker struct {
	send    Next
	receive Next
}

var _ PipelineInvoker = (*ChainInvoker)(nil)

// NewChainInvoker links the steps of p back to front.
func NewChainInvoker(p Pipeline) *ChainInvoker {
	return &ChainInvoker{
		send:    buildChain(p.SendPipeline()),
		receive: buildChain(p.ReceivePipeline()),
	}
}

func buildChain(steps []NamedStep) Next {
	var head Next = terminal{}
	for i := len(steps) - 1; i >= 0; i-- {
		head = &chainLink{step: steps[i].Step, next: head}
	}
	return head
}

func (c *ChainInvoker) InvokeSend(ctx context.Context, sc *StepContext) error {
	return c.send.Continue(ctx, sc)
}

func (c *ChainInvoker) InvokeReceive(ctx context.Context, sc *StepContext) error {
	return c.receive.Continue(ctx, sc)
}

// indexCursor is the continuation for the step at pos.
type indexCursor struct {
	steps []NamedStep
	pos   int
}

func (c indexCursor) Continue(ctx context.Context, sc *StepContext) error {
	if c.pos >= len(c.steps) {
		return nil
	}
	return c.steps[c.pos].Step.Process(ctx, sc, indexCursor{steps: c.steps, pos: c.pos + 1})
}

// IndexInvoker keeps the step slices and recurses by index for every message.
type IndexInvoker struct {
	send    []NamedStep
	receive []NamedStep
}

var _ PipelineInvoker = (*IndexInvoker)(nil)

func NewIndexInvoker(p Pipeline) *IndexInvoker {
	return &IndexInvoker{send: p.SendPipeline(), receive: p.ReceivePipeline()}
}

func (x *IndexInvoker) InvokeSend(ctx context.Context, sc *StepContext) error {
	return indexCursor{steps: x.send}.Continue(ctx, sc)
}

func (x *IndexInvoker) InvokeReceive(ctx context.Context, sc *StepContext) error {
	return indexCursor{steps: x.receive}.Continue(ctx, sc)
}
