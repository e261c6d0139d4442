package rebus_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"

	rebus "github.com/Mauricio-HNS/Rebus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvokers_RunStepsInOrder(t *testing.T) {
	var trace []string
	pb := rebus.NewPipelineBuilder()
	require.NoError(t, pb.Append(rebus.ReceiveDirection, "a", traceStep("a", &trace)))
	require.NoError(t, pb.Append(rebus.ReceiveDirection, "b", traceStep("b", &trace)))
	require.NoError(t, pb.Append(rebus.ReceiveDirection, "c", traceStep("c", &trace)))
	require.NoError(t, pb.Append(rebus.SendDirection, "x", traceStep("x", &trace)))
	p, err := pb.Freeze()
	require.NoError(t, err)

	for name, inv := range invokersFor(p) {
		t.Run(name, func(t *testing.T) {
			trace = nil
			require.NoError(t, inv.InvokeReceive(context.Background(), rebus.NewStepContext()))
			assert.Equal(t, []string{"a>", "b>", "c>", "<c", "<b", "<a"}, trace)

			trace = nil
			require.NoError(t, inv.InvokeSend(context.Background(), rebus.NewStepContext()))
			assert.Equal(t, []string{"x>", "<x"}, trace)
		})
	}
}

func TestInvokers_ShortCircuit(t *testing.T) {
	var trace []string
	pb := rebus.NewPipelineBuilder()
	require.NoError(t, pb.Append(rebus.ReceiveDirection, "a", traceStep("a", &trace)))
	require.NoError(t, pb.Append(rebus.ReceiveDirection, "b", stopStep("b", &trace)))
	require.NoError(t, pb.Append(rebus.ReceiveDirection, "c", traceStep("c", &trace)))
	p, err := pb.Freeze()
	require.NoError(t, err)

	for name, inv := range invokersFor(p) {
		t.Run(name, func(t *testing.T) {
			trace = nil
			require.NoError(t, inv.InvokeReceive(context.Background(), rebus.NewStepContext()))
			assert.Equal(t, []string{"a>", "b|", "<a"}, trace)
		})
	}
}

func TestInvokers_PropagateStepErrors(t *testing.T) {
	boom := errors.New("boom")
	var trace []string
	pb := rebus.NewPipelineBuilder()
	require.NoError(t, pb.Append(rebus.ReceiveDirection, "a", traceStep("a", &trace)))
	require.NoError(t, pb.Append(rebus.ReceiveDirection, "fail", rebus.StepFunc(
		func(context.Context, *rebus.StepContext, rebus.Next) error { return boom })))
	require.NoError(t, pb.Append(rebus.ReceiveDirection, "c", traceStep("c", &trace)))
	p, err := pb.Freeze()
	require.NoError(t, err)

	for name, inv := range invokersFor(p) {
		t.Run(name, func(t *testing.T) {
			trace = nil
			err := inv.InvokeReceive(context.Background(), rebus.NewStepContext())
			assert.ErrorIs(t, err, boom)
			assert.Equal(t, []string{"a>", "<a"}, trace)
		})
	}
}

func TestInvokers_EmptyPipelineIsNoop(t *testing.T) {
	p, err := rebus.NewPipelineBuilder().Freeze()
	require.NoError(t, err)
	for name, inv := range invokersFor(p) {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, inv.InvokeSend(context.Background(), rebus.NewStepContext()))
			assert.NoError(t, inv.InvokeReceive(context.Background(), rebus.NewStepContext()))
		})
	}
}

// TestInvokers_AreEquivalent runs randomly generated pipelines through both
// invokers and expects identical traces, errors and context state.
func TestInvokers_AreEquivalent(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))

	for round := range 200 {
		var trace []string
		pb := rebus.NewPipelineBuilder()
		n := rng.IntN(8)
		for i := range n {
			name := fmt.Sprintf("s%d", i)
			var step rebus.Step
			switch rng.IntN(5) {
			case 0:
				step = stopStep(name, &trace)
			case 1:
				step = rebus.StepFunc(func(context.Context, *rebus.StepContext, rebus.Next) error {
					trace = append(trace, name+"!")
					return errors.New(name)
				})
			case 2:
				step = rebus.StepFunc(func(ctx context.Context, sc *rebus.StepContext, next rebus.Next) error {
					sc.Set(name, len(trace))
					trace = append(trace, name+"=")
					return next.Continue(ctx, sc)
				})
			default:
				step = traceStep(name, &trace)
			}
			require.NoError(t, pb.Append(rebus.ReceiveDirection, name, step))
		}
		p, err := pb.Freeze()
		require.NoError(t, err)

		run := func(inv rebus.PipelineInvoker) ([]string, string, int) {
			trace = nil
			sc := rebus.NewStepContext()
			err := inv.InvokeReceive(context.Background(), sc)
			return trace, fmt.Sprint(err), sc.Len()
		}
		chainTrace, chainErr, chainItems := run(rebus.NewChainInvoker(p))
		indexTrace, indexErr, indexItems := run(rebus.NewIndexInvoker(p))

		require.Equal(t, chainTrace, indexTrace, "round %d", round)
		require.Equal(t, chainErr, indexErr, "round %d", round)
		require.Equal(t, chainItems, indexItems, "round %d", round)
	}
}

func TestInvokers_ConcurrentRunsAreIsolated(t *testing.T) {
	pb := rebus.NewPipelineBuilder()
	for i := range 5 {
		require.NoError(t, pb.Append(rebus.ReceiveDirection, fmt.Sprintf("inc%d", i), rebus.StepFunc(
			func(ctx context.Context, sc *rebus.StepContext, next rebus.Next) error {
				v, _ := rebus.Item[int](sc)
				rebus.SaveItem(sc, v+1)
				return next.Continue(ctx, sc)
			})))
	}
	p, err := pb.Freeze()
	require.NoError(t, err)

	for name, inv := range invokersFor(p) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			results := make([]int, 64)
			for i := range results {
				wg.Add(1)
				go func() {
					defer wg.Done()
					sc := rebus.NewStepContext()
					_ = inv.InvokeReceive(context.Background(), sc)
					results[i] = rebus.MustItem[int](sc)
				}()
			}
			wg.Wait()
			for _, r := range results {
				assert.Equal(t, 5, r)
			}
		})
	}
}

func TestParseInvokerMode(t *testing.T) {
	m, err := rebus.ParseInvokerMode("")
	require.NoError(t, err)
	assert.Equal(t, rebus.InvokerChain, m)

	m, err = rebus.ParseInvokerMode("index")
	require.NoError(t, err)
	assert.Equal(t, rebus.InvokerIndex, m)

	_, err = rebus.ParseInvokerMode("reflection")
	assert.Error(t, err)
}
