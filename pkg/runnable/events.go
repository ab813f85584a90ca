package runnable

import (
	"context"
	"time"

	"github.com/runwire/runwire/pkg/models"
	"github.com/runwire/runwire/pkg/wire"
)

// EventFactory builds Wire events pre-filled with the context's identity
// fields. It is the only sanctioned event constructor outside tests.
type EventFactory struct {
	ec *ExecutionContext
}

// NewEventFactory binds a factory to an execution context.
func NewEventFactory(ec *ExecutionContext) *EventFactory {
	return &EventFactory{ec: ec}
}

func (f *EventFactory) base(t wire.EventType) wire.Event {
	return wire.Event{
		Type:      t,
		RunID:     f.ec.RunID,
		SessionID: f.ec.SessionID,

		TraceID:      f.ec.TraceID,
		SpanID:       f.ec.SpanID,
		ParentSpanID: f.ec.ParentSpanID,
		ParentRunID:  f.ec.ParentRunID,
		Depth:        f.ec.Depth,

		RunnableID:   f.ec.RunnableID,
		RunnableType: f.ec.RunnableType,
		NestingType:  f.ec.NestingType,

		NodeID:    f.ec.NodeID,
		BranchID:  f.ec.BranchKey,
		Iteration: f.ec.Iteration,

		Timestamp: time.Now().UTC(),
	}
}

// emit writes the event, blocking while the Wire has back-pressure.
func (f *EventFactory) emit(ctx context.Context, ev wire.Event) {
	f.ec.Wire.Write(ctx, ev)
}

func (f *EventFactory) RunStarted(ctx context.Context, input string) {
	ev := f.base(wire.EventRunStarted)
	ev.Data = map[string]any{"input": input}
	f.emit(ctx, ev)
}

func (f *EventFactory) RunCompleted(ctx context.Context, out *RunOutput) {
	ev := f.base(wire.EventRunCompleted)
	ev.Data = map[string]any{
		"response":           out.Response,
		"termination_reason": out.TerminationReason,
	}
	f.emit(ctx, ev)
}

func (f *EventFactory) RunFailed(ctx context.Context, err error) {
	ev := f.base(wire.EventRunFailed)
	ev.Error = err.Error()
	ev.ErrorType = ErrorType(err)
	f.emit(ctx, ev)
}

func (f *EventFactory) StepDelta(ctx context.Context, stepID string, delta wire.Delta) {
	ev := f.base(wire.EventStepDelta)
	ev.StepID = stepID
	ev.Delta = &delta
	f.emit(ctx, ev)
}

func (f *EventFactory) StepCompleted(ctx context.Context, step *models.Step) {
	ev := f.base(wire.EventStepCompleted)
	ev.StepID = step.ID
	ev.Step = step
	f.emit(ctx, ev)
}

func (f *EventFactory) StageStarted(ctx context.Context, nodeID string) {
	ev := f.base(wire.EventStageStarted)
	ev.NodeID = nodeID
	f.emit(ctx, ev)
}

func (f *EventFactory) StageCompleted(ctx context.Context, nodeID, output string) {
	ev := f.base(wire.EventStageCompleted)
	ev.NodeID = nodeID
	ev.Data = map[string]any{"output": output}
	f.emit(ctx, ev)
}

func (f *EventFactory) StageSkipped(ctx context.Context, nodeID, condition string) {
	ev := f.base(wire.EventStageSkipped)
	ev.NodeID = nodeID
	ev.Data = map[string]any{"condition": condition}
	f.emit(ctx, ev)
}

func (f *EventFactory) IterationStarted(ctx context.Context, iteration int) {
	ev := f.base(wire.EventIterationStarted)
	ev.Iteration = iteration
	f.emit(ctx, ev)
}

func (f *EventFactory) BranchStarted(ctx context.Context, branchID string) {
	ev := f.base(wire.EventBranchStarted)
	ev.BranchID = branchID
	f.emit(ctx, ev)
}

func (f *EventFactory) BranchCompleted(ctx context.Context, branchID string, err error) {
	ev := f.base(wire.EventBranchCompleted)
	ev.BranchID = branchID
	if err != nil {
		ev.Error = err.Error()
		ev.ErrorType = ErrorType(err)
	}
	f.emit(ctx, ev)
}

func (f *EventFactory) Error(ctx context.Context, err error) {
	ev := f.base(wire.EventError)
	ev.Error = err.Error()
	ev.ErrorType = ErrorType(err)
	f.emit(ctx, ev)
}
