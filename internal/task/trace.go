package task

import (
	"context"

	"github.com/throw-if-null/taskrelay/internal/api"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "taskrelay"

// Run wraps the root span of a single task execution. A zero Run is a no-op.
type Run struct {
	span trace.Span
}

// StartRun opens a root span for t. Events for transitions and interactions
// are added to it until End is called.
func StartRun(ctx context.Context, t *api.Task) (context.Context, *Run) {
	tr := otel.Tracer(tracerName)
	ctx, span := tr.Start(
		ctx,
		"taskrelay.task",
		trace.WithNewRoot(),
		trace.WithAttributes(
			attribute.String("task.id", t.ID),
			attribute.String("task.type", string(t.Type)),
		),
	)
	span.AddEvent("task.running")
	return ctx, &Run{span: span}
}

// Interaction records a detected interaction request.
func (r *Run) Interaction(i *api.Interaction) {
	if r == nil || r.span == nil {
		return
	}
	r.span.AddEvent("interaction.requested", trace.WithAttributes(
		attribute.String("interaction.id", i.ID),
		attribute.String("interaction.type", string(i.Type)),
	))
}

// End closes the span with the terminal status.
func (r *Run) End(status api.TaskStatus, exitCode int) {
	if r == nil || r.span == nil {
		return
	}
	r.span.SetAttributes(attribute.Int("process.exit_code", exitCode))
	r.span.AddEvent("task." + string(status))
	if status == api.StatusCompleted {
		r.span.SetStatus(codes.Ok, "")
	} else {
		r.span.SetStatus(codes.Error, string(status))
	}
	r.span.End()
}
