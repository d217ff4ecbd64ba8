package tool

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"steward/internal/logging"
	"steward/internal/observability"
	"steward/internal/observe"
	"steward/internal/sterrors"
)

// defaultTimeout bounds a tool execution when the config leaves it unset.
const defaultTimeout = 30 * time.Second

// WireError is the serialized error shape returned to callers.
type WireError struct {
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	Suggestions []string `json:"suggestions,omitempty"`
	Fields      []string `json:"fields,omitempty"`
}

// SerializeError maps any error to the wire shape.
func SerializeError(err error) *WireError {
	if err == nil {
		return nil
	}
	if typed, ok := sterrors.As(err); ok {
		return &WireError{
			Code:        string(typed.Code),
			Message:     typed.Message,
			Suggestions: typed.Suggestions,
			Fields:      typed.Fields,
		}
	}
	return &WireError{Code: string(sterrors.CodeInternal), Message: err.Error()}
}

// Dispatcher validates and routes tool calls. Calls for different sessions
// run concurrently; handlers take their own store locks.
type Dispatcher struct {
	registry *Registry
	obs      *observe.Registry
	metrics  *observability.Metrics
	tracer   trace.Tracer
	logger   logging.Logger
	timeout  time.Duration
}

// NewDispatcher wires the dispatch layer. metrics and tracer may be nil in
// tests.
func NewDispatcher(registry *Registry, obs *observe.Registry, metrics *observability.Metrics, tracer trace.Tracer, timeout time.Duration, logger logging.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Dispatcher{
		registry: registry,
		obs:      obs,
		metrics:  metrics,
		tracer:   tracer,
		logger:   logging.OrNop(logger),
		timeout:  timeout,
	}
}

// Registry exposes the underlying registry.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch validates params and runs the named tool under the wall-clock
// bound. A tool:execution event is broadcast at start (pending) and at
// completion (ok/error) with redacted params.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, params map[string]any) (any, error) {
	t, err := d.registry.Get(name)
	if err != nil {
		return nil, err
	}
	typed, err := t.Schema.Validate(params)
	if err != nil {
		return nil, err
	}

	executionID := uuid.NewString()
	start := time.Now()
	d.broadcast(executionID, name, params, "pending", 0)

	runCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var span trace.Span
	if d.tracer != nil {
		runCtx, span = d.tracer.Start(runCtx, "tool."+name,
			trace.WithAttributes(attribute.String("tool.name", name)))
		defer span.End()
	}

	result, err := d.run(runCtx, t, typed)
	elapsed := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
		if span != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		d.logger.Warn("tool %s failed after %s: %v", name, elapsed.Round(time.Millisecond), err)
	} else {
		d.logger.Debug("tool %s ok in %s", name, elapsed.Round(time.Millisecond))
	}

	if d.metrics != nil {
		d.metrics.ToolExecutions.WithLabelValues(name, status).Inc()
		d.metrics.ToolDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	}
	d.broadcast(executionID, name, params, status, elapsed)
	return result, err
}

// run executes the handler, converting a deadline hit into Timeout.
func (d *Dispatcher) run(ctx context.Context, t *Tool, params map[string]any) (any, error) {
	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := t.Handler(ctx, params)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return nil, sterrors.Timeout("tool %s exceeded %s", t.Name, d.timeout)
	}
}

func (d *Dispatcher) broadcast(id, name string, params map[string]any, status string, elapsed time.Duration) {
	if d.obs == nil {
		return
	}
	_ = d.obs.Publish(observe.TopicToolExecution, map[string]any{
		"id":          id,
		"timestamp":   time.Now().UTC(),
		"tool":        name,
		"params":      logging.RedactParams(params),
		"status":      status,
		"duration_ms": elapsed.Milliseconds(),
	})
}
