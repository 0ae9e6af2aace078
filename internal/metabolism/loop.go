// Package metabolism runs one bid through the ordered decision stages:
// inbound membrane, aggregation, reasoning, outbound membrane, action and
// event emission.
package metabolism

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"negotiation-hive/internal/domain"
)

const instrumentationName = "negotiation-hive/metabolism"

// Aggregator builds the decision context from a signal.
type Aggregator[S, C any] interface {
	Perceive(ctx context.Context, signal S) (C, error)
	Vitals(ctx context.Context) (domain.SystemVitals, error)
}

// Transformer reasons about a context and proposes a decision.
type Transformer[C, D any] interface {
	Think(ctx context.Context, c C) (D, error)
}

// Membrane filters what enters and leaves the loop.
type Membrane[S, D, C any] interface {
	InspectInbound(ctx context.Context, signal S) (S, error)
	InspectOutbound(ctx context.Context, decision D, c C) (D, error)
}

// Connector executes a decision.
type Connector[D, O, C any] interface {
	Act(ctx context.Context, decision D, c C) (O, error)
}

// Generator emits events for an outcome.
type Generator[O, E any] interface {
	Pulse(ctx context.Context, outcome O) (E, error)
}

// Stages groups the collaborators of a loop. Failure converts a stage error
// into an outcome; Inject attaches vitals to the context.
type Stages[S, C, D, O, E any] struct {
	Aggregator  Aggregator[S, C]
	Transformer Transformer[C, D]
	Membrane    Membrane[S, D, C]
	Connector   Connector[D, O, C]
	Generator   Generator[O, E]
	Failure     func(err error) O
	Inject      func(c C, vitals domain.SystemVitals) C
}

// Settings tune tracing, metrics and deadlines.
type Settings struct {
	StageTimeout time.Duration
	Tracer       trace.Tracer
	Meter        metric.Meter
	Logger       zerolog.Logger
}

// Loop is a reusable, stateless pipeline. Execute is safe for concurrent use
// as long as the stages are.
type Loop[S, C, D, O, E any] struct {
	stages Stages[S, C, D, O, E]
	kit    stageKit
}

// New assembles a loop.
func New[S, C, D, O, E any](stages Stages[S, C, D, O, E], settings Settings) (*Loop[S, C, D, O, E], error) {
	if stages.Aggregator == nil || stages.Transformer == nil || stages.Membrane == nil || stages.Connector == nil {
		return nil, fmt.Errorf("metabolism: aggregator, transformer, membrane and connector are required")
	}
	if stages.Failure == nil {
		return nil, fmt.Errorf("metabolism: failure constructor is required")
	}
	if settings.Tracer == nil {
		settings.Tracer = otel.Tracer(instrumentationName)
	}
	if settings.Meter == nil {
		settings.Meter = otel.Meter(instrumentationName)
	}
	hist, err := settings.Meter.Float64Histogram("metabolism.stage.duration",
		metric.WithDescription("Duration of each metabolism stage"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("metabolism: stage histogram: %w", err)
	}
	return &Loop[S, C, D, O, E]{
		stages: stages,
		kit: stageKit{
			tracer:   settings.Tracer,
			duration: hist,
			timeout:  settings.StageTimeout,
			logger:   settings.Logger.With().Str("component", "metabolism").Logger(),
		},
	}, nil
}

// Execute runs one cycle. The only error it returns is an inbound rejection;
// every later failure is folded into the outcome through Failure.
func (l *Loop[S, C, D, O, E]) Execute(ctx context.Context, signal S) (out O, err error) {
	ctx, span := l.kit.tracer.Start(ctx, "metabolism.loop")
	defer span.End()

	inbound := true
	defer func() {
		if rec := recover(); rec != nil {
			perr := fmt.Errorf("metabolism panic: %v", rec)
			l.kit.logger.Error().Interface("panic", rec).Msg("metabolism cycle panicked")
			span.RecordError(perr)
			span.SetStatus(codes.Error, perr.Error())
			if inbound {
				err = perr
				return
			}
			out, err = l.stages.Failure(perr), nil
		}
	}()

	signal, err = runStage(ctx, l.kit, "membrane_in", func(ctx context.Context) (S, error) {
		return l.stages.Membrane.InspectInbound(ctx, signal)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		var zero O
		return zero, err
	}
	inbound = false

	c, err := runStage(ctx, l.kit, "aggregator", func(ctx context.Context) (C, error) {
		return l.stages.Aggregator.Perceive(ctx, signal)
	})
	if err != nil {
		return l.fail(span, "aggregator", err), nil
	}

	vitals, verr := runStage(ctx, l.kit, "vitals", l.stages.Aggregator.Vitals)
	switch {
	case verr != nil:
		span.RecordError(verr)
		l.kit.logger.Warn().Err(verr).Msg("vitals unavailable")
	case l.stages.Inject != nil:
		c = l.stages.Inject(c, vitals)
	}

	d, err := runStage(ctx, l.kit, "transformer", func(ctx context.Context) (D, error) {
		return l.stages.Transformer.Think(ctx, c)
	})
	if err != nil {
		return l.fail(span, "transformer", err), nil
	}

	d, err = runStage(ctx, l.kit, "membrane_out", func(ctx context.Context) (D, error) {
		return l.stages.Membrane.InspectOutbound(ctx, d, c)
	})
	if err != nil {
		return l.fail(span, "membrane_out", err), nil
	}

	out, err = runStage(ctx, l.kit, "connector", func(ctx context.Context) (O, error) {
		return l.stages.Connector.Act(ctx, d, c)
	})
	if err != nil {
		return l.fail(span, "connector", err), nil
	}

	if l.stages.Generator != nil {
		if _, gerr := runStage(ctx, l.kit, "generator", func(ctx context.Context) (E, error) {
			return l.stages.Generator.Pulse(ctx, out)
		}); gerr != nil {
			l.kit.logger.Warn().Err(gerr).Msg("event emission failed")
		}
	}

	return out, nil
}

func (l *Loop[S, C, D, O, E]) fail(span trace.Span, stage string, err error) O {
	l.kit.logger.Error().Err(err).Str("stage", stage).Msg("metabolism stage failed")
	span.RecordError(err)
	span.SetStatus(codes.Error, stage+": "+err.Error())
	return l.stages.Failure(err)
}

type stageKit struct {
	tracer   trace.Tracer
	duration metric.Float64Histogram
	timeout  time.Duration
	logger   zerolog.Logger
}

// runStage wraps fn in a span, a deadline, panic recovery and a duration sample.
func runStage[T any](ctx context.Context, kit stageKit, name string, fn func(context.Context) (T, error)) (result T, err error) {
	ctx, span := kit.tracer.Start(ctx, "metabolism."+name)
	defer span.End()

	if kit.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, kit.timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s panicked: %v", name, rec)
		}
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		kit.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("stage", name),
			attribute.String("outcome", outcome),
		))
	}()

	result, err = fn(ctx)
	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("%s: %w", name, ctx.Err())
	}
	return result, err
}
