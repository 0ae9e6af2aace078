package skill

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"negotiation-hive/internal/domain"
)

const tracerName = "negotiation-hive/skill"

// Option customises a Registry.
type Option func(*Registry)

// WithTracer overrides the global tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Registry) { r.tracer = tracer }
}

// WithTimeout bounds every Execute call.
func WithTimeout(timeout time.Duration) Option {
	return func(r *Registry) { r.timeout = timeout }
}

// Registry is a concurrency-safe set of named skills.
type Registry struct {
	mu          sync.RWMutex
	skills      map[string]Skill
	unavailable map[string]bool

	tracer  trace.Tracer
	timeout time.Duration
	logger  zerolog.Logger
}

// NewRegistry builds an empty registry.
func NewRegistry(logger zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		skills:      make(map[string]Skill),
		unavailable: make(map[string]bool),
		tracer:      otel.Tracer(tracerName),
		timeout:     10 * time.Second,
		logger:      logger.With().Str("component", "skill_registry").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds s under name, replacing any previous registration.
func (r *Registry) Register(name string, s Skill) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skills[name] = s
	delete(r.unavailable, name)
}

// Get looks up a skill by name.
func (r *Registry) Get(name string) (Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[name]
	return s, ok
}

// Names lists registered skills in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.skills))
	for name := range r.skills {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Available reports whether name is registered and initialised successfully.
func (r *Registry) Available(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.skills[name]
	return ok && !r.unavailable[name]
}

// InitializeAll runs every skill's Initialize once and returns the names that failed.
func (r *Registry) InitializeAll(ctx context.Context) []string {
	var failed []string
	for _, name := range r.Names() {
		s, ok := r.Get(name)
		if !ok {
			continue
		}
		if s.Initialize(ctx) {
			r.logger.Info().Str("skill", name).Strs("capabilities", s.Capabilities()).Msg("skill initialised")
			continue
		}
		r.logger.Warn().Str("skill", name).Msg("skill failed to initialise; marked unavailable")
		failed = append(failed, name)
	}

	r.mu.Lock()
	for _, name := range failed {
		r.unavailable[name] = true
	}
	r.mu.Unlock()
	return failed
}

// Execute invokes intent on the named skill. Skills that failed
// InitializeAll are not invoked. Errors, panics and timeouts are folded into
// a failed Observation; Execute never returns an error.
func (r *Registry) Execute(ctx context.Context, name, intent string, params Params) (obs domain.Observation) {
	ctx, span := r.tracer.Start(ctx, "skill:"+name, trace.WithAttributes(
		attribute.String("skill.name", name),
		attribute.String("skill.intent", intent),
	))
	defer span.End()

	s, ok := r.Get(name)
	if !ok {
		err := fmt.Errorf("skill %q not found", name)
		span.SetStatus(codes.Error, err.Error())
		return domain.Failed(err)
	}
	if !r.Available(name) {
		err := fmt.Errorf("skill %q unavailable", name)
		span.SetStatus(codes.Error, err.Error())
		return domain.Failed(err)
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("skill %s panicked: %v", name, rec)
			r.logger.Error().Str("skill", name).Str("intent", intent).Interface("panic", rec).Msg("skill panic recovered")
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			obs = domain.Failed(err)
		}
	}()

	if params == nil {
		params = Params{}
	}

	result, err := s.Execute(ctx, intent, params)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("skill %s timed out: %w", name, err)
		}
		r.logger.Error().Err(err).Str("skill", name).Str("intent", intent).Msg("skill execution failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		failed := domain.Failed(err)
		failed.Data = result.Data
		return failed
	}

	span.SetAttributes(attribute.Bool("skill.success", result.Success))
	if !result.Success {
		span.SetStatus(codes.Error, result.Error)
	}
	return result
}

// Close drains every skill that implements Closer.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for _, name := range r.Names() {
		s, _ := r.Get(name)
		closer, ok := s.(Closer)
		if !ok {
			continue
		}
		if err := closer.Close(ctx); err != nil {
			r.logger.Warn().Err(err).Str("skill", name).Msg("skill close failed")
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
