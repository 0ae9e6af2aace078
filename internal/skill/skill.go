// Package skill holds the capability contract and the registry that invokes
// capabilities by name and intent.
package skill

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"negotiation-hive/internal/domain"
)

// Skill is a named unit of business logic addressed by intent.
//
// Initialize may perform I/O and is called once at startup; a false result
// marks the skill unavailable without stopping the process. Execute must be
// safe for concurrent use.
type Skill interface {
	Name() string
	Capabilities() []string
	Initialize(ctx context.Context) bool
	Execute(ctx context.Context, intent string, params Params) (domain.Observation, error)
}

// Binder attaches typed settings and a backing resource. Bind performs no I/O
// and cannot fail.
type Binder[S, P any] interface {
	Bind(settings S, provider P)
}

// Trinity is a skill together with its typed binding step.
type Trinity[S, P any] interface {
	Skill
	Binder[S, P]
}

// Closer is implemented by skills holding resources that must be released.
type Closer interface {
	Close(ctx context.Context) error
}

// Bind wires settings and provider into t and returns it as a Skill.
func Bind[S, P any](t Trinity[S, P], settings S, provider P) Skill {
	t.Bind(settings, provider)
	return t
}

// UnknownIntent is the error every skill returns for an unsupported intent.
func UnknownIntent(skill, intent string) error {
	return fmt.Errorf("%s: unknown intent %q", skill, intent)
}

// Params are the loosely typed arguments of a capability call.
type Params map[string]any

// Clone returns a shallow copy so callers can add keys without aliasing.
func (p Params) Clone() Params {
	out := make(Params, len(p)+2)
	for k, v := range p {
		out[k] = v
	}
	return out
}

// String reads a string argument.
func (p Params) String(key string) (string, bool) {
	v, ok := p[key].(string)
	return v, ok
}

// StringOr reads a string argument with a default.
func (p Params) StringOr(key, def string) string {
	if v, ok := p.String(key); ok && v != "" {
		return v
	}
	return def
}

// Decimal reads a numeric argument as a decimal.
func (p Params) Decimal(key string) (decimal.Decimal, error) {
	switch v := p[key].(type) {
	case decimal.Decimal:
		return v, nil
	case *decimal.Decimal:
		if v != nil {
			return *v, nil
		}
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case string:
		return decimal.NewFromString(v)
	}
	return decimal.Decimal{}, fmt.Errorf("param %q missing or not numeric", key)
}

// Float reads a numeric argument as float64.
func (p Params) Float(key string, def float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case decimal.Decimal:
		return v.InexactFloat64()
	}
	return def
}
