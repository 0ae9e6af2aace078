package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Action is the closed set of outcomes a decision can propose.
type Action string

const (
	ActionAccept     Action = "accept"
	ActionCounter    Action = "counter"
	ActionReject     Action = "reject"
	ActionUIRequired Action = "ui_required"
	ActionError      Action = "error"
)

// ParseAction maps a wire string onto an Action.
func ParseAction(raw string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(raw))); a {
	case ActionAccept, ActionCounter, ActionReject, ActionUIRequired, ActionError:
		return a, nil
	default:
		return "", fmt.Errorf("unknown action %q", raw)
	}
}

// ClaimsPrice reports whether the action commits to a price.
func (a Action) ClaimsPrice() bool {
	return a == ActionAccept || a == ActionCounter
}

func (a Action) String() string { return string(a) }

// Step is one capability invocation inside a multi-step decision.
type Step struct {
	Skill  string         `json:"skill"`
	Intent string         `json:"intent"`
	Params map[string]any `json:"params,omitempty"`
}

// Decision is the proposed reaction to a bid.
type Decision struct {
	Action   Action          `json:"action"`
	Price    decimal.Decimal `json:"price"`
	Message  string          `json:"message"`
	Thought  string          `json:"thought"`
	Steps    []Step          `json:"steps,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	Err      string          `json:"error,omitempty"`
}

// FailureDecision degrades a reasoning failure into an error decision.
func FailureDecision(err error) Decision {
	msg := "reasoning unavailable"
	if err != nil {
		msg = err.Error()
	}
	return Decision{
		Action:  ActionError,
		Message: "We are unable to process this offer right now.",
		Thought: "reasoning failure: " + msg,
		Err:     msg,
	}
}

// ReasonCode returns the reason_code metadata entry, if any.
func (d Decision) ReasonCode() string {
	code, _ := d.Metadata["reason_code"].(string)
	return code
}

// Observation is the uniform result envelope of executing a decision or a capability.
type Observation struct {
	Success   bool           `json:"success"`
	Data      any            `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	EventType string         `json:"event_type,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Succeeded builds a successful observation carrying data.
func Succeeded(data any) Observation {
	return Observation{Success: true, Data: data}
}

// Failed builds a failed observation from err.
func Failed(err error) Observation {
	if err == nil {
		return Observation{Success: false, Error: "unknown failure"}
	}
	return Observation{Success: false, Error: err.Error()}
}

// Failedf builds a failed observation from a formatted message.
func Failedf(format string, args ...any) Observation {
	return Observation{Success: false, Error: fmt.Sprintf(format, args...)}
}
