// Package reasoning delegates negotiation decisions to a remote strategy
// service over HTTP.
package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"negotiation-hive/internal/domain"
	"negotiation-hive/internal/skill"
)

// Name is the registry key of the reasoning skill.
const Name = "reasoning"

// IntentNegotiate asks the strategy for a decision.
const IntentNegotiate = "negotiate"

const negotiatePath = "/negotiate"

// Settings locate the strategy service.
type Settings struct {
	Endpoint  string
	Timeout   time.Duration
	UserAgent string
}

// Skill calls the remote strategy.
type Skill struct {
	settings Settings
	client   *http.Client
	baseURL  string
	logger   zerolog.Logger
}

// NewSkill constructs an unbound reasoning skill.
func NewSkill(logger zerolog.Logger) *Skill {
	return &Skill{logger: logger.With().Str("component", "reasoning").Logger()}
}

// Bind attaches settings and an optional HTTP client.
func (s *Skill) Bind(settings Settings, client *http.Client) {
	if settings.Timeout <= 0 {
		settings.Timeout = 20 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: settings.Timeout}
	}
	s.settings = settings
	s.client = client
	s.baseURL = strings.TrimRight(settings.Endpoint, "/")
}

func (s *Skill) Name() string { return Name }

func (s *Skill) Capabilities() []string { return []string{IntentNegotiate} }

func (s *Skill) Initialize(ctx context.Context) bool {
	return s.baseURL != "" && s.client != nil
}

func (s *Skill) Execute(ctx context.Context, intent string, params skill.Params) (domain.Observation, error) {
	if intent != IntentNegotiate {
		return domain.Observation{}, skill.UnknownIntent(Name, intent)
	}
	if s.baseURL == "" {
		return domain.Failedf("negotiator_not_ready"), nil
	}

	bid, err := params.Decimal("bid")
	if err != nil {
		return domain.Observation{}, err
	}
	decision, err := s.Negotiate(ctx, bid, params["context"], params["history"])
	if err != nil {
		return domain.Observation{}, err
	}
	return domain.Succeeded(decision), nil
}

// Negotiate posts the economic context and parses the strategy's decision.
func (s *Skill) Negotiate(ctx context.Context, bid decimal.Decimal, economic any, history any) (domain.Decision, error) {
	if history == nil {
		history = []any{}
	}
	body, err := json.Marshal(negotiateRequest{InputBid: bid, Context: economic, History: history})
	if err != nil {
		return domain.Decision{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+negotiatePath, bytes.NewReader(body))
	if err != nil {
		return domain.Decision{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(s.settings.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "negotiation-hive/1.0")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return domain.Decision{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Decision{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return domain.Decision{}, parseHTTPError(resp.StatusCode, payload)
	}

	var res negotiateResponse
	if err := parseJSONObject(payload, &res); err != nil {
		return domain.Decision{}, fmt.Errorf("negotiator parsing failed: %w", err)
	}
	action, err := domain.ParseAction(res.Action)
	if err != nil {
		return domain.Decision{}, err
	}

	s.logger.Debug().Str("action", action.String()).Str("price", res.Price.String()).Msg("strategy decided")
	return domain.Decision{
		Action:   action,
		Price:    res.Price,
		Message:  res.Message,
		Thought:  res.Thought,
		Metadata: res.Metadata,
		Steps:    s.validSteps(res.Steps),
	}, nil
}

// validSteps drops steps that do not name both a skill and an intent.
func (s *Skill) validSteps(steps []domain.Step) []domain.Step {
	var out []domain.Step
	for i, step := range steps {
		step.Skill = strings.TrimSpace(step.Skill)
		step.Intent = strings.TrimSpace(step.Intent)
		if step.Skill == "" || step.Intent == "" {
			s.logger.Warn().Int("step", i).Msg("strategy step without skill or intent dropped")
			continue
		}
		out = append(out, step)
	}
	return out
}

type negotiateRequest struct {
	InputBid decimal.Decimal `json:"input_bid"`
	Context  any             `json:"context"`
	History  any             `json:"history"`
}

type negotiateResponse struct {
	Action   string          `json:"action"`
	Price    decimal.Decimal `json:"price"`
	Message  string          `json:"message"`
	Thought  string          `json:"thought"`
	Metadata map[string]any  `json:"metadata"`
	Steps    []domain.Step   `json:"steps"`
}

var fencedJSON = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")

// parseJSONObject accepts a bare object, a fenced json block, or the first
// brace-delimited span of free text.
func parseJSONObject(payload []byte, out any) error {
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return errors.New("empty response")
	}
	if err := json.Unmarshal([]byte(text), out); err == nil {
		return nil
	}
	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		if err := json.Unmarshal([]byte(m[1]), out); err == nil {
			return nil
		}
	}
	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start != -1 && end > start {
		if err := json.Unmarshal([]byte(text[start:end+1]), out); err == nil {
			return nil
		}
	}
	if len(text) > 100 {
		text = text[:100]
	}
	return fmt.Errorf("could not parse JSON from: %s...", text)
}

type errorResponse struct {
	Error   string `json:"error"`
	Detail  string `json:"detail"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		for _, msg := range []string{apiErr.Detail, apiErr.Message, apiErr.Error} {
			if msg != "" {
				return fmt.Errorf("strategy error (%d): %s", status, msg)
			}
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("strategy error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("strategy error (%d)", status)
}

var _ skill.Trinity[Settings, *http.Client] = (*Skill)(nil)
