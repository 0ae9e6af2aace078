package reasoning

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"negotiation-hive/internal/domain"
	"negotiation-hive/internal/skill"
)

func newStrategy(t *testing.T, handler http.HandlerFunc) *Skill {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	s := NewSkill(zerolog.Nop())
	s.Bind(Settings{Endpoint: srv.URL + "/", Timeout: time.Second, UserAgent: "test"}, nil)
	if !s.Initialize(context.Background()) {
		t.Fatal("配置了 endpoint 时应初始化成功")
	}
	return s
}

func TestNegotiateSuccess(t *testing.T) {
	s := newStrategy(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/negotiate" {
			t.Fatalf("请求路径错误: %s", r.URL.Path)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("请求体解析失败: %v", err)
		}
		if req["input_bid"] != "850" {
			t.Fatalf("input_bid 错误: %v", req["input_bid"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"action":  "counter",
			"price":   900,
			"message": "How about 900?",
			"thought": "bid below target",
		})
	})

	obs, err := s.Execute(context.Background(), IntentNegotiate, skill.Params{
		"bid":     decimal.NewFromInt(850),
		"context": map[string]any{"floor_price": 800},
	})
	if err != nil {
		t.Fatalf("不应返回错误: %v", err)
	}
	d := obs.Data.(domain.Decision)
	if d.Action != domain.ActionCounter || !d.Price.Equal(decimal.NewFromInt(900)) {
		t.Fatalf("决策解析错误: %+v", d)
	}
}

func TestNegotiateFencedResponse(t *testing.T) {
	s := newStrategy(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("Sure!\n```json\n{\"action\":\"accept\",\"price\":\"1000.50\",\"message\":\"deal\"}\n```"))
	})

	d, err := s.Negotiate(context.Background(), decimal.NewFromInt(1000), nil, nil)
	if err != nil {
		t.Fatalf("应解析 fenced JSON: %v", err)
	}
	if d.Action != domain.ActionAccept || d.Price.String() != "1000.5" {
		t.Fatalf("决策解析错误: %+v", d)
	}
}

func TestNegotiateHTTPError(t *testing.T) {
	s := newStrategy(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": "model overloaded"})
	})

	if _, err := s.Negotiate(context.Background(), decimal.NewFromInt(1), nil, nil); err == nil {
		t.Fatal("HTTP 502 应返回错误")
	}
}

func TestNegotiateUnknownAction(t *testing.T) {
	s := newStrategy(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"action":"haggle","price":1}`))
	})

	if _, err := s.Negotiate(context.Background(), decimal.NewFromInt(1), nil, nil); err == nil {
		t.Fatal("未知 action 应返回错误")
	}
}

func TestNegotiateParsesSteps(t *testing.T) {
	s := newStrategy(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"action":"accept","price":900,"message":"ok","steps":[
			{"skill":"persistence","intent":"read_item","params":{"item_id":"hotel_alpha"}},
			{"skill":"","intent":"read_item"},
			{"skill":"telemetry","intent":"get_vitals"}
		]}`))
	})

	d, err := s.Negotiate(context.Background(), decimal.NewFromInt(850), nil, nil)
	if err != nil {
		t.Fatalf("不应返回错误: %v", err)
	}
	if len(d.Steps) != 2 {
		t.Fatalf("应丢弃缺少 skill 的步骤, 实际 %+v", d.Steps)
	}
	if d.Steps[0].Skill != "persistence" || d.Steps[0].Params["item_id"] != "hotel_alpha" {
		t.Fatalf("第一步解析错误: %+v", d.Steps[0])
	}
	if d.Steps[1].Intent != "get_vitals" {
		t.Fatalf("第二步解析错误: %+v", d.Steps[1])
	}
}

func TestUnboundReasoning(t *testing.T) {
	s := NewSkill(zerolog.Nop())
	s.Bind(Settings{}, nil)
	if s.Initialize(context.Background()) {
		t.Fatal("缺少 endpoint 时不应初始化成功")
	}
	obs, err := s.Execute(context.Background(), IntentNegotiate, skill.Params{"bid": 1.0})
	if err != nil || obs.Success {
		t.Fatalf("未配置时应返回失败 observation: %+v %v", obs, err)
	}
}
