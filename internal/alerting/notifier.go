package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Notification 封装成交结算告警上下文。
type Notification struct {
	DealID          string
	ItemID          string
	ItemName        string
	FinalPrice      decimal.Decimal
	Currency        string
	TransactionHash string
	FromAddress     string
	PaidAt          time.Time
	AdditionalMsg   string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// NopNotifier 丢弃所有告警，用于未配置 Telegram 时。
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) error { return nil }

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	body, err := json.Marshal(map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	})
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram 返回 ok=false")
	}

	n.logger.Info().Str("deal_id", note.DealID).
		Str("item_id", note.ItemID).
		Str("tx", note.TransactionHash).
		Msg("结算告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[Hive Deal Paid]\n")
	builder.WriteString(fmt.Sprintf("Deal: %s\n", note.DealID))
	if note.ItemName != "" {
		builder.WriteString(fmt.Sprintf("Item: %s (%s)\n", note.ItemName, note.ItemID))
	} else {
		builder.WriteString(fmt.Sprintf("Item: %s\n", note.ItemID))
	}
	builder.WriteString(fmt.Sprintf("Price: %s %s\n", note.FinalPrice.String(), note.Currency))
	builder.WriteString(fmt.Sprintf("Paid: %s UTC\n", note.PaidAt.UTC().Format(time.RFC3339)))
	if note.TransactionHash != "" {
		builder.WriteString(fmt.Sprintf("Tx: %s\n", note.TransactionHash))
	}
	if note.FromAddress != "" {
		builder.WriteString(fmt.Sprintf("From: %s\n", note.FromAddress))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = NopNotifier{}
)
