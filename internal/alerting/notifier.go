package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// maxRecipientsShown bounds how many recipient addresses one message lists.
// Display truncation only; the full group is marked consumed regardless.
const maxRecipientsShown = 5

// Notification 封装一次 bundle 告警的展示上下文。
type Notification struct {
	ChatID         int64
	RuleName       string
	TrackedAddress string
	WindowMinutes  int
	GroupSize      int
	Amounts        []decimal.Decimal
	AverageAmount  decimal.Decimal
	Spread         decimal.Decimal
	Recipients     []string
	EmittedAt      time.Time
	AdditionalMsg  string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]any{
		"chat_id":                  strconv.FormatInt(note.ChatID, 10),
		"text":                     renderMessage(note),
		"parse_mode":               "Markdown",
		"disable_web_page_preview": true,
	}

	body, err := json.Marshal(payload)
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
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Int64("chat_id", note.ChatID).
		Str("address", note.TrackedAddress).
		Int("group_size", note.GroupSize).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("🚨 *Bundle alert!* (%s)\n", note.EmittedAt.UTC().Format("15:04:05 02-01")))
	if note.RuleName != "" {
		builder.WriteString(fmt.Sprintf("*%s*\n", note.RuleName))
	}
	builder.WriteString(fmt.Sprintf("`%s`\n\n", note.TrackedAddress))
	builder.WriteString(fmt.Sprintf("%d withdrawals in the last %d min\n", note.GroupSize, note.WindowMinutes))

	amounts := make([]string, len(note.Amounts))
	for i, a := range note.Amounts {
		amounts[i] = a.StringFixed(2)
	}
	builder.WriteString(fmt.Sprintf("Amounts: %s SOL\n", strings.Join(amounts, ", ")))
	builder.WriteString(fmt.Sprintf("Avg: ~%s SOL, Δ (max-min): %s SOL\n\n", note.AverageAmount.StringFixed(4), note.Spread.StringFixed(4)))

	recipients := note.Recipients
	if len(recipients) > maxRecipientsShown {
		recipients = recipients[:maxRecipientsShown]
	}
	if len(recipients) > 0 {
		builder.WriteString("To:\n")
		for _, to := range recipients {
			builder.WriteString(fmt.Sprintf("`%s`\n", to))
		}
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
