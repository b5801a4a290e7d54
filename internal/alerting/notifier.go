package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Alert kinds.
const (
	KindPriceGuarded        = "price_guarded"
	KindReporterInvalidated = "reporter_invalidated"
)

// Notification 封装告警上下文。Prices are in 1e6 USD units.
type Notification struct {
	Time          time.Time
	Kind          string
	Symbol        string
	ReportedPrice *big.Int
	AnchorPrice   *big.Int
	Reporter      common.Address
	Channels      []string
	AdditionalMsg string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

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
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    RenderMessage(note),
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

	n.logger.Info().Time("time", note.Time).
		Str("kind", note.Kind).
		Str("symbol", note.Symbol).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("告警已发送 (Telegram)")
	return nil
}

// RenderMessage formats a notification as plain text.
func RenderMessage(note Notification) string {
	builder := strings.Builder{}
	switch note.Kind {
	case KindReporterInvalidated:
		builder.WriteString("[Anchored View] Reporter invalidated\n")
		builder.WriteString(fmt.Sprintf("Time: %s UTC\n", note.Time.UTC().Format(time.RFC3339)))
		builder.WriteString(fmt.Sprintf("Reporter: %s\n", note.Reporter.Hex()))
		builder.WriteString("Prices now follow the anchor only.\n")
	default:
		builder.WriteString(fmt.Sprintf("[Anchored View] %s price guarded\n", note.Symbol))
		builder.WriteString(fmt.Sprintf("Time: %s UTC\n", note.Time.UTC().Format(time.RFC3339)))
		builder.WriteString(fmt.Sprintf("Reported: %s USD\n", usd(note.ReportedPrice)))
		builder.WriteString(fmt.Sprintf("Anchor: %s USD\n", usd(note.AnchorPrice)))
		if dev, ok := deviationPct(note.ReportedPrice, note.AnchorPrice); ok {
			builder.WriteString(fmt.Sprintf("Deviation: %s%%\n", dev.StringFixed(3)))
		}
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

func usd(v *big.Int) string {
	if v == nil {
		return "n/a"
	}
	return decimal.NewFromBigInt(v, -6).StringFixed(6)
}

func deviationPct(reported, anchor *big.Int) (decimal.Decimal, bool) {
	if reported == nil || anchor == nil || anchor.Sign() == 0 {
		return decimal.Decimal{}, false
	}
	r := decimal.NewFromBigInt(reported, 0)
	a := decimal.NewFromBigInt(anchor, 0)
	return r.Div(a).Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100)), true
}

var _ Notifier = (*TelegramNotifier)(nil)
