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
	"golang.org/x/time/rate"
)

// TelegramOptions parameterise the Telegram sink.
type TelegramOptions struct {
	BotToken  string
	ChatID    string
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64
	Burst     int
}

// TelegramSink posts intents to a chat through the Bot API sendMessage call.
type TelegramSink struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	limiter  *rate.Limiter
	logger   zerolog.Logger
}

// NewTelegramSink constructs a Telegram sink. RateLimit is messages per second; zero disables throttling.
func NewTelegramSink(opts TelegramOptions, logger zerolog.Logger) *TelegramSink {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	return &TelegramSink{
		botToken: opts.BotToken,
		chatID:   opts.ChatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		limiter:  limiter,
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Emit implements Sink.
func (n *TelegramSink) Emit(ctx context.Context, intent Intent) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram rate limit: %w", err)
	}

	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(intent),
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
		return fmt.Errorf("telegram unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().
		Int64("mark_id", intent.MarkID).
		Int64("owner_id", intent.OwnerID).
		Msg("notification sent (Telegram)")
	return nil
}

func renderMessage(intent Intent) string {
	builder := strings.Builder{}
	builder.WriteString("[Rate Mark Triggered]\n")
	builder.WriteString(fmt.Sprintf("User: %d\n", intent.OwnerID))
	builder.WriteString(fmt.Sprintf("Mark: #%d %s %s\n", intent.MarkID, intent.Condition, intent.TargetRate.String()))
	builder.WriteString(fmt.Sprintf("Rate: %s\n", intent.TriggeringRate.String()))
	if !intent.ObservedAt.IsZero() {
		builder.WriteString(fmt.Sprintf("Observed: %s UTC\n", intent.ObservedAt.UTC().Format(time.RFC3339)))
	}
	return builder.String()
}

var _ Sink = (*TelegramSink)(nil)
