// Package alert delivers human-readable notifications to a DingTalk-style
// chat webhook, signing each delivery with HMAC-SHA256 when a secret is
// configured.
package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

const sendTimeout = 5 * time.Second

// Sink delivers alerts to a chat webhook. The zero value is usable but
// inert: with no Token configured, Send logs and returns nil.
type Sink struct {
	Token      string
	Secret     string
	httpClient *http.Client

	// endpointOverride replaces the DingTalk base URL in tests.
	endpointOverride string
}

// NewSink builds a Sink for the given DingTalk-style token/secret pair.
// Either may be empty.
func NewSink(token, secret string) *Sink {
	return &Sink{
		Token:      token,
		Secret:     secret,
		httpClient: &http.Client{Timeout: sendTimeout},
	}
}

type webhookText struct {
	Content string `json:"content"`
}

type webhookPayload struct {
	MsgType string      `json:"msgtype"`
	Text    webhookText `json:"text"`
}

// Send delivers an alert for (symbol, timeframe) with the given body. It
// returns nil on HTTP 200, and a non-nil error otherwise (including
// transport failures, which callers should treat per apperr.ErrNetwork).
func (s *Sink) Send(ctx context.Context, symbol, timeframe, body string) error {
	if s.Token == "" {
		log.Info().Str("symbol", symbol).Str("timeframe", timeframe).Msg("alert sink has no token configured, skipping dispatch")
		return nil
	}

	content := fmt.Sprintf("\n%s %s 异动\n时间: %s\n%s", symbol, timeframe, time.Now().Format("2006-01-02 15:04:05"), body)
	payload := webhookPayload{MsgType: "text", Text: webhookText{Content: content}}

	buf, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("alert: marshal payload: %w", err)
	}

	base := s.endpointOverride
	if base == "" {
		base = "https://oapi.dingtalk.com/robot/send"
	}
	endpoint := base + "?access_token=" + url.QueryEscape(s.Token)
	if s.Secret != "" {
		ts := time.Now().UnixMilli()
		sign := s.sign(ts)
		endpoint += "&timestamp=" + strconv.FormatInt(ts, 10) + "&sign=" + url.QueryEscape(sign)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("alert: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client().Do(req)
	if err != nil {
		return fmt.Errorf("alert: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("alert: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// sign computes base64(HMAC_SHA256(secret, "{ts}\n{secret}")), DingTalk's
// signing scheme.
func (s *Sink) sign(ts int64) string {
	stringToSign := fmt.Sprintf("%d\n%s", ts, s.Secret)
	mac := hmac.New(sha256.New, []byte(s.Secret))
	mac.Write([]byte(stringToSign))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (s *Sink) client() *http.Client {
	if s.httpClient == nil {
		return &http.Client{Timeout: sendTimeout}
	}
	return s.httpClient
}
