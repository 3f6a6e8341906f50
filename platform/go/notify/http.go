package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// HTTPConfig configures the email relay.
type HTTPConfig struct {
	Endpoint string
	APIKey   string
	From     string
	RetryMax int
	Timeout  time.Duration
}

// HTTPNotifier posts summaries as JSON to an email relay endpoint, retrying transport failures and
// 5xx/429 responses.
type HTTPNotifier struct {
	cfg    HTTPConfig
	client *retryablehttp.Client
}

type relayMessage struct {
	From    string  `json:"from"`
	To      string  `json:"to"`
	Subject string  `json:"subject"`
	Text    string  `json:"text"`
	Summary Summary `json:"summary"`
}

func NewHTTPNotifier(cfg HTTPConfig, logger *zap.Logger) (*HTTPNotifier, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("notify endpoint is required")
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = cfg.Timeout
	client.Logger = zapLeveledLogger{logger: logger.Sugar()}

	return &HTTPNotifier{cfg: cfg, client: client}, nil
}

func (n *HTTPNotifier) SendSummary(ctx context.Context, adminEmail string, summary Summary) error {
	if adminEmail == "" {
		return errors.New("recipient is required")
	}

	body, err := json.Marshal(relayMessage{
		From:    n.cfg.From,
		To:      adminEmail,
		Subject: summary.Subject(),
		Text:    summary.Text(),
		Summary: summary,
	})
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, n.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+n.cfg.APIKey)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send summary: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify relay responded %d", resp.StatusCode)
	}
	return nil
}

type zapLeveledLogger struct {
	logger *zap.SugaredLogger
}

func (l zapLeveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, keysAndValues...)
}

func (l zapLeveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Infow(msg, keysAndValues...)
}

func (l zapLeveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l zapLeveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warnw(msg, keysAndValues...)
}

var _ retryablehttp.LeveledLogger = zapLeveledLogger{}
