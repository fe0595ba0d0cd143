package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"perfwatch/core"

	"go.uber.org/zap"
)

const userAgent = "perfwatch/1.0"

// maxDrainBytes bounds how much of a response body is read before closing
const maxDrainBytes = 64 << 10

// Notifier posts rendered messages to webhook URLs
type Notifier struct {
	client *http.Client
	logger *zap.SugaredLogger
}

// NewNotifier creates a notifier whose client enforces TLS 1.2+ and the
// given timeout
func NewNotifier(timeout time.Duration, logger *zap.SugaredLogger) *Notifier {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
			// 3xx responses are returned as-is and count as failures
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

// NewNotifierWithClient uses a caller-supplied client
func NewNotifierWithClient(client *http.Client, logger *zap.SugaredLogger) *Notifier {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Notifier{client: client, logger: logger}
}

// Post sends body and returns the response status. Any non-2xx status is a
// delivery failure. Errors never contain the target URL.
func (n *Notifier) Post(ctx context.Context, target string, format core.MessageFormat, body []byte) (int, error) {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return 0, fmt.Errorf("%w: endpoint URL is malformed", core.ErrDeliveryFailure)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return 0, fmt.Errorf("%w: unsupported endpoint scheme %q", core.ErrDeliveryFailure, u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("%w: failed to build request", core.ErrDeliveryFailure)
	}
	req.Header.Set("Content-Type", ContentType(format))
	req.Header.Set("User-Agent", userAgent)

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", core.ErrDeliveryFailure, redact(err))
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
		if err := resp.Body.Close(); err != nil {
			n.logger.Debugf("Failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("%w: endpoint returned non-2xx status %d", core.ErrDeliveryFailure, resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// SendTest posts a synthetic INFO alert to an endpoint
func (n *Notifier) SendTest(ctx context.Context, ep *core.WebhookEndpoint, target string) error {
	now := time.Now().UTC()
	alert := &core.Alert{
		ID:            "test-" + ep.ID,
		OperationType: "perfwatch_test",
		AlertType:     core.AlertThresholdExceeded,
		Severity:      core.SeverityInfo,
		Message:       fmt.Sprintf("Test notification for endpoint %q", ep.Name),
		SourceKind:    "test",
		CreatedAt:     now,
		LastSeen:      now,
	}
	format := ep.Format
	if format == "" {
		format = ep.Type.DefaultFormat()
	}
	body, err := FormatMessage(alert, format)
	if err != nil {
		return err
	}
	_, err = n.Post(ctx, target, format, body)
	return err
}

// redact strips the request URL that net/http puts into transport errors
func redact(err error) string {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		msg := uerr.Err.Error()
		if uerr.Timeout() {
			return "request timed out"
		}
		return strings.ReplaceAll(msg, uerr.URL, "<endpoint>")
	}
	return err.Error()
}
