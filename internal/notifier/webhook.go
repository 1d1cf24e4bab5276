package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"

	"github.com/opsql/sqlalertd/internal/alertdef"
)

// webhookPayload is the JSON body posted to a GenericWebhook target —
// the rendered message's fields verbatim.
type webhookPayload struct {
	AlertName   string            `json:"alert_name"`
	Status      string            `json:"status"`
	ActualValue *float64          `json:"actual_value,omitempty"`
	Threshold   *float64          `json:"threshold,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Context     map[string]string `json:"context"`
}

// WebhookSender delivers notifications to an arbitrary operator-declared
// URL. It uses hashicorp/go-retryablehttp for the retry policy and a
// DNS-caching transport so repeated fan-out to the same host doesn't
// re-resolve on every attempt.
type WebhookSender struct {
	client    *retryablehttp.Client
	allowlist *HostAllowlist
}

func NewWebhookSender(allowlist *HostAllowlist) *WebhookSender {
	resolver := &dnscache.Resolver{}
	go refreshDNSCache(resolver)

	transport := &http.Transport{
		DialContext: dnsCachingDial(resolver),
	}

	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{Transport: transport}
	client.RetryMax = maxAttempts - 1
	client.RetryWaitMin = retryBackoffs[1]
	client.RetryWaitMax = retryBackoffs[len(retryBackoffs)-1]
	client.Logger = nil
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return isRetryableHTTP(status, err), nil
	}

	return &WebhookSender{client: client, allowlist: allowlist}
}

func (s *WebhookSender) Send(ctx context.Context, target alertdef.NotificationTarget, msg Message) (int, error) {
	if s.allowlist != nil {
		if err := s.allowlist.Check(target.URL); err != nil {
			return 0, err
		}
	}

	method := target.Headers["method"]
	if method == "" {
		method = http.MethodPost
	}

	payload := webhookPayload{
		AlertName:   msg.AlertName,
		Status:      msg.Status,
		ActualValue: msg.ActualValue,
		Threshold:   msg.Threshold,
		Timestamp:   msg.Timestamp,
		Context:     msg.Context,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("notifier: marshal webhook payload: %w", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, perAttemptDeadline*time.Duration(maxAttempts))
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(attemptCtx, method, target.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("notifier: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range target.Headers {
		if k == "method" {
			continue
		}
		req.Header.Set(k, v)
	}

	attempts := 0
	client := *s.client
	client.RequestLogHook = func(_ retryablehttp.Logger, _ *http.Request, attempt int) {
		attempts = attempt + 1
	}

	resp, err := client.Do(req)
	if attempts == 0 {
		attempts = 1
	}
	if err != nil {
		return attempts, fmt.Errorf("notifier: webhook delivery to %s failed: %w", target.URL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return attempts, fmt.Errorf("notifier: webhook %s returned status %d", target.URL, resp.StatusCode)
	}
	return attempts, nil
}

func refreshDNSCache(resolver *dnscache.Resolver) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		resolver.Refresh(true)
	}
}

func dnsCachingDial(resolver *dnscache.Resolver) func(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		var lastErr error
		for _, ip := range ips {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		if lastErr == nil {
			lastErr = fmt.Errorf("notifier: no addresses resolved for %s", host)
		}
		log.Debug().Err(lastErr).Str("host", host).Msg("webhook dial failed across all resolved addresses")
		return nil, lastErr
	}
}
