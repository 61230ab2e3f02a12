package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hitoshi/fasttrack/internal/timer"
)

// allowedSchemes はWebhookのURLで許可されるスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedNetworks はWebhookの送信先として拒否するネットワーク範囲。
// safeurlはDNS解決後のIPアドレスもDialerで検証するため、ここでは静的な事前検証のみ行う。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		// プライベートIPアドレス (RFC 1918)
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		// ループバック
		"127.0.0.0/8",
		// リンクローカル。クラウドメタデータIPを含む
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// maxWebhookResponse は読み捨てるレスポンスボディの上限。
const maxWebhookResponse = 64 * 1024

// webhookPayload はWebhookへ送信するJSON。
type webhookPayload struct {
	Title  string    `json:"title"`
	Body   string    `json:"body"`
	SentAt time.Time `json:"sent_at"`
}

// WebhookNotifier は目標達成の通知をWebhookへPOSTする。
// 送信先はSSRF対策済みのHTTPクライアントで検証し、本文はHTMLを除去して送る。
type WebhookNotifier struct {
	url    string
	client *http.Client
	policy *bluemonday.Policy
	logger *slog.Logger
	now    func() time.Time
}

// compile-time interface check
var _ timer.Notifier = (*WebhookNotifier)(nil)

// NewWebhookNotifier はURLを検証してWebhookNotifierを生成する。
// プライベートIPやループバックを指すURLはエラーになる。
func NewWebhookNotifier(rawURL string, timeout time.Duration, logger *slog.Logger) (*WebhookNotifier, error) {
	if err := ValidateWebhookURL(rawURL); err != nil {
		return nil, err
	}
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(80, 443).
		Build()
	return newWebhookNotifier(rawURL, safeurl.Client(config).Client, logger), nil
}

func newWebhookNotifier(rawURL string, client *http.Client, logger *slog.Logger) *WebhookNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		url:    rawURL,
		client: client,
		policy: bluemonday.StrictPolicy(),
		logger: logger,
		now:    time.Now,
	}
}

// RequestPermission はURLの検証が済んでいるため常に許可済みを返す。
func (w *WebhookNotifier) RequestPermission(ctx context.Context) (timer.Permission, error) {
	return timer.PermissionGranted, nil
}

// Show は通知をWebhookへPOSTする。2xx以外の応答はエラーになる。
func (w *WebhookNotifier) Show(ctx context.Context, title, body string) error {
	payload, err := json.Marshal(webhookPayload{
		Title:  w.policy.Sanitize(title),
		Body:   w.policy.Sanitize(body),
		SentAt: w.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "fasttrack/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxWebhookResponse))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded with status %d", resp.StatusCode)
	}
	w.logger.Debug("Webhookに通知を送信しました", slog.Int("status", resp.StatusCode))
	return nil
}

// ValidateWebhookURL はWebhookのURLを静的に検証する。
// DNS解決を伴わないため、DNS再バインディングはsafeurlのDialer側で防ぐ。
func ValidateWebhookURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, allowedSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}
	return nil
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
