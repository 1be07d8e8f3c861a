package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/iot-router/internal/config"
	"github.com/taoyao-code/iot-router/internal/coremodel"
	"github.com/taoyao-code/iot-router/internal/metrics"
)

// Sender 执行单次 webhook POST，重试由调度器负责
type Sender struct {
	client   *http.Client
	secret   string
	breakers *breakerSet
	logger   *zap.Logger
	now      func() time.Time
}

// SenderOption 配置项
type SenderOption func(*Sender)

// WithHTTPClient 替换 HTTP 客户端
func WithHTTPClient(c *http.Client) SenderOption { return func(s *Sender) { s.client = c } }

// WithSigningSecret 设置 HMAC 签名密钥，为空时不签名
func WithSigningSecret(secret string) SenderOption { return func(s *Sender) { s.secret = secret } }

// WithBreaker 启用按主机的熔断器
func WithBreaker(cfg cfgpkg.BreakerConfig, m *metrics.AppMetrics) SenderOption {
	return func(s *Sender) {
		if cfg.Enabled {
			s.breakers = newBreakerSet(cfg, s.logger, m)
		}
	}
}

// NewSender 创建发送器；timeout 为单次请求的上限
func NewSender(timeout time.Duration, logger *zap.Logger, opts ...SenderOption) *Sender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sender{
		client: &http.Client{Timeout: timeout},
		logger: logger,
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Send POST 报文到 endpoint，2xx 视为成功。
// 非 2xx、网络错误、超时与熔断拒绝均返回 *DeliveryError。
func (s *Sender) Send(ctx context.Context, endpoint string, env coremodel.WebhookEnvelope) (int, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return 0, &DeliveryError{Err: fmt.Errorf("invalid webhook url %q", endpoint)}
	}
	body, err := json.Marshal(env)
	if err != nil {
		return 0, &DeliveryError{Err: fmt.Errorf("marshal envelope: %w", err)}
	}

	if s.breakers == nil {
		return s.post(ctx, u, body)
	}
	code, err := s.breakers.get(u.Host).Execute(func() (int, error) {
		return s.post(ctx, u, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return 0, &DeliveryError{Err: fmt.Errorf("%w: %s", ErrBreakerOpen, u.Host)}
	}
	return code, err
}

func (s *Sender) post(ctx context.Context, u *url.URL, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return 0, &DeliveryError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if s.secret != "" {
		ts := s.now().Unix()
		nonce := uuid.NewString()
		path := u.Path
		if path == "" {
			path = "/"
		}
		canonical := buildCanonical(http.MethodPost, path, ts, nonce, hashHex(body))
		req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", ts))
		req.Header.Set(HeaderNonce, nonce)
		req.Header.Set(HeaderSignature, SignHMAC(s.secret, canonical))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, &DeliveryError{Err: err}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, &DeliveryError{StatusCode: resp.StatusCode}
	}
	return resp.StatusCode, nil
}
