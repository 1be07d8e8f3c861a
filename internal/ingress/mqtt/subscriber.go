// Package mqtt MQTT 接入：订阅设备上报主题，交由 ingest.Service 处理。
// 主题中 "+" 所在层级为来源设备 HID，消息体与 HTTP 上报接口相同。
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/iot-router/internal/config"
	"github.com/taoyao-code/iot-router/internal/coremodel"
	"github.com/taoyao-code/iot-router/internal/ingest"
)

// Ingester 消息接入
type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) (*ingest.Result, error)
}

// messageBody 与 HTTP 上报请求体一致
type messageBody struct {
	Type      string         `json:"type"`
	AlertType string         `json:"alert_type"`
	AlarmType string         `json:"alarm_type"`
	Payload   map[string]any `json:"payload"`
	NID       any            `json:"nid"`
	User      string         `json:"user"`
}

// Subscriber MQTT 订阅者
type Subscriber struct {
	cfg      cfgpkg.MQTTConfig
	ingest   Ingester
	logger   *zap.Logger
	client   paho.Client
	hidIndex int
	timeout  time.Duration
}

// NewSubscriber 创建订阅者；topic 必须恰好包含一个 "+" 层级
func NewSubscriber(cfg cfgpkg.MQTTConfig, ing Ingester, logger *zap.Logger) (*Subscriber, error) {
	idx, err := hidLevel(cfg.Topic)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Subscriber{
		cfg:      cfg,
		ingest:   ing,
		logger:   logger.With(zap.String("component", "mqtt")),
		hidIndex: idx,
		timeout:  10 * time.Second,
	}
	s.client = paho.NewClient(s.clientOptions())
	return s, nil
}

func (s *Subscriber) clientOptions() *paho.ClientOptions {
	opts := paho.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(s.cfg.ClientID).
		SetOrderMatters(false).
		SetCleanSession(false).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
	}
	if s.cfg.Password != "" {
		opts.SetPassword(s.cfg.Password)
	}

	// 重连后重新订阅
	opts.OnConnect = func(c paho.Client) {
		s.logger.Info("mqtt connected", zap.String("broker", s.cfg.Broker))
		token := c.Subscribe(s.cfg.Topic, s.cfg.QoS, func(_ paho.Client, msg paho.Message) {
			s.HandleMessage(context.Background(), msg)
		})
		if token.Wait() && token.Error() != nil {
			s.logger.Error("mqtt subscribe failed", zap.String("topic", s.cfg.Topic), zap.Error(token.Error()))
			return
		}
		s.logger.Info("mqtt subscribed", zap.String("topic", s.cfg.Topic), zap.Uint8("qos", s.cfg.QoS))
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		s.logger.Warn("mqtt connection lost", zap.Error(err))
	}
	return opts
}

// Start 连接 broker；SetConnectRetry 下首次连接在后台重试，ctx 取消时放弃等待
func (s *Subscriber) Start(ctx context.Context) error {
	token := s.client.Connect()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 断开连接
func (s *Subscriber) Stop() {
	if s.client.IsConnected() {
		s.client.Unsubscribe(s.cfg.Topic).WaitTimeout(2 * time.Second)
	}
	s.client.Disconnect(250)
	s.logger.Info("mqtt disconnected")
}

// HandleMessage 解析一条 MQTT 消息并接入。
// 错误只记录日志，不回复发布方（MQTT 无请求-响应语义）。
func (s *Subscriber) HandleMessage(ctx context.Context, msg paho.Message) {
	hid, err := s.hidFromTopic(msg.Topic())
	if err != nil {
		s.logger.Warn("mqtt bad topic", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}
	req, err := decodeBody(hid, msg.Payload())
	if err != nil {
		s.logger.Warn("mqtt invalid message", zap.String("hid", hid), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.ingest.Ingest(ctx, req)
	switch {
	case errors.Is(err, ingest.ErrRoutingFailed) && res != nil && res.Message != nil:
		s.logger.Error("mqtt message stored but routing failed",
			zap.String("hid", hid), zap.Int64("message_id", res.Message.ID), zap.Error(err))
	case err != nil:
		s.logger.Warn("mqtt message rejected", zap.String("hid", hid), zap.Error(err))
	default:
		s.logger.Debug("mqtt message ingested",
			zap.String("hid", hid),
			zap.Int64("message_id", res.Message.ID),
			zap.Int("target_devices", res.Routing.TargetCount))
	}
}

func decodeBody(hid string, raw []byte) (ingest.Request, error) {
	var body messageBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return ingest.Request{}, fmt.Errorf("%w: invalid message body: %v", coremodel.ErrValidation, err)
	}
	nid, err := ingest.ParseNID(body.NID)
	if err != nil {
		return ingest.Request{}, err
	}
	var payload json.RawMessage
	if body.Payload != nil {
		if payload, err = json.Marshal(body.Payload); err != nil {
			return ingest.Request{}, fmt.Errorf("%w: invalid payload: %v", coremodel.ErrValidation, err)
		}
	}
	subtype := body.AlertType
	if body.AlarmType != "" {
		subtype = body.AlarmType
	}
	return ingest.Request{
		SourceHID: hid,
		Class:     body.Type,
		Subtype:   subtype,
		Payload:   payload,
		NID:       nid,
		User:      body.User,
		Channel:   ingest.ChannelMQTT,
	}, nil
}

func hidLevel(topic string) (int, error) {
	idx := -1
	for i, level := range strings.Split(topic, "/") {
		if level != "+" {
			continue
		}
		if idx >= 0 {
			return 0, fmt.Errorf("mqtt topic %q: exactly one '+' level expected", topic)
		}
		idx = i
	}
	if idx < 0 {
		return 0, fmt.Errorf("mqtt topic %q: missing '+' level for device hid", topic)
	}
	return idx, nil
}

func (s *Subscriber) hidFromTopic(topic string) (string, error) {
	levels := strings.Split(topic, "/")
	if s.hidIndex >= len(levels) || levels[s.hidIndex] == "" {
		return "", fmt.Errorf("no hid at level %d", s.hidIndex)
	}
	return levels[s.hidIndex], nil
}
