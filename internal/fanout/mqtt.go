package fanout

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// MQTTConfig configures an [MQTTBroker].
type MQTTConfig struct {
	Broker      string
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string
}

// MQTTBroker relays events through an MQTT broker so that every process
// sharing the topic prefix sees every thread's stream. Inbound messages
// are delivered to local subscribers through an embedded [Hub].
type MQTTBroker struct {
	cfg    MQTTConfig
	hub    *Hub
	cm     *autopaho.ConnectionManager
	logger *slog.Logger
}

// NewMQTTBroker connects to the broker and subscribes to the topic
// prefix. It waits up to 30 seconds for the first connection; after that
// autopaho keeps retrying in the background.
func NewMQTTBroker(ctx context.Context, cfg MQTTConfig, hub *Hub, logger *slog.Logger) (*MQTTBroker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	brokerURL, err := url.Parse(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")

	b := &MQTTBroker{cfg: cfg, hub: hub, logger: logger}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: cfg.Username,
		ConnectPassword: []byte(cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			logger.Info("mqtt connected to broker", "broker", cfg.Broker)
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: cfg.TopicPrefix + "/#", QoS: 0}},
			}); err != nil {
				logger.Warn("mqtt subscribe failed", "prefix", cfg.TopicPrefix, "error", err)
			}
		},
		OnConnectError: func(err error) {
			logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					b.handleInbound(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	b.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return b, nil
}

// Publish sends ev to the broker at QoS 0. Local subscribers receive it
// when the broker echoes it back.
func (b *MQTTBroker) Publish(ctx context.Context, channel string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := b.cm.Publish(ctx, &paho.Publish{
		Topic:   b.topic(channel),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		return fmt.Errorf("mqtt publish: %w", err)
	}
	return nil
}

// Subscribe attaches a local subscriber to channel.
func (b *MQTTBroker) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	return b.hub.Subscribe(ctx, channel)
}

// SubscriberCount returns the number of local subscribers on channel.
// Subscribers in other processes are not counted.
func (b *MQTTBroker) SubscriberCount(channel string) int {
	return b.hub.SubscriberCount(channel)
}

// Close disconnects from the broker and ends local subscriptions.
func (b *MQTTBroker) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	if b.cm != nil {
		err = b.cm.Disconnect(ctx)
	}
	_ = b.hub.Close()
	return err
}

// topic maps a channel name onto one MQTT topic level. Characters that
// are wildcards or separators in MQTT are percent-encoded.
func (b *MQTTBroker) topic(channel string) string {
	return b.cfg.TopicPrefix + "/" + escapeTopicLevel(channel)
}

// channelFor reverses topic. ok is false for topics outside the prefix.
func (b *MQTTBroker) channelFor(topic string) (string, bool) {
	level, found := strings.CutPrefix(topic, b.cfg.TopicPrefix+"/")
	if !found || level == "" || strings.Contains(level, "/") {
		return "", false
	}
	channel, err := url.PathUnescape(level)
	if err != nil {
		return "", false
	}
	return channel, true
}

func (b *MQTTBroker) handleInbound(topic string, payload []byte) {
	channel, ok := b.channelFor(topic)
	if !ok {
		b.logger.Debug("mqtt message outside stream prefix", "topic", topic)
		return
	}
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		b.logger.Warn("mqtt stream payload rejected",
			"topic", topic,
			"payload_size", len(payload),
			"error", err,
		)
		return
	}
	_ = b.hub.Publish(context.Background(), channel, ev)
}

func escapeTopicLevel(s string) string {
	s = url.PathEscape(s)
	return strings.ReplaceAll(s, "+", "%2B")
}
