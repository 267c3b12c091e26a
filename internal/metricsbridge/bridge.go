// Package metricsbridge republishes gateway-wide space/participant/
// stream counters to an MQTT broker for operators who already run
// MQTT-based dashboards. It is a read-only observability bridge: the
// gateway never treats MQTT state as authoritative, and the bridge is
// disabled by default. It follows the birth/LWT availability pattern
// so a dashboard can tell a cleanly-stopped bridge apart from a
// crashed one.
package metricsbridge

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// Stats is one snapshot of gateway-wide counters published on each
// publish tick.
type Stats struct {
	Spaces               int            `json:"spaces"`
	ConnectedParticipants map[string]int `json:"connected_participants"`
	ActiveStreams        map[string]int `json:"active_streams"`
	EnvelopesRoutedTotal uint64         `json:"envelopes_routed_total"`
}

// StatsSource is implemented by internal/gateway's orchestrator to
// supply a fresh snapshot on demand, keeping this package free of any
// dependency on the gateway's internal state shape.
type StatsSource interface {
	Snapshot() Stats
}

// Bridge owns one autopaho connection manager and a periodic publish
// loop. Construct with New, then run with Run in its own goroutine.
type Bridge struct {
	cm           *autopaho.ConnectionManager
	topicPrefix  string
	interval     time.Duration
	source       StatsSource
	logger       *slog.Logger
}

// Config is the subset of config.MQTTBridgeConfig needed to construct
// a Bridge, kept separate so this package doesn't import internal/config.
type Config struct {
	BrokerURL      string
	ClientID       string
	TopicPrefix    string
	PublishSeconds int
}

// availabilityTopic and its birth/LWT payloads mirror the common MQTT
// discovery convention: "online" published (retained) on connect,
// "offline" set as the will so the broker publishes it automatically
// if the bridge disconnects uncleanly.
func availabilityTopic(prefix string) string { return prefix + "/availability" }

// New builds a Bridge and starts connecting in the background. The
// returned Bridge is not yet publishing; call Run to start the
// publish loop. Run may be called immediately — it waits for a
// connection internally.
func New(ctx context.Context, cfg Config, source StatsSource, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(cfg.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt_bridge.broker_url: %w", err)
	}

	avail := availabilityTopic(cfg.TopicPrefix)
	interval := time.Duration(cfg.PublishSeconds) * time.Second

	clientConfig := autopaho.ClientConfig{
		ServerUrls: []*url.URL{u},
		KeepAlive:  30,
		WillMessage: &paho.WillMessage{
			Topic:   avail,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			_, err := cm.Publish(ctx, &paho.Publish{
				Topic:   avail,
				Payload: []byte("online"),
				Retain:  true,
				QoS:     1,
			})
			if err != nil {
				logger.Warn("metricsbridge: publish birth message", "error", err)
			}
		},
		OnConnectError: func(err error) {
			logger.Warn("metricsbridge: connect error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: cfg.ClientID,
		},
	}
	if u.Scheme == "mqtts" || u.Scheme == "ssl" {
		clientConfig.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("autopaho.NewConnection: %w", err)
	}

	return &Bridge{cm: cm, topicPrefix: cfg.TopicPrefix, interval: interval, source: source, logger: logger}, nil
}

// Run blocks publishing Stats snapshots every interval until ctx is
// canceled, then publishes the offline availability message and
// disconnects cleanly.
func (b *Bridge) Run(ctx context.Context) {
	if err := b.cm.AwaitConnection(ctx); err != nil {
		b.logger.Warn("metricsbridge: initial connect failed", "error", err)
		return
	}

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.cm.Publish(context.Background(), &paho.Publish{
				Topic: availabilityTopic(b.topicPrefix), Payload: []byte("offline"), Retain: true, QoS: 1,
			})
			b.cm.Disconnect(context.Background())
			return
		case <-ticker.C:
			b.publish(ctx)
		}
	}
}

func (b *Bridge) publish(ctx context.Context) {
	stats := b.source.Snapshot()
	data, err := json.Marshal(stats)
	if err != nil {
		b.logger.Warn("metricsbridge: marshal stats", "error", err)
		return
	}
	_, err = b.cm.Publish(ctx, &paho.Publish{
		Topic:   b.topicPrefix + "/stats",
		Payload: data,
		QoS:     0,
	})
	if err != nil {
		b.logger.Warn("metricsbridge: publish stats", "error", err)
	}
}
