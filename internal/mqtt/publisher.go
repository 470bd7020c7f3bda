package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/catalogmatch/internal/config"
)

// requestsPerMinute caps inbound batch requests.
const requestsPerMinute = 30

// ErrNotStarted is returned when publishing before [Publisher.Start]
// created the connection.
var ErrNotStarted = errors.New("mqtt publisher not started")

// StatsSource provides runtime data for the status document. The
// concrete adapter is wired in main.go to avoid coupling the MQTT
// package to the API server or matcher.
type StatsSource interface {
	// Uptime returns the process uptime.
	Uptime() time.Duration
	// Version returns the software version string.
	Version() string
	// DefaultModel returns the configured default LLM model name.
	DefaultModel() string
	// ActiveBatches returns the number of batches currently running.
	ActiveBatches() int
	// LastBatchTime returns when the most recent batch completed.
	LastBatchTime() time.Time
}

// Status is the retained document published on <prefix>/status.
type Status struct {
	Version       string `json:"version"`
	Uptime        string `json:"uptime"`
	DefaultModel  string `json:"default_model"`
	ActiveBatches int    `json:"active_batches"`
	LastBatch     string `json:"last_batch"`
	TokensToday   int64  `json:"tokens_today"`
	InputToday    int64  `json:"input_tokens_today"`
	OutputToday   int64  `json:"output_tokens_today"`
	RequestsToday int64  `json:"requests_today"`
}

type publishFunc func(ctx context.Context, pub *paho.Publish) error

// Publisher manages the MQTT connection, publishes batch outcomes and
// runs a periodic loop that refreshes the status document.
type Publisher struct {
	cfg      config.MQTTConfig
	clientID string
	tokens   *DailyTokens
	stats    StatsSource
	logger   *slog.Logger
	cm       *autopaho.ConnectionManager
	publish  publishFunc
	handler  RequestHandler
	limiter  *requestWindow
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop. When cfg.ClientID is empty
// the client identifier is derived from instanceID.
func New(cfg config.MQTTConfig, instanceID string, tokens *DailyTokens, stats StatsSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if tokens == nil {
		tokens = NewDailyTokens(nil)
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "catalogmatch-" + instanceID
	}
	logger = logger.With("component", "mqtt")
	return &Publisher{
		cfg:      cfg,
		clientID: clientID,
		tokens:   tokens,
		stats:    stats,
		logger:   logger,
		limiter:  newRequestWindow(requestsPerMinute, time.Minute, logger),
	}
}

// Start connects to the MQTT broker and begins the periodic publish
// loop. It blocks until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, "online")
			p.subscribe(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					return p.onPublishReceived(ctx, pr)
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm
	p.publish = func(ctx context.Context, pub *paho.Publish) error {
		_, err := cm.Publish(ctx, pub)
		return err
	}

	// Wait for the initial connection before starting the publish loop.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	// Run the periodic status loop until ctx is cancelled.
	p.runLoop(ctx)
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection. The provided context
// controls how long to wait for the publish and disconnect to complete.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return ErrNotStarted
	}
	return p.cm.AwaitConnection(ctx)
}

// PublishOutcome sends a completed batch outcome as JSON to
// <prefix>/batches/<batchID> at QoS 1.
func (p *Publisher) PublishOutcome(ctx context.Context, batchID string, outcome any) error {
	if p.publish == nil {
		return ErrNotStarted
	}
	payload, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal batch outcome: %w", err)
	}
	topic := p.batchTopic(batchID)
	if err := p.publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("publish batch outcome to %s: %w", topic, err)
	}
	p.logger.Info("mqtt batch outcome published", "batch_id", batchID, "topic", topic, "bytes", len(payload))
	return nil
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return p.cfg.TopicPrefix
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) statusTopic() string {
	return p.baseTopic() + "/status"
}

func (p *Publisher) requestTopic() string {
	return p.baseTopic() + "/requests"
}

func (p *Publisher) batchTopic(batchID string) string {
	return p.baseTopic() + "/batches/" + batchID
}

func (p *Publisher) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	if p.handler == nil {
		return
	}
	topic := p.requestTopic()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt subscribe failed", "topic", topic, "error", err)
		return
	}
	p.logger.Info("mqtt subscribed", "topic", topic)
}

func (p *Publisher) publishAvailability(ctx context.Context, status string) {
	if p.publish == nil {
		return
	}
	if err := p.publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Periodic status loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.StatusIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Publish immediately on start.
	p.publishStatus(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStatus(ctx)
		}
	}
}

func (p *Publisher) status() Status {
	today := p.tokens.Snapshot()
	st := Status{
		TokensToday:   today.Input + today.Output,
		InputToday:    today.Input,
		OutputToday:   today.Output,
		RequestsToday: today.Requests,
		LastBatch:     "never",
	}
	if p.stats == nil {
		return st
	}
	st.Version = p.stats.Version()
	st.Uptime = p.stats.Uptime().Truncate(time.Second).String()
	st.DefaultModel = p.stats.DefaultModel()
	st.ActiveBatches = p.stats.ActiveBatches()
	if last := p.stats.LastBatchTime(); !last.IsZero() {
		st.LastBatch = last.Format(time.RFC3339)
	}
	return st
}

func (p *Publisher) publishStatus(ctx context.Context) {
	if p.publish == nil {
		return
	}
	payload, err := json.Marshal(p.status())
	if err != nil {
		p.logger.Error("mqtt marshal status", "error", err)
		return
	}
	if err := p.publish(ctx, &paho.Publish{
		Topic:   p.statusTopic(),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt status publish failed", "error", err)
		return
	}
	p.logger.Debug("mqtt status published")
}
