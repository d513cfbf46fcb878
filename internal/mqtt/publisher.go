package mqtt

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
	"github.com/nugget/mcpattach/internal/config"
	"github.com/nugget/mcpattach/internal/events"
)

// Stopper stops a live server by id. [*attach.Controller] satisfies it.
type Stopper interface {
	Stop(id string) error
}

// Publisher manages the MQTT connection and forwards bus events to
// the broker as they happen.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	servers    []string
	bus        *events.Bus
	handler    MessageHandler
	limiter    *messageRateLimiter
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and forwarding loop. servers lists the ids
// that get a discovery sensor. stopper, when non-nil, receives "stop"
// commands from the command topic.
func New(cfg config.MQTTConfig, instanceID string, servers []string, bus *events.Bus, stopper Stopper, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.TopicPrefix),
		servers:    servers,
		bus:        bus,
		limiter:    newMessageRateLimiter(20, time.Minute, logger),
		logger:     logger,
	}
	p.handler = commandHandler(cfg.TopicPrefix, stopper, logger)
	return p
}

// Start connects to the MQTT broker and forwards bus events until ctx
// is cancelled. On every (re-)connect it publishes discovery configs
// and a birth message and re-subscribes to the command topic.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	// Subscribe before connecting so no event is missed while the
	// broker handshake is in flight.
	ch := p.bus.Subscribe(64)
	defer p.bus.Unsubscribe(ch)

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
			p.subscribeCommands(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "mcpattach-" + p.instanceID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					if !p.limiter.allow() {
						return true, nil
					}
					p.handler(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
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

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go p.limiter.start(ctx)
	p.forward(ctx, ch)
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection. The provided context
// controls how long to wait for the publish and disconnect to complete.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

// --- Topic helpers ---

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

func (p *Publisher) serverTopic(id, leaf string) string {
	return p.cfg.TopicPrefix + "/" + id + "/" + leaf
}

func (p *Publisher) commandFilter() string {
	return p.cfg.TopicPrefix + "/+/command"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.instanceID + "/" + entity + "/config"
}

func (p *Publisher) discoveryEnabled() bool {
	return p.cfg.DiscoveryPrefix != "" && p.cfg.DiscoveryPrefix != "off"
}

// --- Event payloads ---

type statusPayload struct {
	Status    string    `json:"status"`
	Attempt   int       `json:"attempt,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"ts"`
}

type exitPayload struct {
	Code      any       `json:"code"`
	Signal    any       `json:"signal"`
	Expected  bool      `json:"expected"`
	Timestamp time.Time `json:"ts"`
}

type restartPayload struct {
	DelayMS   int64     `json:"delay_ms"`
	Restart   int       `json:"restart"`
	Timestamp time.Time `json:"ts"`
}

// messages maps one bus event to the MQTT publishes that mirror it.
// Events this package does not mirror produce none.
func (p *Publisher) messages(e events.Event) []*paho.Publish {
	id := e.String("id")
	if id == "" {
		return nil
	}

	switch {
	case e.Source == events.SourceAttach && e.Kind == events.KindStatus:
		return []*paho.Publish{p.retained(p.serverTopic(id, "status"), statusPayload{
			Status:    e.String("status"),
			Attempt:   e.Int("attempt"),
			Error:     e.String("error"),
			Timestamp: e.Timestamp,
		})}

	case e.Source == events.SourceAttach && e.Kind == events.KindExit:
		expected, _ := e.Data["expected"].(bool)
		return []*paho.Publish{
			p.retained(p.serverTopic(id, "exit"), exitPayload{
				Code:      e.Data["code"],
				Signal:    e.Data["signal"],
				Expected:  expected,
				Timestamp: e.Timestamp,
			}),
			p.retained(p.serverTopic(id, "status"), statusPayload{
				Status:    "exited",
				Timestamp: e.Timestamp,
			}),
		}

	case e.Source == events.SourceKeepalive && e.Kind == events.KindRestart:
		payload, _ := json.Marshal(restartPayload{DelayMS: int64(e.Int("delay_ms")), Restart: e.Int("restart"), Timestamp: e.Timestamp})
		return []*paho.Publish{{Topic: p.serverTopic(id, "restart"), Payload: payload, QoS: 0}}
	}
	return nil
}

func (p *Publisher) retained(topic string, v any) *paho.Publish {
	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("mqtt marshal payload", "topic", topic, "error", err)
		return nil
	}
	return &paho.Publish{Topic: topic, Payload: payload, QoS: 1, Retain: true}
}

// forward publishes mirrored events until ctx is cancelled or the
// subscription closes.
func (p *Publisher) forward(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			for _, msg := range p.messages(e) {
				if msg == nil {
					continue
				}
				if _, err := p.cm.Publish(ctx, msg); err != nil {
					p.logger.Warn("mqtt event publish failed", "topic", msg.Topic, "error", err)
				} else {
					p.logger.Debug("mqtt event published", "topic", msg.Topic)
				}
			}
		}
	}
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	avail := p.availabilityTopic()
	defs := make([]sensorDef, 0, len(p.servers))
	for _, id := range p.servers {
		suffix := sanitizeEntity(id) + "_status"
		status := p.serverTopic(id, "status")
		defs = append(defs, sensorDef{
			entitySuffix: suffix,
			config: SensorConfig{
				Name:                id + " Status",
				ObjectID:            suffix,
				HasEntityName:       true,
				UniqueID:            p.instanceID + "_" + suffix,
				StateTopic:          status,
				ValueTemplate:       "{{ value_json.status }}",
				JsonAttributesTopic: status,
				AvailabilityTopic:   avail,
				Device:              p.device,
				Icon:                "mdi:server-network",
			},
		})
	}
	return defs
}

// sanitizeEntity makes a server id safe for an HA object id.
func sanitizeEntity(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, id)
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	if !p.discoveryEnabled() {
		return
	}
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", s.entitySuffix, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", s.entitySuffix, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published",
				"entity", s.entitySuffix, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
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

func (p *Publisher) subscribeCommands(ctx context.Context, cm *autopaho.ConnectionManager) {
	filter := p.commandFilter()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt command subscribe failed", "topic", filter, "error", err)
		return
	}
	p.logger.Debug("mqtt subscribed", "topic", filter)
}
