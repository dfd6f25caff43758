package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"i4.energy/across/atmodem/modem"
	"i4.energy/across/atmodem/pdu"
)

// Bridge feeds send requests from an MQTT topic into the gateway queue and
// publishes modem events under the events topic.
type Bridge struct {
	config MQTTConfig
	queue  Queue
	logger *slog.Logger
	client mqtt.Client
}

func NewBridge(config MQTTConfig, queue Queue, logger *slog.Logger) *Bridge {
	b := &Bridge{config: config, queue: queue, logger: logger}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}
	opts.SetOrderMatters(false)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", "error", err)
	})
	opts.SetOnConnectHandler(b.subscribe)
	b.client = mqtt.NewClient(opts)
	return b
}

// Run connects to the broker and stays connected until ctx is canceled.
func (b *Bridge) Run(ctx context.Context) error {
	t := b.client.Connect()
	if !t.WaitTimeout(30 * time.Second) {
		return fmt.Errorf("mqtt: connect to %s: timed out", b.config.Broker)
	}
	if err := t.Error(); err != nil {
		return fmt.Errorf("mqtt: connect to %s: %w", b.config.Broker, err)
	}

	<-ctx.Done()
	b.client.Disconnect(500)
	return nil
}

func (b *Bridge) subscribe(c mqtt.Client) {
	b.logger.Info("MQTT connected", "topic", b.config.Topic)
	if t := c.Subscribe(b.config.Topic, 0, b.handleRequest); t.Wait() && t.Error() != nil {
		b.logger.Error("MQTT subscribe failed", "topic", b.config.Topic, "error", t.Error())
	}
}

func (b *Bridge) handleRequest(_ mqtt.Client, msg mqtt.Message) {
	var req Request
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		b.logger.Warn("Ignoring malformed MQTT request", "topic", msg.Topic(), "error", err)
		return
	}
	id, err := b.queue.Enqueue(req)
	if err != nil {
		b.logger.Warn("Rejected MQTT request", "topic", msg.Topic(), "error", err)
		return
	}
	b.logger.Info("SMS queued", "id", id, "to", req.To, "source", "mqtt")
}

// Attach publishes the events of m. Handlers run on the modem loop, so
// publishing never waits for the broker.
func (b *Bridge) Attach(m *modem.Modem) {
	m.OnSMSReceived(func(msg *pdu.Message) { b.publish("received", msg) })
	m.OnDelivery(func(report *pdu.StatusReport, index int) {
		b.publish("delivery", struct {
			*pdu.StatusReport
			Index     int  `json:"index"`
			Delivered bool `json:"delivered"`
		}{report, index, report.Delivered()})
	})
	m.OnRing(func(callerID string) {
		b.publish("ring", map[string]string{"caller_id": callerID})
	})
	m.OnMemoryFull(func(storage string) {
		b.publish("memory_full", map[string]string{"storage": storage})
	})
}

func (b *Bridge) publish(event string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("Failed to encode event", "event", event, "error", err)
		return
	}
	topic := b.config.EventsTopic + "/" + event
	b.client.Publish(topic, 1, false, payload)
}
