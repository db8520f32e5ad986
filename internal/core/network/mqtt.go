package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTTOptions configures the broker-backed transport.
type MQTTOptions struct {
	Broker         string
	ClientID       string
	QoS            byte
	ConnectTimeout time.Duration
	Logger         *zap.Logger
}

// MQTTPubSub routes topics through an MQTT broker. QoS 1 or 2 is required for
// ports: MQTT only keeps per-topic order for a subscriber when messages are
// acknowledged.
type MQTTPubSub struct {
	client mqtt.Client
	qos    byte
	log    *zap.Logger
	mem    *MemoryPubSub

	mu     sync.Mutex
	topics map[string]int
}

func NewMQTTPubSub(ctx context.Context, opts MQTTOptions) (*MQTTPubSub, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetOrderMatters(true).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("mqtt connection lost", zap.Error(err))
		})
	client := mqtt.NewClient(clientOpts)

	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("mqtt connect %s: timeout after %s", opts.Broker, timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", opts.Broker, err)
	}
	logger.Info("mqtt connected", zap.String("broker", opts.Broker), zap.String("client_id", opts.ClientID))

	return &MQTTPubSub{
		client: client,
		qos:    opts.QoS,
		log:    logger,
		mem:    NewMemoryPubSub(),
		topics: make(map[string]int),
	}, nil
}

func (p *MQTTPubSub) Publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe fans broker deliveries out through a local MemoryPubSub so that
// several local subscribers of one topic share a single broker subscription.
func (p *MQTTPubSub) Subscribe(topic string) (<-chan Message, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.topics[topic] == 0 {
		token := p.client.Subscribe(topic, p.qos, func(_ mqtt.Client, msg mqtt.Message) {
			_ = p.mem.Publish(topic, msg.Payload())
		})
		token.Wait()
		if err := token.Error(); err != nil {
			return nil, nil, fmt.Errorf("mqtt subscribe %s: %w", topic, err)
		}
	}
	p.topics[topic]++
	ch, cancelLocal, err := p.mem.Subscribe(topic)
	if err != nil {
		return nil, nil, err
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cancelLocal()
			p.mu.Lock()
			defer p.mu.Unlock()
			p.topics[topic]--
			if p.topics[topic] > 0 {
				return
			}
			delete(p.topics, topic)
			if token := p.client.Unsubscribe(topic); token.Wait() && token.Error() != nil {
				p.log.Warn("mqtt unsubscribe failed", zap.String("topic", topic), zap.Error(token.Error()))
			}
		})
	}
	return ch, cancel, nil
}

func (p *MQTTPubSub) Close() error {
	p.client.Disconnect(250)
	return nil
}
