package service

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"driver-hub/common/log"
	"driver-hub/common/store"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
)

// MQTTSink publishes journal events to {topic}/{kind}.
type MQTTSink struct {
	Broker   string
	Topic    string
	ClientID string

	client    mqtt.Client
	connected atomic.Bool
	published atomic.Uint64
	failed    atomic.Uint64
}

func NewMQTTSink(broker, topic, clientID string) *MQTTSink {
	if clientID == "" {
		clientID = "driver-hub"
	}
	return &MQTTSink{Broker: broker, Topic: strings.TrimRight(topic, "/"), ClientID: clientID}
}

// brokerURL adds tcp:// when the broker is given as host:port.
func (s *MQTTSink) brokerURL() string {
	if strings.Contains(s.Broker, "://") {
		return s.Broker
	}
	return "tcp://" + s.Broker
}

// Connect dials the broker. Reconnects after a lost connection are handled
// by the client.
func (s *MQTTSink) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.brokerURL())
	opts.SetClientID(s.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		s.connected.Store(true)
		log.Info("mqtt connection established", log.Fields{"broker": s.Broker, "client_id": s.ClientID})
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.connected.Store(false)
		log.Warn(fmt.Sprintf("mqtt connection lost, will auto-reconnect: %v", err), log.Fields{"broker": s.Broker})
	}

	s.client = mqtt.NewClient(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return errors.New("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return errors.Wrap(err, "mqtt connection failed")
	}
	s.connected.Store(true)
	return nil
}

// TopicFor is the topic an event is published on.
func (s *MQTTSink) TopicFor(e store.Event) string {
	return fmt.Sprintf("%s/%s", s.Topic, e.Kind)
}

func (s *MQTTSink) Publish(e store.Event) error {
	if s.client == nil || !s.connected.Load() {
		s.failed.Add(1)
		return errors.New("mqtt not connected")
	}

	payload, err := json.Marshal(e)
	if err != nil {
		s.failed.Add(1)
		return errors.Wrap(err, "failed to marshal event")
	}

	token := s.client.Publish(s.TopicFor(e), 0, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		s.failed.Add(1)
		return errors.New("publish timeout")
	}
	if err := token.Error(); err != nil {
		s.failed.Add(1)
		return errors.Wrap(err, "publish failed")
	}
	s.published.Add(1)
	return nil
}

// Disconnect closes the connection with a short grace period.
func (s *MQTTSink) Disconnect() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
		log.Info("mqtt disconnected")
	}
	s.connected.Store(false)
}

// MQTTStats is the sink's publish tally.
type MQTTStats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
}

func (s *MQTTSink) Stats() MQTTStats {
	return MQTTStats{
		Connected: s.connected.Load(),
		Published: s.published.Load(),
		Failed:    s.failed.Load(),
	}
}
