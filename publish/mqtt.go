// Package publish pushes detection events to downstream consumers over
// MQTT.
package publish

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/cortexvision/detserve"
)

// Options configure the publisher
type Options struct {
	// Broker is the MQTT broker URL, for example tcp://localhost:1883
	Broker string
	// ClientID identifies this publisher to the broker
	ClientID string
	// Topic is the topic prefix events are published under, the source
	// identifier is appended as a subtopic
	Topic string
	// QoS for published messages
	QoS byte
	// ConnectTimeout bounds the initial broker connection
	ConnectTimeout time.Duration
	// Logger defaults to a no-op logger
	Logger *zap.Logger
}

// Event is the published payload for one processed input
type Event struct {
	Source     string               `json:"source"`
	Timestamp  time.Time            `json:"timestamp"`
	Detections []detserve.Detection `json:"detections"`
}

// Publisher sends detection sets to an MQTT broker
type Publisher struct {
	client mqtt.Client
	opts   Options
	logger *zap.Logger
}

// NewPublisher connects to the broker and returns a Publisher
func NewPublisher(opts Options) (*Publisher, error) {

	if opts.Broker == "" {
		return nil, errors.New("broker URL is required")
	}

	if opts.ClientID == "" {
		opts.ClientID = "detserve-publisher"
	}

	if opts.Topic == "" {
		opts.Topic = "detserve/detections"
	}

	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true)

	client := mqtt.NewClient(clientOpts)

	token := client.Connect()

	if !token.WaitTimeout(opts.ConnectTimeout) {
		return nil, errors.Errorf("timed out connecting to broker %s", opts.Broker)
	}

	if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, "connecting to broker %s", opts.Broker)
	}

	opts.Logger.Info("connected to mqtt broker",
		zap.String("broker", opts.Broker),
		zap.String("topic", opts.Topic))

	return &Publisher{
		client: client,
		opts:   opts,
		logger: opts.Logger,
	}, nil
}

// Publish sends one detection set as a JSON event.  Empty sets are published
// too so consumers can observe frames with nothing detected.
func (p *Publisher) Publish(ds detserve.DetectionSet) error {

	event := Event{
		Source:     ds.Source,
		Timestamp:  time.Now().UTC(),
		Detections: ds.Detections,
	}

	payload, err := json.Marshal(event)

	if err != nil {
		return errors.Wrap(err, "encoding detection event")
	}

	topic := fmt.Sprintf("%s/%s", p.opts.Topic, ds.Source)

	token := p.client.Publish(topic, p.opts.QoS, false, payload)
	token.Wait()

	if err := token.Error(); err != nil {
		return errors.Wrapf(err, "publishing to %s", topic)
	}

	p.logger.Debug("published detection event",
		zap.String("topic", topic),
		zap.Int("detections", len(ds.Detections)))

	return nil
}

// Close disconnects from the broker, allowing in flight messages to drain
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
