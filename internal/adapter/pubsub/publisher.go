// Package pubsub builds the watermill AMQP publisher the event dispatcher
// publishes through. Topics map to durable exchanges, one per tenant event
// stream, so consumers can bind without coordinating with the gateway.
package pubsub

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
)

type PublisherProvider struct {
	uri    string
	logger watermill.LoggerAdapter
}

func NewPublisherProvider(amqpURI string, logger watermill.LoggerAdapter) *PublisherProvider {
	return &PublisherProvider{uri: amqpURI, logger: logger}
}

// Build returns a publisher whose Publish(topic, ...) targets a durable
// pub/sub exchange named after the topic.
func (pp *PublisherProvider) Build() (message.Publisher, error) {
	pub, err := amqp.NewPublisher(amqp.NewDurablePubSubConfig(pp.uri, nil), pp.logger)
	if err != nil {
		return nil, fmt.Errorf("amqp publisher: %w", err)
	}
	return pub, nil
}
