package messaging

import (
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"
)

// Transports accepted by Config.Transport.
const (
	TransportGoChannel = "gochannel"
	TransportRedis     = "redis"
)

// Config configures the outbound pipeline.
type Config struct {
	Transport     string        `yaml:"transport"`
	Topic         string        `yaml:"topic"`
	ConsumerGroup string        `yaml:"consumer_group"`
	Consumer      string        `yaml:"consumer"`
	DedupeTTL     time.Duration `yaml:"dedupe_ttl"`
	SendTimeout   time.Duration `yaml:"send_timeout"`
	ClaimTTL      time.Duration `yaml:"claim_ttl"`
	WebhookURL    string        `yaml:"webhook_url"`
	WebhookToken  string        `yaml:"webhook_token"`
}

// Transport is a publisher/subscriber pair for the outbound topic.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	close      []func() error
}

// Close closes publisher and subscriber.
func (t *Transport) Close() error {
	var errs []error
	for _, c := range t.close {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// NewTransport builds the configured transport. client is required for the
// redis transport and ignored otherwise.
func NewTransport(cfg Config, client *redis.Client, logger watermill.LoggerAdapter) (*Transport, error) {
	switch cfg.Transport {
	case "", TransportGoChannel:
		ch := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 64,
			Persistent:          true,
		}, logger)
		return &Transport{Publisher: ch, Subscriber: ch, close: []func() error{ch.Close}}, nil

	case TransportRedis:
		if client == nil {
			return nil, errors.New("redis transport needs a redis client")
		}
		marshaler := redisstream.DefaultMarshallerUnmarshaller{}
		pub, err := redisstream.NewPublisher(redisstream.PublisherConfig{
			Client:     client,
			Marshaller: marshaler,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("create redis stream publisher: %w", err)
		}
		group := cfg.ConsumerGroup
		if group == "" {
			group = "advisor-dispatch"
		}
		sub, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
			Client:        client,
			Unmarshaller:  marshaler,
			ConsumerGroup: group,
			Consumer:      cfg.Consumer,
		}, logger)
		if err != nil {
			_ = pub.Close()
			return nil, fmt.Errorf("create redis stream subscriber: %w", err)
		}
		return &Transport{Publisher: pub, Subscriber: sub, close: []func() error{pub.Close, sub.Close}}, nil

	default:
		return nil, fmt.Errorf("unknown messaging transport %q", cfg.Transport)
	}
}
