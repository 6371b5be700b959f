package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds RabbitMQ connection configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	ExchangeName       string
	ExchangeType       string
	ExchangeDurable    bool
	ExchangeAutoDelete bool
	QueueName          string
	QueueDurable       bool
	QueueAutoDelete    bool
	QueueExclusive     bool
	RoutingKey         string
	DelayQueueName     string          // prefix of the delay queues; empty disables delayed publishing
	DelayTiers         []time.Duration // message TTL of each delay queue, one queue per tier
	ManifestRoutingKey string
	PrefetchCount      int
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	ConnectionTimeout  time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
}

// DefaultDelayTiers is used when no delay tiers are configured
var DefaultDelayTiers = []time.Duration{
	time.Second,
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	time.Hour,
}

// Client represents a RabbitMQ client
type Client struct {
	config      *Config
	conn        *amqp.Connection
	channel     *amqp.Channel
	logger      *slog.Logger
	closeChan   chan *amqp.Error
	mu          sync.Mutex
	isConnected bool
}

// NewClient creates a new RabbitMQ client
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	if config.DelayQueueName != "" {
		tiers, err := normalizeTiers(config.DelayTiers)
		if err != nil {
			return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
		}
		config.DelayTiers = tiers
	}

	client := &Client{
		config:      config,
		logger:      logger,
		closeChan:   make(chan *amqp.Error),
		isConnected: false,
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return client, nil
}

// connect establishes connection to RabbitMQ with retry logic
func (c *Client) connect() error {
	var err error

	dsn := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.config.User,
		c.config.Password,
		c.config.Host,
		c.config.Port,
		c.config.VHost,
	)

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}
	if c.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(c.config.ConnectionTimeout)
	}

	attempts := c.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		c.conn, err = amqp.DialConfig(dsn, amqpConfig)
		if err == nil {
			c.logger.Info("Successfully connected to RabbitMQ")
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	c.channel, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	if err := c.setup(); err != nil {
		c.channel.Close()
		c.conn.Close()
		return fmt.Errorf("failed to setup exchange and queue: %w", err)
	}

	// Monitor connection
	c.closeChan = make(chan *amqp.Error, 1)
	c.channel.NotifyClose(c.closeChan)
	c.isConnected = true
	go c.watchClose()

	c.logger.Info("RabbitMQ client initialized",
		slog.String("exchange", c.config.ExchangeName),
		slog.String("queue", c.config.QueueName),
		slog.String("delay_queue", c.config.DelayQueueName),
		slog.Int("delay_tiers", len(c.config.DelayTiers)),
	)

	return nil
}

func (c *Client) watchClose() {
	err, ok := <-c.closeChan
	c.mu.Lock()
	c.isConnected = false
	c.mu.Unlock()
	if ok && err != nil {
		c.logger.Error("RabbitMQ channel closed", slog.Any("error", err))
	}
}

// setup declares exchange, queues, and bindings. Delay queues have no
// consumer: each holds messages for its tier's TTL, then dead-letters them
// back to the exchange with the work routing key. The TTL is set on the queue
// so every message in it expires in publish order.
func (c *Client) setup() error {
	err := c.channel.ExchangeDeclare(
		c.config.ExchangeName,       // name
		c.config.ExchangeType,       // type
		c.config.ExchangeDurable,    // durable
		c.config.ExchangeAutoDelete, // auto-deleted
		false,                       // internal
		false,                       // no-wait
		nil,                         // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	_, err = c.channel.QueueDeclare(
		c.config.QueueName,       // name
		c.config.QueueDurable,    // durable
		c.config.QueueAutoDelete, // auto-delete
		c.config.QueueExclusive,  // exclusive
		false,                    // no-wait
		nil,                      // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	err = c.channel.QueueBind(
		c.config.QueueName,    // queue name
		c.config.RoutingKey,   // routing key
		c.config.ExchangeName, // exchange
		false,                 // no-wait
		nil,                   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	if c.config.DelayQueueName != "" {
		for _, tier := range c.config.DelayTiers {
			name := delayQueueName(c.config.DelayQueueName, tier)
			_, err = c.channel.QueueDeclare(
				name,
				c.config.QueueDurable,
				false,
				false,
				false,
				amqp.Table{
					"x-message-ttl":             tier.Milliseconds(),
					"x-dead-letter-exchange":    c.config.ExchangeName,
					"x-dead-letter-routing-key": c.config.RoutingKey,
				},
			)
			if err != nil {
				return fmt.Errorf("failed to declare delay queue %s: %w", name, err)
			}
		}
	}

	if c.config.PrefetchCount > 0 {
		if err := c.channel.Qos(c.config.PrefetchCount, 0, false); err != nil {
			return fmt.Errorf("failed to set prefetch count: %w", err)
		}
	}

	return nil
}

func (c *Client) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isConnected
}

// publish sends one persistent message. An empty exchange targets the default
// exchange, where the routing key is the queue name.
func (c *Client) publish(ctx context.Context, exchange, routingKey string, body []byte, contentType string) error {
	return c.channel.PublishWithContext(
		ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  contentType,
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
}

// Publish publishes a message to the work routing key
func (c *Client) Publish(ctx context.Context, body []byte, contentType string) error {
	if !c.connected() {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	if err := c.publish(ctx, c.config.ExchangeName, c.config.RoutingKey, body, contentType); err != nil {
		c.logger.Error("Failed to publish message to RabbitMQ",
			slog.Any("error", err),
		)
		return fmt.Errorf("failed to publish message: %w", err)
	}

	c.logger.Debug("Message published to RabbitMQ",
		slog.Int("body_size", len(body)),
		slog.String("content_type", contentType),
	)

	return nil
}

// PublishDelayed parks a message in the longest delay tier that does not
// overshoot delay; when that tier expires the message lands on the work queue.
// Consumers re-delay messages that arrive before they are due, so a long
// delay walks down the tiers.
func (c *Client) PublishDelayed(ctx context.Context, body []byte, contentType string, delay time.Duration) error {
	if c.config.DelayQueueName == "" || delay <= 0 {
		return c.PublishWithRetry(ctx, body, contentType)
	}
	if !c.connected() {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	name := delayQueueName(c.config.DelayQueueName, pickDelayTier(c.config.DelayTiers, delay))
	return c.withRetry(ctx, func() error {
		return c.publish(ctx, "", name, body, contentType)
	})
}

// pickDelayTier returns the largest tier not above delay, or the smallest
// tier when delay is shorter than all of them. tiers is sorted ascending.
func pickDelayTier(tiers []time.Duration, delay time.Duration) time.Duration {
	i := sort.Search(len(tiers), func(i int) bool { return tiers[i] > delay })
	if i == 0 {
		return tiers[0]
	}
	return tiers[i-1]
}

func delayQueueName(prefix string, tier time.Duration) string {
	return fmt.Sprintf("%s.%dms", prefix, tier.Milliseconds())
}

// normalizeTiers sorts and dedups the tiers, falling back to DefaultDelayTiers
func normalizeTiers(tiers []time.Duration) ([]time.Duration, error) {
	if len(tiers) == 0 {
		tiers = DefaultDelayTiers
	}
	out := make([]time.Duration, 0, len(tiers))
	for _, t := range tiers {
		if t < time.Millisecond {
			return nil, fmt.Errorf("delay tier %s is shorter than 1ms", t)
		}
		out = append(out, t.Truncate(time.Millisecond))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	uniq := out[:1]
	for _, t := range out[1:] {
		if t != uniq[len(uniq)-1] {
			uniq = append(uniq, t)
		}
	}
	return uniq, nil
}

// PublishManifest publishes a message to the manifest routing key
func (c *Client) PublishManifest(ctx context.Context, body []byte, contentType string) error {
	if c.config.ManifestRoutingKey == "" {
		return fmt.Errorf("manifest routing key is not configured")
	}
	if !c.connected() {
		return fmt.Errorf("not connected to RabbitMQ")
	}
	return c.withRetry(ctx, func() error {
		return c.publish(ctx, c.config.ExchangeName, c.config.ManifestRoutingKey, body, contentType)
	})
}

// Consume starts consuming messages from the work queue
func (c *Client) Consume(consumerTag string) (<-chan amqp.Delivery, error) {
	if !c.connected() {
		return nil, fmt.Errorf("not connected to RabbitMQ")
	}

	messages, err := c.channel.Consume(
		c.config.QueueName, // queue
		consumerTag,        // consumer tag
		false,              // auto-ack
		false,              // exclusive
		false,              // no-local
		false,              // no-wait
		nil,                // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}

	c.logger.Info("Started consuming messages from RabbitMQ",
		slog.String("queue", c.config.QueueName),
		slog.String("consumer_tag", consumerTag),
	)

	return messages, nil
}

// Close closes the RabbitMQ connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")

	c.mu.Lock()
	c.isConnected = false
	c.mu.Unlock()

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	c.logger.Info("RabbitMQ connection closed successfully")
	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	return c.connected() && c.conn != nil && !c.conn.IsClosed()
}

// PublishWithRetry publishes a message to the work routing key with retry
// logic and exponential backoff
func (c *Client) PublishWithRetry(ctx context.Context, body []byte, contentType string) error {
	if !c.connected() {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	return c.withRetry(ctx, func() error {
		return c.publish(ctx, c.config.ExchangeName, c.config.RoutingKey, body, contentType)
	})
}

func (c *Client) withRetry(ctx context.Context, publish func() error) error {
	maxRetries := c.config.PublishRetries
	if maxRetries <= 0 {
		maxRetries = 3 // default
	}

	baseDelay := c.config.PublishRetryDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond // default
	}

	backoffMult := c.config.PublishBackoffMult
	if backoffMult <= 0 {
		backoffMult = 2.0 // default
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := publish()
		if err == nil {
			if attempt > 0 {
				c.logger.Info("Successfully published message to RabbitMQ after retry",
					slog.Int("attempt", attempt+1),
				)
			}
			return nil
		}

		lastErr = err

		if attempt < maxRetries {
			backoffDelay := time.Duration(float64(baseDelay) * math.Pow(backoffMult, float64(attempt)))
			c.logger.Warn("Failed to publish message to RabbitMQ, retrying...",
				slog.Int("attempt", attempt+1),
				slog.Int("max_retries", maxRetries),
				slog.Duration("retry_after", backoffDelay),
				slog.Any("error", err),
			)
			select {
			case <-ctx.Done():
				return fmt.Errorf("failed to publish message: %w", ctx.Err())
			case <-time.After(backoffDelay):
			}
		}
	}

	c.logger.Error("Failed to publish message to RabbitMQ after all retries",
		slog.Int("attempts", maxRetries+1),
		slog.Any("error", lastErr),
	)
	return fmt.Errorf("failed to publish message after %d attempts: %w", maxRetries+1, lastErr)
}
