package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ppe-monitor/internal/models"
	"ppe-monitor/internal/queue"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const (
	DefaultTopic = "camera-frames"

	// attemptHeader carries the 1-based attempt number of a delivery.
	attemptHeader = "x-attempt"

	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

type Options struct {
	URL      string
	Topic    string
	Prefetch int
	Logger   logrus.FieldLogger
}

// Client publishes and consumes frame jobs. When the broker connection drops
// it redials in the background; consumers of the lost connection see their
// delivery stream end.
type Client struct {
	url      string
	topic    string
	prefetch int
	logger   logrus.FieldLogger

	mu        sync.Mutex
	conn      *amqp.Connection
	channel   *amqp.Channel // publishing channel, in confirm mode
	retryQs   map[time.Duration]string
	consumers []*amqp.Channel
	closed    bool
	done      chan struct{}
}

// NewClient connects to RabbitMQ, declares the durable topic queue and puts the
// publishing channel into confirm mode.
func NewClient(opts Options) (*Client, error) {
	if opts.Topic == "" {
		opts.Topic = DefaultTopic
	}
	if opts.Prefetch < 1 {
		opts.Prefetch = 1
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	conn, ch, err := dial(opts.URL, opts.Topic)
	if err != nil {
		return nil, err
	}

	c := &Client{
		url:      opts.URL,
		topic:    opts.Topic,
		prefetch: opts.Prefetch,
		logger:   opts.Logger.WithField("queue", opts.Topic),
		conn:     conn,
		channel:  ch,
		retryQs:  make(map[time.Duration]string),
		done:     make(chan struct{}),
	}
	go c.watch(conn)

	c.logger.Info("RabbitMQ client initialized")
	return c, nil
}

func dial(url, topic string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		topic, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	return conn, ch, nil
}

// watch redials after conn is closed by the broker or the network. A close
// initiated by Client.Close ends it.
func (c *Client) watch(conn *amqp.Connection) {
	errs := conn.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case <-c.done:
		return
	case amqpErr, ok := <-errs:
		if !ok || amqpErr == nil {
			return
		}
		c.logger.WithError(amqpErr).Warn("RabbitMQ connection lost, reconnecting")
	}

	backoff := reconnectMin
	for {
		select {
		case <-c.done:
			return
		case <-time.After(backoff):
		}

		conn, ch, err := dial(c.url, c.topic)
		if err != nil {
			c.logger.WithError(err).WithField("retry_in", backoff.String()).Warn("RabbitMQ reconnect failed")
			backoff = min(backoff*2, reconnectMax)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			ch.Close()
			conn.Close()
			return
		}
		c.conn, c.channel = conn, ch
		c.retryQs = make(map[time.Duration]string)
		c.mu.Unlock()

		c.logger.Info("RabbitMQ connection restored")
		go c.watch(conn)
		return
	}
}

// Enqueue publishes a persistent job message and waits for the broker confirm.
func (c *Client) Enqueue(ctx context.Context, job models.FrameJob) error {
	body, err := queue.Encode(job)
	if err != nil {
		return err
	}
	return c.publish(ctx, c.topic, job, body, 1)
}

func (c *Client) publish(ctx context.Context, routingKey string, job models.FrameJob, body []byte, attempt int) error {
	msg := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  queue.ContentType,
		MessageId:    job.ID,
		Timestamp:    job.EnqueuedAt,
		Headers:      amqp.Table{attemptHeader: int32(attempt)},
		Body:         body,
	}

	c.mu.Lock()
	if c.closed || c.channel == nil {
		c.mu.Unlock()
		return queue.ErrClosed
	}
	confirm, err := c.channel.PublishWithDeferredConfirmWithContext(ctx,
		"",         // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		msg,
	)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to confirm message: %w", err)
	}
	if !acked {
		return fmt.Errorf("broker rejected message %s", job.ID)
	}
	return nil
}

// retryQueue declares (once) a queue that holds messages for delay and then
// dead-letters them back onto the topic queue.
func (c *Client) retryQueue(delay time.Duration) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.channel == nil {
		return "", queue.ErrClosed
	}
	if name, ok := c.retryQs[delay]; ok {
		return name, nil
	}

	name := fmt.Sprintf("%s.retry.%dms", c.topic, delay.Milliseconds())
	_, err := c.channel.QueueDeclare(name, true, false, false, false, amqp.Table{
		"x-message-ttl":             delay.Milliseconds(),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": c.topic,
	})
	if err != nil {
		return "", fmt.Errorf("failed to declare retry queue: %w", err)
	}

	c.retryQs[delay] = name
	return name, nil
}

// Consume opens a dedicated channel with a prefetch window and streams
// deliveries. When ctx is done the consumer is cancelled but its channel stays
// open, so deliveries already handed out can still be settled; Close releases
// it. The stream also ends if the connection is lost, in which case the broker
// requeues every unsettled message.
func (c *Client) Consume(ctx context.Context) (<-chan queue.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, queue.ErrClosed
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open consumer channel: %w", err)
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	tag := "worker-" + uuid.NewString()
	msgs, err := ch.Consume(
		c.topic, // queue
		tag,     // consumer
		false,   // auto-ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}
	c.consumers = append(c.consumers, ch)

	out := make(chan queue.Delivery)
	go c.forward(ctx, ch, tag, msgs, out)
	return out, nil
}

type canceler interface {
	Cancel(consumer string, noWait bool) error
}

// forward decodes broker messages into deliveries until ctx is done or msgs
// ends, then closes out.
func (c *Client) forward(ctx context.Context, ch canceler, tag string, msgs <-chan amqp.Delivery, out chan<- queue.Delivery) {
	defer close(out)

	stop := func() {
		if err := ch.Cancel(tag, false); err != nil {
			c.logger.WithError(err).Debug("Failed to cancel consumer")
		}
	}

	for {
		select {
		case <-ctx.Done():
			stop()
			return
		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() == nil {
					c.logger.Warn("RabbitMQ delivery channel closed")
				}
				return
			}

			job, err := queue.Decode(msg.Body)
			if err != nil {
				c.logger.WithError(err).Error("Discarding undecodable message")
				msg.Nack(false, false)
				continue
			}

			d := &delivery{client: c, msg: msg, job: job, attempt: attemptOf(msg.Headers)}
			select {
			case out <- d:
			case <-ctx.Done():
				msg.Nack(false, true)
				stop()
				return
			}
		}
	}
}

// Close releases consumer channels, the publishing channel and the connection.
// Call it after every delivery has been settled.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)

	var errs []error
	for _, ch := range c.consumers {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("closing consumer channel: %w", err))
		}
	}
	if c.channel != nil {
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("closing channel: %w", err))
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("closing connection: %w", err))
		}
	}
	return errors.Join(errs...)
}

type delivery struct {
	client  *Client
	msg     amqp.Delivery
	job     models.FrameJob
	attempt int
	once    sync.Once
}

func (d *delivery) Job() models.FrameJob { return d.job }
func (d *delivery) Attempt() int         { return d.attempt }

func (d *delivery) settle(fn func() error) error {
	err := queue.ErrAlreadySettled
	d.once.Do(func() { err = fn() })
	return err
}

func (d *delivery) Ack(context.Context) error {
	return d.settle(func() error { return d.msg.Ack(false) })
}

// Drop removes a terminally failed job from the queue.
func (d *delivery) Drop(context.Context) error {
	return d.settle(func() error { return d.msg.Ack(false) })
}

// Retry parks a copy of the job on the retry queue for delay and acknowledges
// the current delivery. If parking fails the delivery is requeued right away.
func (d *delivery) Retry(ctx context.Context, delay time.Duration) error {
	return d.settle(func() error {
		name, err := d.client.retryQueue(delay)
		if err == nil {
			err = d.client.publish(ctx, name, d.job, d.msg.Body, d.attempt+1)
		}
		if err != nil {
			if nackErr := d.msg.Nack(false, true); nackErr != nil {
				return errors.Join(err, nackErr)
			}
			return err
		}
		return d.msg.Ack(false)
	})
}

// attemptOf reads the attempt header; messages without one are first attempts.
func attemptOf(headers amqp.Table) int {
	var n int64
	switch v := headers[attemptHeader].(type) {
	case int:
		n = int64(v)
	case int8:
		n = int64(v)
	case int16:
		n = int64(v)
	case int32:
		n = int64(v)
	case int64:
		n = v
	case uint8:
		n = int64(v)
	case uint16:
		n = int64(v)
	case uint32:
		n = int64(v)
	default:
		return 1
	}
	if n < 1 {
		return 1
	}
	return int(n)
}
