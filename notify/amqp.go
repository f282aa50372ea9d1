package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/vitwit/tappay/logger"
)

const (
	// DefaultExchange is the topic exchange events are published to.
	DefaultExchange = "pos_events"
	routingPrefix   = "pos."
	publishTimeout  = 5 * time.Second
	queueSize       = 64
)

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

// AMQPSink publishes events as JSON to a durable topic exchange with routing
// key "pos.<type>". Events are queued and published by one goroutine; when
// the queue is full they are dropped.
type AMQPSink struct {
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	pub      publisher
	exchange string
	log      logger.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

var _ Sink = (*AMQPSink)(nil)

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewAMQPSink dials the broker and declares exchange.
func NewAMQPSink(amqpURL, exchange string, log logger.Logger) (*AMQPSink, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	s := newAMQPSink(ch, exchange, log)
	s.conn = conn
	s.channel = ch
	return s, nil
}

func newAMQPSink(pub publisher, exchange string, log logger.Logger) *AMQPSink {
	if log == nil {
		log = logger.NoopLogger{}
	}
	s := &AMQPSink{
		pub:      pub,
		exchange: exchange,
		log:      logger.With(log, map[string]any{"component": "amqp_sink", "exchange": exchange}),
		queue:    make(chan Event, queueSize),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

// Notify queues e for publishing.
func (s *AMQPSink) Notify(_ context.Context, e Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- e:
	default:
		s.log.Warn("event queue full, dropping event", map[string]any{"event": string(e.Type), "session": e.SessionID})
	}
}

func (s *AMQPSink) run() {
	defer close(s.done)
	for e := range s.queue {
		if err := s.publish(e); err != nil {
			s.log.Warn("publish failed", map[string]any{"event": string(e.Type), "session": e.SessionID, "error": err})
		}
	}
}

func (s *AMQPSink) publish(e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	return s.pub.PublishWithContext(ctx, s.exchange, routingPrefix+string(e.Type), false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    e.ID,
		Timestamp:    e.Timestamp,
		Body:         body,
	})
}

// Close publishes queued events and closes the connection.
func (s *AMQPSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	if s.channel != nil {
		s.channel.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}
