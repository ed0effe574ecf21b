package mq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

var ErrPublisherClosed = errors.New("publisher_closed")

// channel is the part of *amqp.Channel the publisher drives.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// link is one dialed connection and its channel. It is dead once either side
// reports a close.
type link struct {
	ch        channel
	closeConn func() error
	closed    []<-chan *amqp.Error
}

func (l *link) dead() bool {
	for _, c := range l.closed {
		select {
		case <-c:
			return true
		default:
		}
	}
	return false
}

func (l *link) close() {
	_ = l.ch.Close()
	if l.closeConn != nil {
		_ = l.closeConn()
	}
}

type dialFunc func() (*link, error)

func dialAMQP(url string) dialFunc {
	return func() (*link, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, err
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("open channel: %w", err)
		}
		return &link{
			ch:        ch,
			closeConn: conn.Close,
			closed: []<-chan *amqp.Error{
				conn.NotifyClose(make(chan *amqp.Error, 1)),
				ch.NotifyClose(make(chan *amqp.Error, 1)),
			},
		}, nil
	}
}

// Publisher writes persistent JSON messages to a topic exchange. A dropped
// connection is redialed on the next Publish.
type Publisher struct {
	mu       sync.Mutex
	dial     dialFunc
	link     *link
	exchange string
	closed   bool
}

func NewPublisher(url, exchange string) (*Publisher, error) {
	return newPublisher(dialAMQP(url), exchange)
}

func newPublisher(dial dialFunc, exchange string) (*Publisher, error) {
	p := &Publisher{dial: dial, exchange: exchange}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

// connect must be called with p.mu held or before p is shared.
func (p *Publisher) connect() error {
	l, err := p.dial()
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	if err := l.ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		l.close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	p.link = l
	return nil
}

// Publish sends body under key. Headers are copied onto the message as-is.
func (p *Publisher) Publish(ctx context.Context, key string, body []byte, headers map[string]any) error {
	if p == nil {
		return ErrPublisherClosed
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Headers:      amqp.Table{},
	}
	for k, v := range headers {
		msg.Headers[k] = v
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPublisherClosed
	}
	if p.link != nil && p.link.dead() {
		p.link.close()
		p.link = nil
	}
	if p.link == nil {
		if err := p.connect(); err != nil {
			return err
		}
	}

	err := p.link.ch.PublishWithContext(ctx, p.exchange, key, false, false, msg)
	if errors.Is(err, amqp.ErrClosed) {
		p.link.close()
		p.link = nil
	}
	return err
}

func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.link != nil {
		p.link.close()
		p.link = nil
	}
	return nil
}
