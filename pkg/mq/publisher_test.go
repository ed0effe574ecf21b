package mq

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	declared  []string
	published []string
	closes    int
	err       error
}

func (c *fakeChannel) ExchangeDeclare(name, _ string, _, _, _, _ bool, _ amqp.Table) error {
	c.declared = append(c.declared, name)
	return nil
}

func (c *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, _ amqp.Publishing) error {
	if c.err != nil {
		return c.err
	}
	c.published = append(c.published, key)
	return nil
}

func (c *fakeChannel) Close() error {
	c.closes++
	return nil
}

type fakeBroker struct {
	channels []*fakeChannel
	notify   []chan *amqp.Error
	dialErr  error
}

func (b *fakeBroker) dial() (*link, error) {
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	ch := &fakeChannel{}
	closed := make(chan *amqp.Error, 1)
	b.channels = append(b.channels, ch)
	b.notify = append(b.notify, closed)
	return &link{ch: ch, closed: []<-chan *amqp.Error{closed}}, nil
}

func TestPublisherRedialsAfterChannelClose(t *testing.T) {
	broker := &fakeBroker{}
	p, err := newPublisher(broker.dial, "medibill.events")
	require.NoError(t, err)
	require.Len(t, broker.channels, 1)
	assert.Equal(t, []string{"medibill.events"}, broker.channels[0].declared)

	ctx := context.Background()
	require.NoError(t, p.Publish(ctx, "bill.generated", []byte(`{}`), nil))
	assert.Equal(t, []string{"bill.generated"}, broker.channels[0].published)

	broker.notify[0] <- &amqp.Error{Code: amqp.ChannelError, Reason: "channel closed by broker"}

	require.NoError(t, p.Publish(ctx, "bill.paid", []byte(`{}`), nil))
	require.Len(t, broker.channels, 2)
	assert.Equal(t, 1, broker.channels[0].closes)
	assert.Equal(t, []string{"medibill.events"}, broker.channels[1].declared, "the exchange is declared again")
	assert.Equal(t, []string{"bill.paid"}, broker.channels[1].published)
}

func TestPublisherDropsLinkOnClosedError(t *testing.T) {
	broker := &fakeBroker{}
	p, err := newPublisher(broker.dial, "medibill.events")
	require.NoError(t, err)

	ctx := context.Background()
	broker.channels[0].err = amqp.ErrClosed
	assert.ErrorIs(t, p.Publish(ctx, "bill.paid", []byte(`{}`), nil), amqp.ErrClosed)

	require.NoError(t, p.Publish(ctx, "bill.paid", []byte(`{}`), nil))
	require.Len(t, broker.channels, 2)
	assert.Equal(t, []string{"bill.paid"}, broker.channels[1].published)
}

func TestPublisherReportsRedialFailure(t *testing.T) {
	broker := &fakeBroker{}
	p, err := newPublisher(broker.dial, "medibill.events")
	require.NoError(t, err)

	close(broker.notify[0])
	broker.dialErr = errors.New("connection refused")
	err = p.Publish(context.Background(), "bill.paid", []byte(`{}`), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	broker.dialErr = nil
	require.NoError(t, p.Publish(context.Background(), "bill.paid", []byte(`{}`), nil))
	assert.Len(t, broker.channels, 2)
}

func TestPublisherClose(t *testing.T) {
	broker := &fakeBroker{}
	p, err := newPublisher(broker.dial, "medibill.events")
	require.NoError(t, err)

	require.NoError(t, p.Close())
	assert.Equal(t, 1, broker.channels[0].closes)
	assert.ErrorIs(t, p.Publish(context.Background(), "bill.paid", nil, nil), ErrPublisherClosed)
	assert.Len(t, broker.channels, 1, "a closed publisher never redials")
}
