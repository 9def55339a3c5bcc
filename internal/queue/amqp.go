package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"notebook-builder/internal/domain"
)

// nodeQueueTTL expires the cancel queue of a node that never comes back.
const nodeQueueTTL = 24 * time.Hour

// Topology names the broker objects shared by dispatchers and workers.
type Topology struct {
	StartQueue     string
	CancelQueue    string // prefix of the per-node cancel queues
	CancelExchange string
	NodeID         string // used to name this node's cancel queue
}

// NodeCancelQueue returns the name of this node's cancel queue.
func (t Topology) NodeCancelQueue() string {
	return t.CancelQueue + "." + t.NodeID
}

// Broker is a connection to the AMQP broker. Every operation opens its own
// channel, so a Broker is safe for concurrent use.
type Broker struct {
	conn   *amqp.Connection
	topo   Topology
	logger *slog.Logger
}

// Dial connects to the broker at url.
func Dial(url string, topo Topology, logger *slog.Logger) (*Broker, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Properties: amqp.Table{"connection_name": "notebook-builder/" + topo.NodeID},
		Heartbeat:  10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	return &Broker{conn: conn, topo: topo, logger: logger.With("component", "broker")}, nil
}

// Close closes the connection and every channel opened on it.
func (b *Broker) Close() error {
	if b.conn.IsClosed() {
		return nil
	}
	return b.conn.Close()
}

// ErrConnectionClosed is reported by Err once the connection is gone.
var ErrConnectionClosed = errors.New("broker connection closed")

// Err returns ErrConnectionClosed after the connection has closed.
func (b *Broker) Err() error {
	if b.conn.IsClosed() {
		return ErrConnectionClosed
	}
	return nil
}

func (b *Broker) declareStart(ch *amqp.Channel) error {
	_, err := ch.QueueDeclare(b.topo.StartQueue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare start queue %q: %w", b.topo.StartQueue, err)
	}
	return nil
}

func (b *Broker) declareCancelExchange(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(b.topo.CancelExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare cancel exchange %q: %w", b.topo.CancelExchange, err)
	}
	return nil
}

// declareReply declares the fan-out exchange a build's events go through.
// Every watcher of the build binds its own queue to it. The exchange outlives
// its watchers so events are never published to a missing exchange; the
// build's publisher deletes it once the build has ended.
func declareReply(ch *amqp.Channel, name string) error {
	if err := ch.ExchangeDeclare(name, amqp.ExchangeFanout, false, false, false, false, nil); err != nil {
		return fmt.Errorf("declare reply exchange %q: %w", name, err)
	}
	return nil
}

func (b *Broker) publish(ctx context.Context, declare func(*amqp.Channel) error, exchange, key string, m domain.QueueMessage) error {
	if m.IssuedAt.IsZero() {
		m.IssuedAt = time.Now().UTC()
	}
	body, err := EncodeMessage(m)
	if err != nil {
		return err
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close() //nolint:errcheck

	if err := declare(ch); err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    m.BuildID,
		Timestamp:    m.IssuedAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s for %s: %w", m.Command, m.BuildID, err)
	}
	return nil
}

// PublishStart enqueues a build on the shared start queue. The caller must
// have opened the reply stream first so no early event is lost.
func (b *Broker) PublishStart(ctx context.Context, buildID string) error {
	return b.publish(ctx, b.declareStart, "", b.topo.StartQueue, StartMessage(buildID))
}

// PublishCancel broadcasts a cancellation to every worker node.
func (b *Broker) PublishCancel(ctx context.Context, buildID string) error {
	return b.publish(ctx, b.declareCancelExchange, b.topo.CancelExchange, "", CancelMessage(buildID))
}

// ReplyStream consumes progress events of one build through a queue private
// to the stream.
type ReplyStream struct {
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
	closeOnce  sync.Once
}

// ErrStreamClosed is returned by Next once the stream's consumer is gone.
var ErrStreamClosed = errors.New("reply stream closed")

// OpenReply subscribes to the events of buildID. Each stream gets its own
// exclusive queue bound to the build's reply exchange, so any number of
// streams see every event published after they opened.
func (b *Broker) OpenReply(_ context.Context, buildID string) (*ReplyStream, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	deliveries, err := bindReply(ch, buildID)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &ReplyStream{ch: ch, deliveries: deliveries}, nil
}

func bindReply(ch *amqp.Channel, name string) (<-chan amqp.Delivery, error) {
	if err := declareReply(ch, name); err != nil {
		return nil, err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare stream queue for %q: %w", name, err)
	}
	if err := ch.QueueBind(q.Name, "", name, false, nil); err != nil {
		return nil, fmt.Errorf("bind stream queue to %q: %w", name, err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume stream queue for %q: %w", name, err)
	}
	return deliveries, nil
}

// Next blocks until the next progress event arrives. Undecodable messages are
// skipped.
func (s *ReplyStream) Next(ctx context.Context) (domain.ProgressEvent, error) {
	for {
		select {
		case <-ctx.Done():
			return domain.ProgressEvent{}, ctx.Err()
		case d, ok := <-s.deliveries:
			if !ok {
				return domain.ProgressEvent{}, ErrStreamClosed
			}
			ev, err := DecodeEvent(d.Body)
			if err != nil {
				continue
			}
			return ev, nil
		}
	}
}

// Close stops consuming. The stream's queue goes with its channel.
func (s *ReplyStream) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.ch.Close() })
	return err
}

// Delivery is one message taken from the start or cancel queue.
type Delivery struct {
	Body []byte
	ack  func() error
}

// NewDelivery wraps a body and an acknowledgement callback.
func NewDelivery(body []byte, ack func() error) Delivery {
	return Delivery{Body: body, ack: ack}
}

// Ack acknowledges the delivery to the broker.
func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Subscription is an open consumer on the start or cancel queue.
type Subscription struct {
	ch        *amqp.Channel
	tag       string
	out       chan Delivery
	done      chan struct{}
	closeOnce sync.Once
}

// Deliveries returns the channel of incoming messages. It is closed when the
// subscription or the connection closes.
func (s *Subscription) Deliveries() <-chan Delivery { return s.out }

// Close cancels the consumer. Unacknowledged messages return to the queue.
func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.ch != nil {
			err = errors.Join(s.ch.Cancel(s.tag, false), s.ch.Close())
		}
	})
	return err
}

// NewSubscription returns a Subscription fed from in. It lets consumers run
// against an in-process source of deliveries.
func NewSubscription(in <-chan Delivery) *Subscription {
	sub := &Subscription{out: make(chan Delivery), done: make(chan struct{})}
	go func() {
		defer close(sub.out)
		for {
			select {
			case d, ok := <-in:
				if !ok {
					return
				}
				select {
				case sub.out <- d:
				case <-sub.done:
					return
				}
			case <-sub.done:
				return
			}
		}
	}()
	return sub
}

func (b *Broker) subscribe(queue string, prefetch int) (*Subscription, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("set prefetch %d: %w", prefetch, err)
		}
	}
	return b.consume(ch, queue)
}

func (b *Broker) consume(ch *amqp.Channel, queue string) (*Subscription, error) {
	tag := queue + "-" + domain.NewID()
	raw, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume %q: %w", queue, err)
	}
	sub := &Subscription{ch: ch, tag: tag, out: make(chan Delivery), done: make(chan struct{})}
	go func() {
		defer close(sub.out)
		for d := range raw {
			select {
			case sub.out <- NewDelivery(d.Body, func() error { return d.Ack(false) }):
			case <-sub.done:
				return
			}
		}
	}()
	return sub, nil
}

// ConsumeStart subscribes to the shared start queue with the given prefetch.
func (b *Broker) ConsumeStart(_ context.Context, prefetch int) (*Subscription, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := b.declareStart(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	_ = ch.Close()
	return b.subscribe(b.topo.StartQueue, prefetch)
}

// ConsumeCancel binds this node's cancel queue to the fan-out exchange and
// subscribes to it without a prefetch bound.
func (b *Broker) ConsumeCancel(_ context.Context) (*Subscription, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	name := b.topo.NodeCancelQueue()
	setup := func() error {
		if err := b.declareCancelExchange(ch); err != nil {
			return err
		}
		args := amqp.Table{"x-expires": int32(nodeQueueTTL / time.Millisecond)}
		if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare cancel queue %q: %w", name, err)
		}
		if err := ch.QueueBind(name, "", b.topo.CancelExchange, false, nil); err != nil {
			return fmt.Errorf("bind cancel queue %q: %w", name, err)
		}
		return nil
	}
	if err := setup(); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return b.consume(ch, name)
}

// ReplyPublisher sends progress events to every stream watching one build.
type ReplyPublisher struct {
	ch       *amqp.Channel
	exchange string
}

// OpenReplyPublisher opens a publisher on the reply exchange named name,
// declaring it if no stream has yet.
func (b *Broker) OpenReplyPublisher(name string) (*ReplyPublisher, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declareReply(ch, name); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &ReplyPublisher{ch: ch, exchange: name}, nil
}

// Publish sends one event. With no stream bound the broker drops it.
func (p *ReplyPublisher) Publish(ctx context.Context, ev domain.ProgressEvent) error {
	body, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	return p.ch.PublishWithContext(ctx, p.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

// Close deletes the reply exchange and releases the channel. Call it only
// after the build's terminal event.
func (p *ReplyPublisher) Close() error {
	return errors.Join(p.ch.ExchangeDelete(p.exchange, false, false), p.ch.Close())
}
