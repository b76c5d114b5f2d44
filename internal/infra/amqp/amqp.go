// Package amqp binds the pipeline to a RabbitMQ fabric: a durable
// transaction queue on the inbound side and a tuition exchange with fixed
// routing keys on the outbound side. Exchange, queue, and key names come
// from configuration, never compiled-in literals.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/edupay/edupay/internal/domain"
)

// Topology names the broker objects this transport declares and uses.
type Topology struct {
	TransactionExchange string // inbound topic exchange
	TransactionQueue    string // durable queue bound to it
	TransactionKey      string // routing key for generic transaction events
	TuitionExchange     string // outbound exchange
	ConfirmedKey        string // e.g. tuition.payment.confirmed
	FailedKey           string // e.g. tuition.payment.failed
}

var (
	_ domain.Source    = (*Transport)(nil)
	_ domain.Publisher = (*Transport)(nil)
)

// Transport owns one AMQP connection with separate consume/publish channels.
type Transport struct {
	conn     *amqp091.Connection
	consume  *amqp091.Channel
	publish  *amqp091.Channel
	topology Topology
	timeout  time.Duration
}

// Dial connects to the broker and declares the topology. All declared
// objects are durable: the queue must survive broker restarts for the
// at-least-once contract to mean anything.
func Dial(url string, topo Topology, timeout time.Duration) (*Transport, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	consume, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open consume channel: %w", err)
	}
	publish, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}

	t := &Transport{conn: conn, consume: consume, publish: publish, topology: topo, timeout: timeout}
	if err := t.declare(); err != nil {
		conn.Close()
		return nil, err
	}
	return t, nil
}

func (t *Transport) declare() error {
	if err := t.consume.ExchangeDeclare(t.topology.TransactionExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare transaction exchange: %w", err)
	}
	if err := t.publish.ExchangeDeclare(t.topology.TuitionExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare tuition exchange: %w", err)
	}
	if _, err := t.consume.QueueDeclare(t.topology.TransactionQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare transaction queue: %w", err)
	}
	if err := t.consume.QueueBind(t.topology.TransactionQueue, t.topology.TransactionKey, t.topology.TransactionExchange, false, nil); err != nil {
		return fmt.Errorf("bind transaction queue: %w", err)
	}
	return nil
}

// Close tears down the connection.
func (t *Transport) Close() error { return t.conn.Close() }

// ─── Inbound ────────────────────────────────────────────────────────────────

// attemptHeader carries the delivery attempt count across redeliveries. The
// broker's Redelivered flag is a single bit, so a retry budget cannot be
// enforced from it alone; Nack republishes the message with this header
// incremented instead of requeueing in place.
const attemptHeader = "x-attempt"

// attemptFrom reads the attempt count of an inbound message. Messages
// without the header were never redelivered by us; for those the broker's
// Redelivered bit still distinguishes a first delivery from a requeue.
func attemptFrom(msg amqp091.Delivery) int {
	switch n := msg.Headers[attemptHeader].(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	}
	if msg.Redelivered {
		return 2
	}
	return 1
}

// Consume implements domain.Source. Messages that do not even parse as a
// TransactionCreatedEvent are rejected without requeue: redelivering bytes
// that cannot be decoded is pure waste.
func (t *Transport) Consume(ctx context.Context) (<-chan domain.Delivery, error) {
	msgs, err := t.consume.ConsumeWithContext(ctx, t.topology.TransactionQueue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", t.topology.TransactionQueue, err)
	}

	out := make(chan domain.Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, open := <-msgs:
				if !open {
					return
				}

				var ev domain.TransactionCreatedEvent
				if err := json.Unmarshal(msg.Body, &ev); err != nil {
					log.Printf("[amqp] dropping undecodable message: %v", err)
					msg.Nack(false, false)
					continue
				}

				attempt := attemptFrom(msg)
				d := domain.Delivery{
					Event:   ev,
					Attempt: attempt,
					Ack:     func() { msg.Ack(false) },
					Nack: func() {
						// Republish with the incremented attempt so the
						// retry budget survives the round trip. If the
						// republish fails the message stays on the queue
						// at its old count rather than being lost.
						if err := t.redeliver(msg.Body, attempt+1); err != nil {
							log.Printf("[amqp] redeliver failed, requeueing in place: %v", err)
							msg.Nack(false, true)
							return
						}
						msg.Ack(false)
					},
				}
				select {
				case out <- d:
				case <-ctx.Done():
					msg.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

// redeliver puts a message back on the transaction queue with its new
// attempt count, via the default exchange.
func (t *Transport) redeliver(body []byte, attempt int) error {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	return t.publish.PublishWithContext(ctx, "", t.topology.TransactionQueue, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Headers:      amqp091.Table{attemptHeader: int32(attempt)},
		Body:         body,
	})
}

// ─── Outbound ───────────────────────────────────────────────────────────────

// PublishConfirmed implements domain.Publisher.
func (t *Transport) PublishConfirmed(ctx context.Context, ev domain.TuitionPaymentConfirmed) error {
	return t.publishJSON(ctx, t.topology.ConfirmedKey, ev)
}

// PublishFailed implements domain.Publisher.
func (t *Transport) PublishFailed(ctx context.Context, ev domain.TuitionPaymentFailed) error {
	return t.publishJSON(ctx, t.topology.FailedKey, ev)
}

func (t *Transport) publishJSON(ctx context.Context, key string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal outbound event: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	err = t.publish.PublishWithContext(pubCtx, t.topology.TuitionExchange, key, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return nil
}
