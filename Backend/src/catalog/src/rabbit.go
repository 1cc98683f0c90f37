package main

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// Routing key publicada por el carrito cuando no pudo devolver stock
const rkReconciliationRequired = "cart.order.reconciliation_required"

type Rabbit struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewRabbit returns nil when url is empty; a nil *Rabbit publishes nothing.
func NewRabbit(url, exchange string) (*Rabbit, error) {
	if url == "" {
		return nil, nil
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Rabbit{conn: conn, ch: ch, exchange: exchange}, nil
}

func (r *Rabbit) Close() {
	if r == nil {
		return
	}
	if r.ch != nil {
		_ = r.ch.Close()
	}
	if r.conn != nil {
		_ = r.conn.Close()
	}
}

func (r *Rabbit) Publish(ctx context.Context, key string, body []byte) error {
	if r == nil || r.ch == nil {
		return nil
	}
	return r.ch.PublishWithContext(ctx, r.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
	})
}

// ConsumeReconciliation binds queue to the cart's reconciliation events and
// hands each one to handle until ctx ends.
func (r *Rabbit) ConsumeReconciliation(ctx context.Context, queue string, handle func(context.Context, ReconcileRequest) error) error {
	if r == nil {
		return nil
	}
	if _, err := r.ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return err
	}
	if err := r.ch.QueueBind(queue, rkReconciliationRequired, r.exchange, false, nil); err != nil {
		return err
	}
	msgs, err := r.ch.Consume(queue, "catalog-reconcile-worker", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				handleDelivery(ctx, m, handle)
			}
		}
	}()
	return nil
}

func handleDelivery(ctx context.Context, m amqp.Delivery, handle func(context.Context, ReconcileRequest) error) {
	var req ReconcileRequest
	if err := json.Unmarshal(m.Body, &req); err != nil {
		log.Error().Err(err).Msg("reconcile: invalid json")
		_ = m.Ack(false)
		return
	}
	log.Info().Int64("order", req.OrderID).Msg("reconcile: received")
	if err := handle(ctx, req); err != nil {
		// el restock es idempotente, se puede reintentar sin riesgo
		log.Error().Err(err).Int64("order", req.OrderID).Msg("reconcile: failed, requeueing")
		_ = m.Nack(false, !m.Redelivered)
		return
	}
	_ = m.Ack(false)
}
