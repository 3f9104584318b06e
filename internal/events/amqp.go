package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/iurnickita/creditshop/internal/events/config"
)

const (
	defaultExchange = "creditshop.events"
	publishTimeout  = 5 * time.Second
)

var routingKeys = map[Kind]string{
	KindBalanceChanged: "balance.changed",
	KindOrderChanged:   "order.changed",
}

// AMQPPublisher sends events to a durable topic exchange.
type AMQPPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	zaplog   *zap.Logger
}

func NewAMQPPublisher(cfg config.Config, zaplog *zap.Logger) (*AMQPPublisher, error) {
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = defaultExchange
	}

	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange, zaplog: zaplog}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		p.zaplog.Error("marshal event", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	err = p.ch.PublishWithContext(ctx,
		p.exchange,
		routingKeys[ev.Kind],
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    ev.At,
			Body:         body,
		})
	if err != nil {
		p.zaplog.Warn("publish event",
			zap.String("kind", string(ev.Kind)),
			zap.String("account", ev.Account),
			zap.Error(err))
	}
}

func (p *AMQPPublisher) Close() error {
	p.ch.Close()
	return p.conn.Close()
}
