package events

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPBridge republishes bus events to a durable fanout exchange.
type AMQPBridge struct {
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
	logger   *zerolog.Logger
}

func DialAMQP(url, exchange string, logger *zerolog.Logger) (*AMQPBridge, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}
	b, err := newAMQPBridge(ch, exchange, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	b.conn = conn
	return b, nil
}

func newAMQPBridge(ch amqpChannel, exchange string, logger *zerolog.Logger) (*AMQPBridge, error) {
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &AMQPBridge{ch: ch, exchange: exchange, logger: logger}, nil
}

// Attach forwards the given event types from bus.
func (b *AMQPBridge) Attach(bus *EventBus, types ...string) {
	for _, t := range types {
		bus.Subscribe(t, b.Forward)
	}
}

func (b *AMQPBridge) Forward(ev *Event) error {
	err := b.ch.Publish(b.exchange, ev.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Type:         ev.Type,
		Timestamp:    ev.CreatedAt,
		Body:         ev.Payload,
		DeliveryMode: amqp.Persistent,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", ev.Type, err)
	}
	b.logger.Debug().Str("event", ev.Type).Str("exchange", b.exchange).Msg("Event forwarded")
	return nil
}

func (b *AMQPBridge) Close() error {
	err := b.ch.Close()
	if b.conn != nil {
		if cerr := b.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
