package mq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// ExchangeEvents is a topic exchange; routing keys are
	// "run.<run-id>.<level>".
	ExchangeEvents = "simorch.events"
)

func SetupTopology(conn *Connection) error {
	return conn.WithChannel(func(ch *amqp.Channel) error {
		return ch.ExchangeDeclare(
			ExchangeEvents,
			amqp.ExchangeTopic,
			true,  // durable
			false, // auto-deleted
			false, // internal
			false, // no-wait
			nil,
		)
	})
}
