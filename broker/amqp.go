package broker

import (
	"context"
	"fmt"

	"github.com/zllovesuki/metering/spec/broker"

	extErrors "github.com/pkg/errors"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

var _ broker.Producer = &AMQPBroker{}
var _ broker.Consumer = &AMQPBroker{}

const (
	notificationExchange string = "notifications"
	notificationQueue           = "notifications_mailer"
)

// AMQPBroker describes a message broker via RabbitMQ
type AMQPBroker struct {
	logger     *zap.Logger
	connection *amqp.Connection
	channel    *amqp.Channel
}

// NewAMQPBroker returns a Message Broker over RabbitMQ
func NewAMQPBroker(logger *zap.Logger, amqpURI string) (*AMQPBroker, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	amqpConn, err := amqp.Dial(amqpURI)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot connect to Message Broker")
	}
	amqpChan, err := amqpConn.Channel()
	if err != nil {
		amqpConn.Close()
		return nil, extErrors.Wrap(err, "Cannot create broker channel")
	}
	broker := &AMQPBroker{
		logger:     logger,
		connection: amqpConn,
		channel:    amqpChan,
	}
	if err := broker.setupNotificationExchange(); err != nil {
		broker.Close()
		return nil, extErrors.Wrap(err, "Cannot declare exchange for notifications")
	}

	return broker, nil
}

func (a *AMQPBroker) setupNotificationExchange() error {
	return a.channel.ExchangeDeclare(
		notificationExchange, // name
		"direct",             // type
		true,                 // durable
		false,                // auto-deleted
		false,                // internal
		false,                // no-wait
		nil,                  // arguments
	)
}

// Close will close the channel and connection to release resources
func (a *AMQPBroker) Close() {
	a.channel.Close()
	a.connection.Close()
}

func (a *AMQPBroker) publishViaRoutingKey(exchange, routingKey string, body []byte) error {
	return a.channel.Publish(
		exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/x-protobuf",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
}

// SendNotification publishes the notification with the alert type as routing key
func (a *AMQPBroker) SendNotification(routingKey string, p *structpb.Struct) error {
	protoBytes, err := proto.Marshal(p)
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode message into bytes")
	}
	if err := a.publishViaRoutingKey(notificationExchange, routingKey, protoBytes); err != nil {
		return extErrors.Wrap(err, "Cannot publish notification")
	}
	return nil
}

func (a *AMQPBroker) setupQueue(qName string) error {
	_, err := a.channel.QueueDeclare(
		qName,
		true,
		false,
		false,
		false,
		nil,
	)
	return err
}

func (a *AMQPBroker) bindAndGetMsgChan(qName, exchange string, routingKeys []string) (<-chan amqp.Delivery, error) {
	for _, key := range routingKeys {
		if err := a.channel.QueueBind(
			qName,
			key,
			exchange,
			false,
			nil,
		); err != nil {
			return nil, err
		}
	}
	msgChan, err := a.channel.Consume(
		qName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	return msgChan, err
}

// ReceiveNotifications consumes the notifications published with any of the routing keys.
// Messages are acknowledged once handed over on the returned channel
func (a *AMQPBroker) ReceiveNotifications(ctx context.Context, routingKeys ...string) (<-chan *structpb.Struct, error) {
	if len(routingKeys) == 0 {
		return nil, fmt.Errorf("at least one routing key is required")
	}
	if err := a.setupQueue(notificationQueue); err != nil {
		return nil, extErrors.Wrap(err, "Cannot setup queue")
	}
	msgChan, err := a.bindAndGetMsgChan(notificationQueue, notificationExchange, routingKeys)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot setup consumer")
	}
	rChan := make(chan *structpb.Struct)
	go func() {
		defer close(rChan)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgChan:
				if !ok {
					a.logger.Warn("Notification delivery channel closed")
					return
				}
				var msg structpb.Struct
				if err := proto.Unmarshal(d.Body, &msg); err != nil {
					a.logger.Error("Cannot decode notification, dropping",
						zap.Error(err),
					)
					d.Nack(false, false)
					continue
				}
				select {
				case rChan <- &msg:
					d.Ack(false)
				case <-ctx.Done():
					d.Nack(false, true)
					return
				}
			}
		}
	}()
	return rChan, nil
}
