package rabbitmq

import (
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultPrefetch = 10
	// deliveryLimit bounds redeliveries of one message before the broker
	// moves it to the dead-letter queue.
	deliveryLimit   = 5
	deadQueueSuffix = ".dead"
)

// Handler processes one delivery. Returning false asks for a redelivery.
type Handler func(body []byte) bool

// Consumer reads settlement events from a quorum queue. Messages a handler
// keeps rejecting are dead-lettered to "<queue>.dead" after deliveryLimit
// attempts instead of cycling forever.
type Consumer struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	prefetch int
}

// NewConsumer dials RabbitMQ. prefetch bounds unacknowledged deliveries held
// by this consumer; values <= 0 default to 10.
func NewConsumer(amqpURL string, prefetch int) (*Consumer, error) {
	brokerURL, err := normalizeURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(brokerURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return &Consumer{conn: conn, ch: ch, prefetch: prefetch}, nil
}

// queueArgs declares a quorum queue whose rejected messages are routed
// through the default exchange to the dead-letter queue.
func queueArgs(queueName string) amqp.Table {
	return amqp.Table{
		amqp.QueueTypeArg:           amqp.QueueTypeQuorum,
		"x-delivery-limit":          deliveryLimit,
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queueName + deadQueueSuffix,
	}
}

// ConsumeWithBindings declares the topic exchange, the queue and its
// dead-letter queue, binds each routing key and dispatches deliveries to the
// matching handler in a background goroutine.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]Handler) error {
	handlers := make(map[string]Handler, len(bindings))
	for routingKey, handler := range bindings {
		if handler != nil {
			handlers[routingKey] = handler
		}
	}
	if len(handlers) == 0 {
		return fmt.Errorf("no bindings provided for queue %s", queueName)
	}

	if err := c.ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if _, err := c.ch.QueueDeclare(queueName+deadQueueSuffix, true, false, false, false, amqp.Table{amqp.QueueTypeArg: amqp.QueueTypeQuorum}); err != nil {
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}
	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, queueArgs(queueName))
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", queueName, err)
	}
	for routingKey := range handlers {
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", routingKey, q.Name, err)
		}
	}

	deliveries, err := c.ch.Consume(q.Name, "ledger-service", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}

	log.Printf("level=info component=rabbitmq_consumer msg=\"consuming\" exchange=%s queue=%s bindings=%d prefetch=%d", exchange, q.Name, len(handlers), c.prefetch)
	go func() {
		for d := range deliveries {
			c.dispatch(d, handlers)
		}
		log.Printf("level=info component=rabbitmq_consumer msg=\"delivery channel closed\" queue=%s", q.Name)
	}()
	return nil
}

func (c *Consumer) dispatch(d amqp.Delivery, handlers map[string]Handler) {
	handler, ok := handlers[d.RoutingKey]
	if !ok {
		log.Printf("level=warn component=rabbitmq_consumer msg=\"no handler; dropping\" routing_key=%s", d.RoutingKey)
		d.Ack(false)
		return
	}

	if runHandler(handler, d.Body) {
		d.Ack(false)
		return
	}
	log.Printf("level=warn component=rabbitmq_consumer msg=\"handler failed; redelivering\" routing_key=%s message_id=%s delivery_count=%v", d.RoutingKey, d.MessageId, d.Headers["x-delivery-count"])
	d.Nack(false, true)
}

// runHandler treats a panicking handler as a failed delivery.
func runHandler(handler Handler, body []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("level=error component=rabbitmq_consumer msg=\"handler panicked\" panic=%v", r)
			ok = false
		}
	}()
	return handler(body)
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
