package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"pushfanout/pkg/metrics"
	"pushfanout/pkg/otel"
	"pushfanout/pkg/trace"
)

type MessageHandler func(ctx context.Context, data json.RawMessage) error

type Consumer struct {
	channel        *amqp091.Channel
	queue          amqp091.Queue
	routingKey     string
	consumerTag    string
	handler        MessageHandler
	handlerTimeout time.Duration
	concurrency    int
	conn           *amqp091.Connection
	logger         *zap.Logger
}

// NewConsumer creates a consumer for a specific routing key.
func NewConsumer(url, queueName, routingKey string, logger *zap.Logger) (*Consumer, error) {
	conn, err := NewConnection(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := DeclareExchange(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(
		queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	err = ch.QueueBind(
		q.Name,
		routingKey,
		ExchangeName,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	logger.Info("Consumer initialized",
		zap.String("routing_key", routingKey),
		zap.String("queue", queueName),
		zap.String("exchange", ExchangeName),
	)

	return &Consumer{
		conn:        conn,
		channel:     ch,
		queue:       q,
		routingKey:  routingKey,
		consumerTag: queueName + ".worker",
		concurrency: 1,
		logger:      logger,
	}, nil
}

func (c *Consumer) SetHandler(h MessageHandler) {
	c.handler = h
}

// SetPrefetch 限制同时未确认的消息数
func (c *Consumer) SetPrefetch(n int) error {
	if n <= 0 {
		return nil
	}
	if err := c.channel.Qos(n, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}
	return nil
}

// SetConcurrency 同时处理的消息数，通常与 prefetch 相同
func (c *Consumer) SetConcurrency(n int) {
	if n <= 0 {
		n = 1
	}
	c.concurrency = n
}

// SetHandlerTimeout 为每条消息的处理设置超时，0 表示不限
func (c *Consumer) SetHandlerTimeout(d time.Duration) {
	c.handlerTimeout = d
}

// Stop 停止接收新消息，已投递的消息仍会处理完
func (c *Consumer) Stop() {
	if c.channel == nil {
		return
	}
	if err := c.channel.Cancel(c.consumerTag, false); err != nil {
		c.logger.Warn("Failed to cancel consumer",
			zap.String("queue", c.queue.Name),
			zap.Error(err),
		)
	}
}

func (c *Consumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// StartConsuming starts consuming messages. This method blocks and should be called in a goroutine.
func (c *Consumer) StartConsuming() error {
	if c.handler == nil {
		return fmt.Errorf("consumer handler not set")
	}

	deliveries, err := c.channel.Consume(
		c.queue.Name,
		c.consumerTag,
		false, // 手动ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer started consuming messages",
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queue.Name),
		zap.Int("concurrency", c.concurrency),
	)

	if err := c.dispatch(deliveries, c.handleDelivery); err != nil {
		return err
	}

	c.logger.Info("Consumer delivery channel closed",
		zap.String("queue", c.queue.Name),
	)
	return nil
}

// dispatch 用 concurrency 大小的协程池处理投递，通道关闭后等待在途消息处理完再返回
func (c *Consumer) dispatch(deliveries <-chan amqp091.Delivery, handle func(amqp091.Delivery)) error {
	pool, err := ants.NewPool(c.concurrency,
		ants.WithNonblocking(false),
		ants.WithPanicHandler(func(p any) {
			c.logger.Error("Worker panic recovered",
				zap.String("queue", c.queue.Name),
				zap.Any("panic", p),
			)
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}
	defer pool.Release()

	var wg sync.WaitGroup
	// 保证每条消息都会被 ack 或 nack
	for msg := range deliveries {
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			handle(msg)
		}); err != nil {
			c.logger.Warn("Worker pool rejected delivery, handling inline",
				zap.String("queue", c.queue.Name),
				zap.Error(err),
			)
			handle(msg)
			wg.Done()
		}
	}
	wg.Wait()
	return nil
}

func (c *Consumer) handleDelivery(msg amqp091.Delivery) {
	start := time.Now()

	ctx := otel.ExtractMQHeaders(context.Background(), msg.Headers)
	if traceID, ok := msg.Headers["x-trace-id"].(string); ok {
		ctx = trace.WithContext(ctx, traceID)
	}
	ctx, span := otel.MQConsumeSpan(ctx, c.routingKey, c.queue.Name)
	defer span.End()

	if c.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.handlerTimeout)
		defer cancel()
	}

	c.logger.Debug("Received message",
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queue.Name),
		zap.Int("message_size", len(msg.Body)),
		zap.Bool("redelivered", msg.Redelivered),
	)

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Handler panic recovered",
				zap.String("routing_key", c.routingKey),
				zap.String("queue", c.queue.Name),
				zap.Any("panic", r),
			)
			if err := msg.Nack(false, true); err != nil {
				c.logger.Error("Failed to nack message after panic",
					zap.String("routing_key", c.routingKey),
					zap.Error(err),
				)
			}
		}
	}()

	if err := c.handler(ctx, msg.Body); err != nil {
		span.RecordError(err)
		c.logger.Error("Handler error",
			zap.String("routing_key", c.routingKey),
			zap.String("queue", c.queue.Name),
			zap.Error(err),
		)
		// 业务失败 → 重新入队，由 handler 自己的重试计数决定何时进入 DLQ
		if err := msg.Nack(false, true); err != nil {
			c.logger.Error("Failed to nack message",
				zap.String("routing_key", c.routingKey),
				zap.Error(err),
			)
		}
		return
	}

	if err := msg.Ack(false); err != nil {
		c.logger.Error("Failed to ack message",
			zap.String("routing_key", c.routingKey),
			zap.Error(err),
		)
		return
	}

	metrics.RecordMQConsumeLatency(c.routingKey, c.queue.Name, time.Since(start))
	c.logger.Debug("Message processed successfully",
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queue.Name),
	)
}
