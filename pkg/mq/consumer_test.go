package mq

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDispatchBoundsInFlightDeliveries(t *testing.T) {
	c := &Consumer{concurrency: 3, logger: zap.NewNop()}
	deliveries := make(chan amqp091.Delivery, 9)
	for i := 0; i < 9; i++ {
		deliveries <- amqp091.Delivery{DeliveryTag: uint64(i + 1)}
	}
	close(deliveries)

	release := make(chan struct{})
	var inFlight, peak, handled atomic.Int32
	handle := func(amqp091.Delivery) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		handled.Add(1)
	}

	done := make(chan error, 1)
	go func() { done <- c.dispatch(deliveries, handle) }()

	require.Eventually(t, func() bool { return inFlight.Load() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(3), inFlight.Load(), "no more than 3 deliveries may run at once")

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not return after the channel closed")
	}
	assert.Equal(t, int32(9), handled.Load())
	assert.Equal(t, int32(3), peak.Load())
}

func TestDispatchWaitsForInFlightBeforeReturning(t *testing.T) {
	c := &Consumer{concurrency: 2, logger: zap.NewNop()}
	deliveries := make(chan amqp091.Delivery, 1)
	deliveries <- amqp091.Delivery{DeliveryTag: 1}
	close(deliveries)

	var finished atomic.Bool
	require.NoError(t, c.dispatch(deliveries, func(amqp091.Delivery) {
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
	}))
	assert.True(t, finished.Load())
}

func TestSetConcurrencyDefaultsToOne(t *testing.T) {
	c := &Consumer{}
	c.SetConcurrency(0)
	assert.Equal(t, 1, c.concurrency)
	c.SetConcurrency(8)
	assert.Equal(t, 8, c.concurrency)
}
