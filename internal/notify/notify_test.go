package notify

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPublisherDisabledWithoutBrokers(t *testing.T) {
	for _, brokers := range []string{"", "  ", ", ,"} {
		p := NewPublisher(brokers, "orders.created")
		assert.False(t, p.Enabled(), "brokers %q should disable publishing", brokers)

		// Publishing through a disabled publisher is a no-op, not an error.
		err := p.OrderCreated(context.Background(), 1, 2, "ORD-1", decimal.NewFromInt(100))
		assert.NoError(t, err)
		assert.NoError(t, p.Close())
	}
}

func TestNewPublisherParsesBrokerList(t *testing.T) {
	p := NewPublisher(" kafka-1:9092 , kafka-2:9092 ", "orders.created")
	require.True(t, p.Enabled())
	defer p.Close()

	assert.Equal(t, "orders.created", p.writer.Topic)
	assert.NotNil(t, p.writer.Addr)
}
