package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abcretail/fulfillment/internal/service/models/message"
)

type fakePublisher struct {
	sent    map[string][][]byte
	failIdx int
	calls   int
}

func (p *fakePublisher) Send(_ context.Context, queueName string, body []byte) error {
	p.calls++
	if p.failIdx == p.calls {
		return errors.New("broker down")
	}
	if p.sent == nil {
		p.sent = make(map[string][][]byte)
	}
	p.sent[queueName] = append(p.sent[queueName], body)

	return nil
}

func testOrder() message.OrderMessage {
	return message.NewOrderMessage(
		"customer-1",
		[]message.LineItem{
			{ProductID: "p1", ProductName: "Keyboard", Quantity: 3},
			{ProductID: "p2", ProductName: "Mouse", Quantity: 1},
		},
		json.Number("89.90"),
	)
}

func TestPublishOrderProcessed_OneUpdatePerLineItem(t *testing.T) {
	queue := &fakePublisher{}
	p := NewNotificationPublisher(queue)

	p.PublishOrderProcessed(context.Background(), testOrder())

	bodies := queue.sent["inventory-queue"]
	require.Len(t, bodies, 2)

	first, err := message.DecodeInventoryUpdate(bodies[0])
	require.NoError(t, err)
	assert.Equal(t, "p1", first.ProductID)
	assert.Equal(t, "Keyboard", first.ProductName)
	assert.Equal(t, -3, first.QuantityChange)
	assert.Equal(t, "Order processed", first.Reason)

	second, err := message.DecodeInventoryUpdate(bodies[1])
	require.NoError(t, err)
	assert.Equal(t, "p2", second.ProductID)
	assert.Equal(t, -1, second.QuantityChange)
}

func TestPublishOrderProcessed_SendFailureDoesNotStopRemainingItems(t *testing.T) {
	queue := &fakePublisher{failIdx: 1}
	p := NewNotificationPublisher(queue)

	p.PublishOrderProcessed(context.Background(), testOrder())

	bodies := queue.sent["inventory-queue"]
	require.Len(t, bodies, 1)

	update, err := message.DecodeInventoryUpdate(bodies[0])
	require.NoError(t, err)
	assert.Equal(t, "p2", update.ProductID)
}
