package publisher

import (
	"context"
	"log/slog"

	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"

	"github.com/abcretail/fulfillment/internal/dal/interfaces/iqueue"
	"github.com/abcretail/fulfillment/internal/service/models/message"
)

const reasonOrderProcessed = "Order processed"

// NotificationPublisher emits inventory-change events for reconciled orders.
type NotificationPublisher struct {
	queue     iqueue.IPublisher
	queueName string
}

// NewNotificationPublisher creates a new notification publisher.
func NewNotificationPublisher(queue iqueue.IPublisher) *NotificationPublisher {
	queueName := viper.GetString("rabbitmq.inventory_queue")
	if queueName == "" {
		queueName = "inventory-queue"
	}

	return &NotificationPublisher{
		queue:     queue,
		queueName: queueName,
	}
}

// PublishOrderProcessed sends one inventory update per line item, with the
// deducted quantity as a negative delta. Publishing is fire-and-forget: a
// failed send is logged and dropped, it never unwinds the reconciliation.
func (p *NotificationPublisher) PublishOrderProcessed(
	ctx context.Context,
	ord message.OrderMessage,
) {
	ctx, span := otel.Tracer("publisher").Start(ctx, "NotificationPublisher.PublishOrderProcessed")
	defer span.End()

	for _, item := range ord.LineItems {
		update := message.NewInventoryUpdate(
			item.ProductID,
			item.ProductName,
			-item.Quantity,
			reasonOrderProcessed,
		)

		body, err := message.EncodeInventoryUpdate(update)
		if err != nil {
			slog.Error("Failed to encode inventory update",
				"order_id", ord.OrderID,
				"product_id", item.ProductID,
				"error", err,
			)

			continue
		}

		if err := p.queue.Send(ctx, p.queueName, body); err != nil {
			slog.Error("Failed to publish inventory update",
				"order_id", ord.OrderID,
				"product_id", item.ProductID,
				"error", err,
			)
		}
	}
}
