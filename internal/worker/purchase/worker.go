package purchase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/abcretail/fulfillment/internal/dal/interfaces/iproductrepo"
	"github.com/abcretail/fulfillment/internal/dal/interfaces/iqueue"
	"github.com/abcretail/fulfillment/internal/service/models/message"
	"github.com/abcretail/fulfillment/internal/service/services/reconcilersvc"
)

// reconciler represents the service layer interface.
type reconciler interface {
	Process(ctx context.Context, ord message.OrderMessage) error
}

// notifier emits inventory-change events after a successful reconciliation.
type notifier interface {
	PublishOrderProcessed(ctx context.Context, ord message.OrderMessage)
}

// Worker polls the purchase queue and dispatches order messages to the
// reconciler. A message is deleted only after its order is reconciled;
// transient failures release it for redelivery, poison and rejected messages
// go to the dead-letter queue.
type Worker struct {
	queue           iqueue.IConsumer
	deadLetters     iqueue.IPublisher
	deadLetterQueue string
	reconciler      reconciler
	notifier        notifier
	pollInterval    time.Duration
	batchSize       int
	maxDeliveries   int
	parallelism     int
	releaseDelay    time.Duration
	stopCh          chan struct{}
}

// NewWorker creates a new purchase queue worker.
func NewWorker(
	queue iqueue.IConsumer,
	deadLetters iqueue.IPublisher,
	reconciler reconciler,
	notifier notifier,
) *Worker {
	pollIntervalMs := viper.GetInt("worker.poll_interval_ms")
	if pollIntervalMs == 0 {
		pollIntervalMs = 150
	}

	batchSize := viper.GetInt("worker.batch_size")
	if batchSize == 0 {
		batchSize = 10
	}

	maxDeliveries := viper.GetInt("worker.max_deliveries")
	if maxDeliveries == 0 {
		maxDeliveries = 5
	}

	parallelism := viper.GetInt("worker.parallelism")
	if parallelism == 0 {
		parallelism = 4
	}

	releaseDelay := viper.GetDuration("worker.release_delay")
	if releaseDelay == 0 {
		releaseDelay = 5 * time.Second
	}

	deadLetterQueue := viper.GetString("rabbitmq.dead_letter_queue")
	if deadLetterQueue == "" {
		deadLetterQueue = "purchase-dlq"
	}

	return &Worker{
		queue:           queue,
		deadLetters:     deadLetters,
		deadLetterQueue: deadLetterQueue,
		reconciler:      reconciler,
		notifier:        notifier,
		pollInterval:    time.Duration(pollIntervalMs) * time.Millisecond,
		batchSize:       batchSize,
		maxDeliveries:   maxDeliveries,
		parallelism:     parallelism,
		releaseDelay:    releaseDelay,
		stopCh:          make(chan struct{}),
	}
}

// Start begins polling the purchase queue. It blocks until the context is
// canceled or Stop is called; messages already received keep processing to
// completion before Start returns.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	slog.Info("Purchase worker started",
		"poll_interval", w.pollInterval,
		"batch_size", w.batchSize,
		"max_deliveries", w.maxDeliveries,
	)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Purchase worker shutting down")

			return
		case <-w.stopCh:
			slog.Info("Purchase worker stopped")

			return
		case <-ticker.C:
			w.processBatch(ctx)
		}
	}
}

// Stop stops the worker.
func (w *Worker) Stop() {
	close(w.stopCh)
}

// processBatch receives up to one batch and processes the messages with
// bounded parallelism. Items within one order stay sequential inside the
// reconciler; only independent orders run concurrently.
func (w *Worker) processBatch(ctx context.Context) {
	messages, err := w.queue.Receive(ctx, w.batchSize)
	if err != nil {
		slog.Error("Failed to receive from purchase queue", "error", err)
	}

	if len(messages) == 0 {
		return
	}

	g := new(errgroup.Group)
	g.SetLimit(w.parallelism)

	// A message already fetched must be settled even if shutdown cancels the
	// polling context mid-batch; an aborted settlement would strand a
	// half-reconciled order.
	procCtx := context.WithoutCancel(ctx)

	for _, msg := range messages {
		msg := msg
		g.Go(func() error {
			w.processMessage(procCtx, msg)

			return nil
		})
	}

	_ = g.Wait()
}

// processMessage classifies and dispatches a single queue message.
func (w *Worker) processMessage(ctx context.Context, msg iqueue.Message) {
	ctx, span := otel.Tracer("worker").Start(ctx, "Worker.processMessage")
	defer span.End()

	kind := message.Classify(msg.Body)
	if kind != message.KindOrder {
		// Inventory updates and unclassifiable payloads do not belong on the
		// purchase queue. They are kept for inspection instead of silently
		// dropped.
		slog.Warn("Unexpected message on purchase queue, dead-lettering",
			"message_id", msg.ID,
			"kind", kind,
		)
		w.deadLetter(ctx, msg)

		return
	}

	w.processOrder(ctx, msg)
}

// processOrder decodes and reconciles one order message, then settles it with
// the queue according to the outcome.
func (w *Worker) processOrder(ctx context.Context, msg iqueue.Message) {
	ord, err := message.DecodeOrder(msg.Body)
	if err != nil {
		slog.Error("Failed to decode order message, dead-lettering",
			"message_id", msg.ID,
			"error", err,
		)
		w.deadLetter(ctx, msg)

		return
	}

	err = w.reconciler.Process(ctx, ord)
	if err == nil {
		w.notifier.PublishOrderProcessed(ctx, ord)

		if err := w.queue.Delete(ctx, msg); err != nil {
			slog.Error("Failed to delete processed message",
				"message_id", msg.ID,
				"order_id", ord.OrderID,
				"error", err,
			)
		}

		return
	}

	if isRejection(err) {
		slog.Warn("Order rejected, dead-lettering",
			"message_id", msg.ID,
			"order_id", ord.OrderID,
			"error", err,
		)
		w.deadLetter(ctx, msg)

		return
	}

	if msg.DeliveryCount >= w.maxDeliveries {
		slog.Error("Message exceeded delivery limit, dead-lettering",
			"message_id", msg.ID,
			"order_id", ord.OrderID,
			"delivery_count", msg.DeliveryCount,
			"error", err,
		)
		w.deadLetter(ctx, msg)

		return
	}

	slog.Error("Transient failure processing order, releasing for redelivery",
		"message_id", msg.ID,
		"order_id", ord.OrderID,
		"delivery_count", msg.DeliveryCount,
		"error", err,
	)
	w.releaseLater(ctx, msg)
}

// releaseLater returns the message to the queue after a delay, giving a
// transient fault time to clear before the next delivery attempt. An
// immediate release would be re-fetched on the next poll tick and burn
// through the delivery limit within a second. Stopping the worker releases
// immediately.
func (w *Worker) releaseLater(ctx context.Context, msg iqueue.Message) {
	timer := time.NewTimer(w.releaseDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-w.stopCh:
	}

	if err := w.queue.Release(ctx, msg); err != nil {
		slog.Error("Failed to release message", "message_id", msg.ID, "error", err)
	}
}

// deadLetter moves a message to the dead-letter queue. If the dead-letter
// publish itself fails the message is released instead, so it is never lost.
func (w *Worker) deadLetter(ctx context.Context, msg iqueue.Message) {
	if err := w.deadLetters.Send(ctx, w.deadLetterQueue, msg.Body); err != nil {
		slog.Error("Failed to dead-letter message, releasing",
			"message_id", msg.ID,
			"error", err,
		)
		if err := w.queue.Release(ctx, msg); err != nil {
			slog.Error("Failed to release message", "message_id", msg.ID, "error", err)
		}

		return
	}

	if err := w.queue.Delete(ctx, msg); err != nil {
		slog.Error("Failed to delete dead-lettered message",
			"message_id", msg.ID,
			"error", err,
		)
	}
}

// isRejection reports whether the error is a terminal business rejection
// rather than a transient failure worth redelivering.
func isRejection(err error) bool {
	return errors.Is(err, reconcilersvc.ErrInsufficientStock) ||
		errors.Is(err, reconcilersvc.ErrConcurrencyExhausted) ||
		errors.Is(err, iproductrepo.ErrProductNotFound)
}
