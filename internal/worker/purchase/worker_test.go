package purchase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abcretail/fulfillment/internal/dal/interfaces/iqueue"
	"github.com/abcretail/fulfillment/internal/service/models/message"
	"github.com/abcretail/fulfillment/internal/service/services/reconcilersvc"
)

type fakeQueue struct {
	mu       sync.Mutex
	messages []iqueue.Message
	deleted  []string
	released []string
}

func (q *fakeQueue) Receive(_ context.Context, maxMessages int) ([]iqueue.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := min(maxMessages, len(q.messages))
	batch := q.messages[:n]
	q.messages = q.messages[n:]

	return batch, nil
}

func (q *fakeQueue) Delete(_ context.Context, msg iqueue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, msg.ID)

	return nil
}

func (q *fakeQueue) Release(_ context.Context, msg iqueue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.released = append(q.released, msg.ID)

	return nil
}

type fakePublisher struct {
	mu   sync.Mutex
	sent map[string][][]byte
	err  error
}

func (p *fakePublisher) Send(_ context.Context, queueName string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}
	if p.sent == nil {
		p.sent = make(map[string][][]byte)
	}
	p.sent[queueName] = append(p.sent[queueName], body)

	return nil
}

type fakeReconciler struct {
	mu        sync.Mutex
	err       error
	processed []message.OrderMessage
	started   chan struct{}
	proceed   chan struct{}
}

func (r *fakeReconciler) Process(ctx context.Context, ord message.OrderMessage) error {
	r.mu.Lock()
	if r.started != nil {
		close(r.started)
		r.started = nil
	}
	proceed := r.proceed
	r.mu.Unlock()

	if proceed != nil {
		<-proceed
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if r.err != nil {
		return r.err
	}
	r.processed = append(r.processed, ord)

	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	orders []message.OrderMessage
}

func (n *fakeNotifier) PublishOrderProcessed(_ context.Context, ord message.OrderMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.orders = append(n.orders, ord)
}

func encodedOrder(t *testing.T) (message.OrderMessage, []byte) {
	t.Helper()

	ord := message.NewOrderMessage(
		"customer-1",
		[]message.LineItem{{ProductID: "p1", ProductName: "Keyboard", Quantity: 2}},
		json.Number("49.90"),
	)
	raw, err := message.EncodeOrder(ord)
	require.NoError(t, err)

	return ord, raw
}

func newTestWorker(
	queue *fakeQueue,
	deadLetters *fakePublisher,
	rec *fakeReconciler,
	not *fakeNotifier,
) *Worker {
	return NewWorker(queue, deadLetters, rec, not)
}

func TestProcessBatch_SuccessDeletesAndNotifies(t *testing.T) {
	ord, raw := encodedOrder(t)
	queue := &fakeQueue{messages: []iqueue.Message{{ID: "1", Body: raw, DeliveryCount: 1}}}
	deadLetters := &fakePublisher{}
	rec := &fakeReconciler{}
	not := &fakeNotifier{}
	w := newTestWorker(queue, deadLetters, rec, not)

	w.processBatch(context.Background())

	require.Len(t, rec.processed, 1)
	assert.Equal(t, ord.OrderID, rec.processed[0].OrderID)
	require.Len(t, not.orders, 1)
	assert.Equal(t, []string{"1"}, queue.deleted)
	assert.Empty(t, queue.released)
	assert.Empty(t, deadLetters.sent)
}

func TestProcessBatch_UnknownPayloadDeadLettered(t *testing.T) {
	queue := &fakeQueue{messages: []iqueue.Message{{ID: "1", Body: []byte("not json"), DeliveryCount: 1}}}
	deadLetters := &fakePublisher{}
	rec := &fakeReconciler{}
	not := &fakeNotifier{}
	w := newTestWorker(queue, deadLetters, rec, not)

	w.processBatch(context.Background())

	assert.Empty(t, rec.processed)
	assert.Len(t, deadLetters.sent["purchase-dlq"], 1)
	assert.Equal(t, []string{"1"}, queue.deleted)
}

func TestProcessBatch_InventoryUpdateOnPurchaseQueueDeadLettered(t *testing.T) {
	update := message.NewInventoryUpdate("p1", "Keyboard", 5, "restock")
	raw, err := message.EncodeInventoryUpdate(update)
	require.NoError(t, err)

	queue := &fakeQueue{messages: []iqueue.Message{{ID: "1", Body: raw, DeliveryCount: 1}}}
	deadLetters := &fakePublisher{}
	rec := &fakeReconciler{}
	w := newTestWorker(queue, deadLetters, rec, &fakeNotifier{})

	w.processBatch(context.Background())

	assert.Empty(t, rec.processed)
	assert.Len(t, deadLetters.sent["purchase-dlq"], 1)
	assert.Equal(t, []string{"1"}, queue.deleted)
}

func TestProcessBatch_UndecodableOrderDeadLettered(t *testing.T) {
	// Classifies as an order but fails strict decode.
	raw := []byte(`{"kind":"order","orderId":"o1"}`)
	queue := &fakeQueue{messages: []iqueue.Message{{ID: "1", Body: raw, DeliveryCount: 1}}}
	deadLetters := &fakePublisher{}
	rec := &fakeReconciler{}
	w := newTestWorker(queue, deadLetters, rec, &fakeNotifier{})

	w.processBatch(context.Background())

	assert.Empty(t, rec.processed)
	assert.Len(t, deadLetters.sent["purchase-dlq"], 1)
	assert.Equal(t, []string{"1"}, queue.deleted)
}

func TestProcessBatch_BusinessRejectionDeadLettered(t *testing.T) {
	_, raw := encodedOrder(t)
	queue := &fakeQueue{messages: []iqueue.Message{{ID: "1", Body: raw, DeliveryCount: 1}}}
	deadLetters := &fakePublisher{}
	rec := &fakeReconciler{err: fmt.Errorf("order o1: %w", reconcilersvc.ErrInsufficientStock)}
	not := &fakeNotifier{}
	w := newTestWorker(queue, deadLetters, rec, not)

	w.processBatch(context.Background())

	assert.Empty(t, not.orders)
	assert.Len(t, deadLetters.sent["purchase-dlq"], 1)
	assert.Equal(t, []string{"1"}, queue.deleted)
	assert.Empty(t, queue.released)
}

func TestProcessBatch_TransientFailureReleasedAfterDelay(t *testing.T) {
	_, raw := encodedOrder(t)
	queue := &fakeQueue{messages: []iqueue.Message{{ID: "1", Body: raw, DeliveryCount: 1}}}
	deadLetters := &fakePublisher{}
	rec := &fakeReconciler{err: errors.New("repository unavailable")}
	w := newTestWorker(queue, deadLetters, rec, &fakeNotifier{})
	w.releaseDelay = 50 * time.Millisecond

	started := time.Now()
	w.processBatch(context.Background())

	assert.GreaterOrEqual(t, time.Since(started), 50*time.Millisecond,
		"release must wait out the redelivery delay")
	assert.Empty(t, queue.deleted)
	assert.Equal(t, []string{"1"}, queue.released)
	assert.Empty(t, deadLetters.sent)
}

func TestProcessBatch_StopShortCircuitsReleaseDelay(t *testing.T) {
	_, raw := encodedOrder(t)
	queue := &fakeQueue{messages: []iqueue.Message{{ID: "1", Body: raw, DeliveryCount: 1}}}
	rec := &fakeReconciler{err: errors.New("repository unavailable")}
	w := newTestWorker(queue, &fakePublisher{}, rec, &fakeNotifier{})
	w.releaseDelay = time.Hour
	w.Stop()

	done := make(chan struct{})
	go func() {
		w.processBatch(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stopped worker must release without waiting out the delay")
	}
	assert.Equal(t, []string{"1"}, queue.released)
}

func TestProcessBatch_CancellationDoesNotAbortInFlightSettlement(t *testing.T) {
	ord, raw := encodedOrder(t)
	queue := &fakeQueue{messages: []iqueue.Message{{ID: "1", Body: raw, DeliveryCount: 1}}}
	deadLetters := &fakePublisher{}
	rec := &fakeReconciler{}
	not := &fakeNotifier{}
	w := newTestWorker(queue, deadLetters, rec, not)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w.processBatch(ctx)

	require.Len(t, rec.processed, 1)
	assert.Equal(t, ord.OrderID, rec.processed[0].OrderID)
	assert.Equal(t, []string{"1"}, queue.deleted)
	assert.Empty(t, queue.released)
	assert.Empty(t, deadLetters.sent)
}

func TestStart_DrainsInFlightMessageBeforeReturning(t *testing.T) {
	_, raw := encodedOrder(t)
	queue := &fakeQueue{messages: []iqueue.Message{{ID: "1", Body: raw, DeliveryCount: 1}}}
	rec := &fakeReconciler{
		started: make(chan struct{}),
		proceed: make(chan struct{}),
	}
	w := newTestWorker(queue, &fakePublisher{}, rec, &fakeNotifier{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	<-rec.started
	cancel()
	close(rec.proceed)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker must settle the in-flight batch before returning")
	}
	assert.Equal(t, []string{"1"}, queue.deleted)
	assert.Empty(t, queue.released)
}

func TestProcessBatch_PoisonMessageDeadLetteredAfterMaxDeliveries(t *testing.T) {
	_, raw := encodedOrder(t)
	queue := &fakeQueue{messages: []iqueue.Message{{ID: "1", Body: raw, DeliveryCount: 5}}}
	deadLetters := &fakePublisher{}
	rec := &fakeReconciler{err: errors.New("repository unavailable")}
	w := newTestWorker(queue, deadLetters, rec, &fakeNotifier{})

	w.processBatch(context.Background())

	assert.Len(t, deadLetters.sent["purchase-dlq"], 1)
	assert.Equal(t, []string{"1"}, queue.deleted)
	assert.Empty(t, queue.released)
}

func TestProcessBatch_DeadLetterPublishFailureReleasesMessage(t *testing.T) {
	queue := &fakeQueue{messages: []iqueue.Message{{ID: "1", Body: []byte("garbage"), DeliveryCount: 1}}}
	deadLetters := &fakePublisher{err: errors.New("broker down")}
	w := newTestWorker(queue, deadLetters, &fakeReconciler{}, &fakeNotifier{})

	w.processBatch(context.Background())

	assert.Empty(t, queue.deleted)
	assert.Equal(t, []string{"1"}, queue.released)
}

func TestProcessBatch_ProcessesWholeBatch(t *testing.T) {
	queue := &fakeQueue{}
	for i := 0; i < 7; i++ {
		_, raw := encodedOrder(t)
		queue.messages = append(queue.messages, iqueue.Message{
			ID:            fmt.Sprintf("%d", i),
			Body:          raw,
			DeliveryCount: 1,
		})
	}
	rec := &fakeReconciler{}
	not := &fakeNotifier{}
	w := newTestWorker(queue, &fakePublisher{}, rec, not)

	w.processBatch(context.Background())

	assert.Len(t, rec.processed, 7)
	assert.Len(t, not.orders, 7)
	assert.Len(t, queue.deleted, 7)
}
