package message

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrDecode indicates a payload that is malformed or missing required fields.
// Messages failing with ErrDecode are poison and must not be retried.
var ErrDecode = errors.New("malformed message")

// Kind identifies the message type on the wire.
type Kind string

const (
	KindOrder           Kind = "order"
	KindInventoryUpdate Kind = "inventory_update"
	KindUnknown         Kind = "unknown"
)

// LineItem represents one product position within an order message.
type LineItem struct {
	ProductID   string `json:"productId"`
	ProductName string `json:"productName"`
	Quantity    int    `json:"quantity"`
}

// OrderMessage represents a pending purchase received from the purchase queue.
type OrderMessage struct {
	Kind       Kind       `json:"kind,omitempty"`
	OrderID    string     `json:"orderId"`
	CustomerID string     `json:"customerId"`
	LineItems  []LineItem `json:"lineItems"`
	OrderDate  time.Time  `json:"orderDate"`
	// TotalAmount is computed by the producer and passed through to the order
	// record untouched. It is not recomputed from line items here.
	TotalAmount json.Number `json:"totalAmount"`
}

// InventoryUpdateMessage represents one post-processing inventory delta.
// Downstream consumers key on ProductID; ProductName is display-only.
type InventoryUpdateMessage struct {
	Kind           Kind      `json:"kind,omitempty"`
	ProductID      string    `json:"productId"`
	ProductName    string    `json:"productName,omitempty"`
	QuantityChange int       `json:"quantityChange"`
	Reason         string    `json:"reason"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewOrderMessage creates an order message with a generated id and order date.
func NewOrderMessage(
	customerID string,
	lineItems []LineItem,
	totalAmount json.Number,
) OrderMessage {
	return OrderMessage{
		Kind:        KindOrder,
		OrderID:     uuid.NewString(),
		CustomerID:  customerID,
		LineItems:   lineItems,
		OrderDate:   time.Now().UTC(),
		TotalAmount: totalAmount,
	}
}

// NewInventoryUpdate creates an inventory update message with the current timestamp.
func NewInventoryUpdate(
	productID string,
	productName string,
	quantityChange int,
	reason string,
) InventoryUpdateMessage {
	return InventoryUpdateMessage{
		Kind:           KindInventoryUpdate,
		ProductID:      productID,
		ProductName:    productName,
		QuantityChange: quantityChange,
		Reason:         reason,
		Timestamp:      time.Now().UTC(),
	}
}

// normalize strips one level of incidental re-encoding that some producers
// apply before enqueueing: surrounding JSON string quoting, then base64
// wrapping. It is applied once, not recursively, so genuinely corrupt
// payloads still fail structural decode.
func normalize(raw []byte) []byte {
	b := bytes.TrimSpace(raw)

	if len(b) > 1 && b[0] == '"' {
		var unquoted string
		if err := json.Unmarshal(b, &unquoted); err == nil {
			b = bytes.TrimSpace([]byte(unquoted))
		}
	}

	if decoded, err := base64.StdEncoding.DecodeString(string(b)); err == nil {
		trimmed := bytes.TrimSpace(decoded)
		if len(trimmed) > 0 && trimmed[0] == '{' {
			b = trimmed
		}
	}

	return b
}

// Classify determines the message kind from the raw queue payload without a
// full structural decode. Tagged messages are classified by their kind field;
// untagged messages fall back to field sniffing for compatibility with
// already-enqueued payloads. Malformed input yields KindUnknown, never an error.
func Classify(raw []byte) Kind {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(normalize(raw), &fields); err != nil {
		return KindUnknown
	}

	if tag, ok := fields["kind"]; ok {
		var kind Kind
		if err := json.Unmarshal(tag, &kind); err == nil {
			switch kind {
			case KindOrder, KindInventoryUpdate:
				return kind
			}
		}
	}

	if _, ok := fields["orderId"]; ok {
		return KindOrder
	}

	_, hasProduct := fields["productId"]
	_, hasDelta := fields["quantityChange"]
	if hasProduct && hasDelta {
		return KindInventoryUpdate
	}

	return KindUnknown
}

// DecodeOrder strictly decodes an order message from the raw queue payload.
func DecodeOrder(raw []byte) (OrderMessage, error) {
	var msg OrderMessage

	dec := json.NewDecoder(bytes.NewReader(normalize(raw)))
	dec.UseNumber()
	if err := dec.Decode(&msg); err != nil {
		return OrderMessage{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	if msg.OrderID == "" {
		return OrderMessage{}, fmt.Errorf("%w: missing orderId", ErrDecode)
	}
	if msg.CustomerID == "" {
		return OrderMessage{}, fmt.Errorf("%w: missing customerId", ErrDecode)
	}
	if len(msg.LineItems) == 0 {
		return OrderMessage{}, fmt.Errorf("%w: order %s has no line items", ErrDecode, msg.OrderID)
	}
	for i, item := range msg.LineItems {
		if item.ProductID == "" {
			return OrderMessage{}, fmt.Errorf(
				"%w: order %s line item %d missing productId", ErrDecode, msg.OrderID, i)
		}
		if item.Quantity <= 0 {
			return OrderMessage{}, fmt.Errorf(
				"%w: order %s product %s has non-positive quantity %d",
				ErrDecode, msg.OrderID, item.ProductID, item.Quantity)
		}
	}

	msg.Kind = KindOrder

	return msg, nil
}

// DecodeInventoryUpdate strictly decodes an inventory update message.
func DecodeInventoryUpdate(raw []byte) (InventoryUpdateMessage, error) {
	var msg InventoryUpdateMessage

	if err := json.Unmarshal(normalize(raw), &msg); err != nil {
		return InventoryUpdateMessage{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	if msg.ProductID == "" {
		return InventoryUpdateMessage{}, fmt.Errorf("%w: missing productId", ErrDecode)
	}

	msg.Kind = KindInventoryUpdate

	return msg, nil
}

// EncodeOrder serializes an order message for enqueueing.
func EncodeOrder(msg OrderMessage) ([]byte, error) {
	if msg.Kind == "" {
		msg.Kind = KindOrder
	}

	return json.Marshal(msg)
}

// EncodeInventoryUpdate serializes an inventory update message for enqueueing.
func EncodeInventoryUpdate(msg InventoryUpdateMessage) ([]byte, error) {
	if msg.Kind == "" {
		msg.Kind = KindInventoryUpdate
	}

	return json.Marshal(msg)
}
