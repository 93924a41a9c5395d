package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/emwebdesign1/ceracotta1-sub000/internal/domain"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/services"
)

// OrderFinalizedEvent is the event type attribute of messages on the order topic.
const OrderFinalizedEvent = "order.finalized"

// OrderFinalizedMessage is the JSON payload published once per created order.
type OrderFinalizedMessage struct {
	OrderID         string                 `json:"orderId"`
	UserID          string                 `json:"userId"`
	Status          string                 `json:"status"`
	Amount          int64                  `json:"amount"`
	Currency        string                 `json:"currency"`
	PaymentMethod   string                 `json:"paymentMethod"`
	PaymentIntentID string                 `json:"paymentIntentId"`
	Items           []OrderFinalizedItem   `json:"items"`
	Shipping        *OrderFinalizedAddress `json:"shipping,omitempty"`
	FinalizedAt     time.Time              `json:"finalizedAt"`
}

type OrderFinalizedItem struct {
	ProductID string  `json:"productId"`
	VariantID *string `json:"variantId,omitempty"`
	Title     string  `json:"title"`
	Quantity  int     `json:"quantity"`
	UnitPrice int64   `json:"unitPrice"`
}

type OrderFinalizedAddress struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	PostalCode string `json:"postalCode"`
	City       string `json:"city"`
	Country    string `json:"country"`
}

// PubSubOrderPublisher announces finalized orders for fulfilment and mail workers.
type PubSubOrderPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.OrderEventPublisher = (*PubSubOrderPublisher)(nil)

func NewPubSubOrderPublisher(topic *pubsub.Topic) (*PubSubOrderPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order publisher: topic is required")
	}
	return &PubSubOrderPublisher{topic: topic, marshal: json.Marshal}, nil
}

// PublishOrderFinalized blocks until the broker acknowledges the message.
func (p *PubSubOrderPublisher) PublishOrderFinalized(ctx context.Context, order domain.Order) error {
	data, err := p.marshal(newOrderFinalizedMessage(order))
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := map[string]string{"eventType": OrderFinalizedEvent}
	setAttr(attrs, "orderId", order.ID)
	setAttr(attrs, "userId", order.UserID)
	setAttr(attrs, "paymentIntentId", order.PaymentIntentID)

	result := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

func newOrderFinalizedMessage(order domain.Order) OrderFinalizedMessage {
	msg := OrderFinalizedMessage{
		OrderID:         order.ID,
		UserID:          order.UserID,
		Status:          string(order.Status),
		Amount:          order.Amount,
		Currency:        order.Currency,
		PaymentMethod:   string(order.PaymentMethod),
		PaymentIntentID: order.PaymentIntentID,
		Items:           make([]OrderFinalizedItem, 0, len(order.Items)),
		FinalizedAt:     order.CreatedAt,
	}
	for _, item := range order.Items {
		msg.Items = append(msg.Items, OrderFinalizedItem{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Title:     item.Title,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	if addr := order.ShippingAddress; addr != nil {
		msg.Shipping = &OrderFinalizedAddress{
			Name:       addr.Name,
			Line1:      addr.Line1,
			Line2:      addr.Line2,
			PostalCode: addr.PostalCode,
			City:       addr.City,
			Country:    addr.Country,
		}
	}
	return msg
}

func setAttr(attrs map[string]string, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
