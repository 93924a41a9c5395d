package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/emwebdesign1/ceracotta1-sub000/internal/domain"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/payments"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/repositories"
)

var (
	errOrderRepositoryRequired = errors.New("order service: order repository is required")
	errOrderCartsRequired      = errors.New("order service: cart repository is required")
	errOrderStockRequired      = errors.New("order service: stock repository is required")
	errOrderUnitOfWorkRequired = errors.New("order service: unit of work is required")
	errOrderIntentsRequired    = errors.New("order service: intent retriever is required")
	errOrderClockRequired      = errors.New("order service: clock is required")
)

var (
	// ErrOrderInvalidInput indicates the caller supplied invalid input.
	ErrOrderInvalidInput = errors.New("order service: invalid input")

	// ErrOrderForbidden indicates the payment intent belongs to another user.
	ErrOrderForbidden = errors.New("order service: forbidden")

	// ErrOrderEmptyCart indicates there is nothing to finalize and no order exists for the intent.
	ErrOrderEmptyCart = errors.New("order service: cart is empty")

	// ErrOrderUnpriceable indicates a cart item lost its price snapshot.
	ErrOrderUnpriceable = errors.New("order service: cart contains unpriced items")

	// ErrPaymentNotConfirmed indicates the processor has not accepted the payment.
	ErrPaymentNotConfirmed = errors.New("order service: payment not confirmed")

	// ErrOrderNotFound indicates the order does not exist.
	ErrOrderNotFound = errors.New("order service: not found")

	// ErrOrderConflict indicates a concurrent write the caller may retry.
	ErrOrderConflict = errors.New("order service: conflict")

	// ErrOrderUnavailable indicates the backing store could not be reached.
	ErrOrderUnavailable = errors.New("order service: unavailable")
)

// IntentRetriever re-reads intents from the processor. Implemented by payments.Manager.
type IntentRetriever interface {
	RetrieveIntent(ctx context.Context, intentID string) (payments.Intent, error)
}

// OrderEventPublisher announces new orders to downstream consumers.
type OrderEventPublisher interface {
	PublishOrderFinalized(ctx context.Context, order Order) error
}

// OrderServiceDeps wires the repositories and processor access used by finalization.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Carts       repositories.CartRepository
	Stock       repositories.StockRepository
	UnitOfWork  repositories.UnitOfWork
	Intents     IntentRetriever
	Events      OrderEventPublisher
	Currency    string
	Clock       func() time.Time
	Logger      func(context.Context, string, map[string]any)
	IDGenerator func() string
}

type orderService struct {
	orders   repositories.OrderRepository
	carts    repositories.CartRepository
	stock    repositories.StockRepository
	uow      repositories.UnitOfWork
	intents  IntentRetriever
	events   OrderEventPublisher
	currency string
	now      func() time.Time
	newID    func() string
	logger   func(context.Context, string, map[string]any)
}

var _ OrderService = (*orderService)(nil)

// NewOrderService constructs an OrderService. Events is optional.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errOrderRepositoryRequired
	}
	if deps.Carts == nil {
		return nil, errOrderCartsRequired
	}
	if deps.Stock == nil {
		return nil, errOrderStockRequired
	}
	if deps.UnitOfWork == nil {
		return nil, errOrderUnitOfWorkRequired
	}
	if deps.Intents == nil {
		return nil, errOrderIntentsRequired
	}
	if deps.Clock == nil {
		return nil, errOrderClockRequired
	}

	currency := strings.ToLower(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultSettlementCurrency
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}

	return &orderService{
		orders:   deps.Orders,
		carts:    deps.Carts,
		stock:    deps.Stock,
		uow:      deps.UnitOfWork,
		intents:  deps.Intents,
		events:   deps.Events,
		currency: currency,
		now:      func() time.Time { return deps.Clock().UTC() },
		newID:    idGen,
		logger:   logger,
	}, nil
}

// FinalizePayment creates the order for a confirmed intent from the user's cart, at
// most once per intent. Client confirmation re-reads the intent from the processor;
// webhooks pass the verified intent along. Repeated calls return the existing order
// with Duplicate set.
func (s *orderService) FinalizePayment(ctx context.Context, cmd FinalizeCommand) (FinalizeResult, error) {
	intentID := strings.TrimSpace(cmd.PaymentIntentID)
	if intentID == "" && cmd.Intent != nil {
		intentID = cmd.Intent.ID
	}
	if intentID == "" {
		return FinalizeResult{}, fmt.Errorf("%w: paymentIntentId is required", ErrOrderInvalidInput)
	}

	intent, err := s.resolveIntent(ctx, cmd, intentID)
	if err != nil {
		return FinalizeResult{}, err
	}

	userID, err := s.resolveOwner(ctx, cmd, intent)
	if err != nil {
		return FinalizeResult{}, err
	}

	if !intent.Confirmed() {
		s.logger(ctx, "order.intent_not_confirmed", map[string]any{"paymentIntent": intent.ID, "status": intent.Status, "trigger": string(cmd.Trigger)})
		return FinalizeResult{}, fmt.Errorf("%w: intent status %s", ErrPaymentNotConfirmed, intent.Status)
	}

	shipping := normalizeAddress(cmd.Shipping)

	var result FinalizeResult
	err = s.uow.RunInTx(ctx, func(ctx context.Context) error {
		cart, err := s.carts.LockForUser(ctx, userID)
		if err != nil && !isRepoNotFound(err) {
			return err
		}

		existing, err := s.orders.FindByPaymentIntent(ctx, intent.ID)
		if err == nil {
			result = FinalizeResult{Order: existing, Duplicate: true}
			return nil
		}
		if !isRepoNotFound(err) {
			return err
		}

		if len(cart.Items) == 0 {
			return ErrOrderEmptyCart
		}

		order, err := s.buildOrder(ctx, userID, cart, intent, shipping)
		if err != nil {
			return err
		}
		created, err := s.orders.Insert(ctx, order)
		if err != nil {
			return err
		}
		if err := s.decrementStock(ctx, created); err != nil {
			return err
		}
		if _, err := s.carts.ClearItems(ctx, cart.ID); err != nil {
			return err
		}
		result = FinalizeResult{Order: created}
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrOrderEmptyCart), errors.Is(err, ErrOrderUnpriceable):
			return FinalizeResult{}, err
		case isRepoConflict(err):
			existing, findErr := s.orders.FindByPaymentIntent(ctx, intent.ID)
			if findErr != nil {
				return FinalizeResult{}, s.translateRepoError(err)
			}
			s.logger(ctx, "order.finalize_race", map[string]any{"paymentIntent": intent.ID, "orderId": existing.ID})
			result = FinalizeResult{Order: existing, Duplicate: true}
		default:
			return FinalizeResult{}, s.translateRepoError(err)
		}
	}

	if result.Duplicate {
		promoted, err := s.promote(ctx, result.Order, intent)
		if err != nil {
			return FinalizeResult{}, err
		}
		result.Order = promoted
		if shipping != nil && result.Order.ShippingAddress == nil {
			filled, err := s.backfillShipping(ctx, result.Order, *shipping)
			if err != nil {
				return FinalizeResult{}, err
			}
			result.Order = filled
		}
		return result, nil
	}

	s.logger(ctx, "order.finalized", map[string]any{
		"orderId":       result.Order.ID,
		"userId":        result.Order.UserID,
		"paymentIntent": result.Order.PaymentIntentID,
		"amount":        result.Order.Amount,
		"status":        string(result.Order.Status),
		"trigger":       string(cmd.Trigger),
	})
	s.publish(ctx, result.Order)
	return result, nil
}

// ApplyPaymentEvent moves orders along with processor events. Events that carry no
// intent, name an unknown type or cannot be attributed are acknowledged and ignored.
func (s *orderService) ApplyPaymentEvent(ctx context.Context, event payments.Event) (PaymentEventResult, error) {
	result := PaymentEventResult{EventID: event.ID, Type: event.Type, Outcome: PaymentEventIgnored}
	if event.Intent == nil {
		s.logger(ctx, "order.event_ignored", map[string]any{"eventId": event.ID, "type": event.Type})
		return result, nil
	}

	switch event.Type {
	case payments.EventIntentSucceeded:
		finalized, err := s.FinalizePayment(ctx, FinalizeCommand{
			PaymentIntentID: event.Intent.ID,
			Trigger:         FinalizeTriggerWebhook,
			Intent:          event.Intent,
		})
		switch {
		case err == nil:
			result.OrderID = finalized.Order.ID
			result.Outcome = PaymentEventCreated
			if finalized.Duplicate {
				result.Outcome = PaymentEventDuplicate
			}
		case errors.Is(err, ErrOrderEmptyCart), errors.Is(err, ErrOrderInvalidInput), errors.Is(err, ErrOrderUnpriceable):
			s.logger(ctx, "order.event_ignored", map[string]any{"eventId": event.ID, "type": event.Type, "paymentIntent": event.Intent.ID, "reason": err.Error()})
		default:
			return PaymentEventResult{}, err
		}
	case payments.EventIntentFailed, payments.EventIntentCanceled:
		order, err := s.orders.FindByPaymentIntent(ctx, event.Intent.ID)
		if err != nil {
			if isRepoNotFound(err) {
				s.logger(ctx, "order.event_ignored", map[string]any{"eventId": event.ID, "type": event.Type, "paymentIntent": event.Intent.ID, "reason": "no order"})
				return result, nil
			}
			return PaymentEventResult{}, s.translateRepoError(err)
		}
		result.OrderID = order.ID
		if order.Status != domain.OrderStatusPending {
			result.Outcome = PaymentEventDuplicate
			return result, nil
		}
		if _, err := s.orders.UpdatePaymentStatus(ctx, order.ID, domain.OrderStatusCancelled, event.Intent.Status); err != nil {
			return PaymentEventResult{}, s.translateRepoError(err)
		}
		s.logger(ctx, "order.cancelled", map[string]any{"orderId": order.ID, "paymentIntent": event.Intent.ID, "paymentStatus": event.Intent.Status})
		result.Outcome = PaymentEventUpdated
	default:
		s.logger(ctx, "order.event_ignored", map[string]any{"eventId": event.ID, "type": event.Type})
	}
	return result, nil
}

// ListOrders returns the user's orders, newest first.
func (s *orderService) ListOrders(ctx context.Context, userID string) ([]Order, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	orders, err := s.orders.ListByUser(ctx, userID)
	if err != nil {
		return nil, s.translateRepoError(err)
	}
	if orders == nil {
		orders = []Order{}
	}
	return orders, nil
}

func (s *orderService) resolveIntent(ctx context.Context, cmd FinalizeCommand, intentID string) (payments.Intent, error) {
	if cmd.Trigger == FinalizeTriggerWebhook {
		if cmd.Intent == nil || cmd.Intent.ID != intentID {
			return payments.Intent{}, fmt.Errorf("%w: webhook finalization requires the verified intent", ErrOrderInvalidInput)
		}
		return *cmd.Intent, nil
	}
	intent, err := s.intents.RetrieveIntent(ctx, intentID)
	if err != nil {
		s.logger(ctx, "order.intent_lookup_failed", map[string]any{"paymentIntent": intentID, "error": err.Error()})
		return payments.Intent{}, translateProcessorError(err)
	}
	return intent, nil
}

func (s *orderService) resolveOwner(ctx context.Context, cmd FinalizeCommand, intent payments.Intent) (string, error) {
	owner := strings.TrimSpace(intent.UserID())
	if cmd.Trigger == FinalizeTriggerWebhook {
		if owner == "" {
			return "", fmt.Errorf("%w: intent %s carries no user", ErrOrderInvalidInput, intent.ID)
		}
		return owner, nil
	}

	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return "", fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	if owner != userID {
		s.logger(ctx, "order.intent_owner_mismatch", map[string]any{"paymentIntent": intent.ID, "userId": userID})
		return "", ErrOrderForbidden
	}
	return userID, nil
}

func (s *orderService) buildOrder(ctx context.Context, userID string, cart Cart, intent payments.Intent, shipping *Address) (Order, error) {
	orderID := s.newID()
	now := s.now()

	items := make([]OrderItem, 0, len(cart.Items))
	var amount int64
	for i, item := range cart.Items {
		line, ok := item.LineTotal()
		if !ok {
			return Order{}, fmt.Errorf("%w: item %s", ErrOrderUnpriceable, item.ID)
		}
		amount += line
		items = append(items, OrderItem{
			ID:        s.newID(),
			OrderID:   orderID,
			Position:  i,
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Title:     item.Title,
			Image:     item.Image,
			UnitPrice: *item.UnitPrice,
			Quantity:  item.Quantity,
			Color:     item.Color,
			Size:      item.Size,
		})
	}

	if amount != intent.Amount {
		s.logger(ctx, "order.amount_mismatch", map[string]any{
			"paymentIntent": intent.ID,
			"intentAmount":  intent.Amount,
			"cartAmount":    amount,
		})
	}

	currency := strings.ToLower(intent.Currency)
	if currency == "" {
		currency = s.currency
	}

	status := domain.OrderStatusPending
	if intent.Status == payments.StatusSucceeded {
		status = domain.OrderStatusPaid
	}

	return Order{
		ID:              orderID,
		UserID:          userID,
		Amount:          amount,
		Currency:        currency,
		Status:          status,
		PaymentMethod:   paymentMethodOf(intent),
		PaymentProvider: intent.Provider,
		PaymentIntentID: intent.ID,
		PaymentStatus:   intent.Status,
		ShippingAddress: shipping,
		Items:           items,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func (s *orderService) decrementStock(ctx context.Context, order Order) error {
	for _, item := range order.Items {
		if item.VariantID == nil {
			continue
		}
		remaining, err := s.stock.DecrementVariant(ctx, *item.VariantID, item.Quantity)
		if err != nil {
			if isRepoNotFound(err) {
				s.logger(ctx, "order.stock_variant_missing", map[string]any{"orderId": order.ID, "variantId": *item.VariantID})
				continue
			}
			return err
		}
		if remaining != nil && *remaining < 0 {
			s.logger(ctx, "order.stock_oversold", map[string]any{
				"orderId":   order.ID,
				"variantId": *item.VariantID,
				"remaining": *remaining,
			})
		}
	}
	return nil
}

// promote upgrades a PENDING order once the processor reports the payment succeeded.
func (s *orderService) promote(ctx context.Context, order Order, intent payments.Intent) (Order, error) {
	if order.Status != domain.OrderStatusPending || intent.Status != payments.StatusSucceeded {
		return order, nil
	}
	updated, err := s.orders.UpdatePaymentStatus(ctx, order.ID, domain.OrderStatusPaid, intent.Status)
	if err != nil {
		return Order{}, s.translateRepoError(err)
	}
	s.logger(ctx, "order.paid", map[string]any{"orderId": order.ID, "paymentIntent": intent.ID})
	return updated, nil
}

// backfillShipping stores the confirm request's address on an order the webhook created
// first. Losing a concurrent backfill keeps the address that won.
func (s *orderService) backfillShipping(ctx context.Context, order Order, shipping Address) (Order, error) {
	updated, err := s.orders.SetShippingAddress(ctx, order.ID, shipping)
	if err != nil {
		if !isRepoNotFound(err) {
			return Order{}, s.translateRepoError(err)
		}
		current, findErr := s.orders.FindByPaymentIntent(ctx, order.PaymentIntentID)
		if findErr != nil {
			return Order{}, s.translateRepoError(findErr)
		}
		return current, nil
	}
	s.logger(ctx, "order.shipping_backfilled", map[string]any{"orderId": order.ID, "paymentIntent": order.PaymentIntentID})
	return updated, nil
}

func (s *orderService) publish(ctx context.Context, order Order) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishOrderFinalized(ctx, order); err != nil {
		s.logger(ctx, "order.publish_failed", map[string]any{"orderId": order.ID, "error": err.Error()})
	}
}

func (s *orderService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	if repoErr, ok := asRepositoryError(err); ok {
		switch {
		case repoErr.IsNotFound():
			return ErrOrderNotFound
		case repoErr.IsConflict():
			return ErrOrderConflict
		case repoErr.IsUnavailable():
			return ErrOrderUnavailable
		}
	}
	return fmt.Errorf("order service: %w", err)
}

func paymentMethodOf(intent payments.Intent) PaymentMethod {
	if method := intent.Method(); method.Valid() {
		return method
	}
	if intent.Provider == payments.ProviderTwint {
		return domain.PaymentMethodTwint
	}
	return domain.PaymentMethodCard
}

func normalizeAddress(addr *Address) *Address {
	if addr == nil {
		return nil
	}
	out := Address{
		Name:       canonicalText(addr.Name),
		Line1:      canonicalText(addr.Line1),
		Line2:      canonicalText(addr.Line2),
		PostalCode: canonicalText(addr.PostalCode),
		City:       canonicalText(addr.City),
		Country:    strings.ToUpper(canonicalText(addr.Country)),
		Phone:      canonicalText(addr.Phone),
	}
	if out == (Address{}) {
		return nil
	}
	return &out
}
