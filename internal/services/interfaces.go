package services

import (
	"context"
	"time"

	"github.com/emwebdesign1/ceracotta1-sub000/internal/domain"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/payments"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	User               = domain.User
	Address            = domain.Address
	Cart               = domain.Cart
	CartItem           = domain.CartItem
	Order              = domain.Order
	OrderItem          = domain.OrderItem
	OrderStatus        = domain.OrderStatus
	PaymentMethod      = domain.PaymentMethod
	SystemHealthReport = domain.SystemHealthReport
)

// AccountService registers customers and issues session tokens.
type AccountService interface {
	Register(ctx context.Context, cmd RegisterCommand) (AuthResult, error)
	Login(ctx context.Context, cmd LoginCommand) (AuthResult, error)
}

// CartService manages the single cart owned by each user.
type CartService interface {
	GetCart(ctx context.Context, userID string) (Cart, error)
	AddItem(ctx context.Context, userID string, cmd AddCartItemCommand) (CartItem, error)
	UpdateItem(ctx context.Context, userID string, itemID string, quantity int) (CartItem, error)
	RemoveItem(ctx context.Context, userID string, itemID string) error
	Clear(ctx context.Context, userID string) error
}

// PaymentService opens payment intents for carts and turns verified processor
// notifications into order transitions.
type PaymentService interface {
	Config(ctx context.Context) PaymentConfig
	CreateIntent(ctx context.Context, userID string, cmd CreateIntentCommand) (PaymentIntentResult, error)
	RetrieveIntent(ctx context.Context, intentID string) (payments.Intent, error)
	HandleStripeWebhook(ctx context.Context, payload []byte, signature string) (PaymentEventResult, error)
	HandleTwintCallback(ctx context.Context, payload []byte) (PaymentEventResult, error)
	SimulateTwint(ctx context.Context, cmd SimulateTwintCommand) (payments.Intent, error)
}

// OrderService turns confirmed payment intents into orders exactly once.
type OrderService interface {
	FinalizePayment(ctx context.Context, cmd FinalizeCommand) (FinalizeResult, error)
	ApplyPaymentEvent(ctx context.Context, event payments.Event) (PaymentEventResult, error)
	ListOrders(ctx context.Context, userID string) ([]Order, error)
}

// SystemService exposes operational metadata.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// RegisterCommand carries the sign-up form.
type RegisterCommand struct {
	FirstName string
	LastName  string
	Username  string
	Phone     string
	Email     string
	Password  string
}

// LoginCommand carries credentials.
type LoginCommand struct {
	Email    string
	Password string
}

// AuthResult is returned by register and login.
type AuthResult struct {
	User      User
	Token     string
	ExpiresAt time.Time
}

// AddCartItemCommand describes an item to put in the cart. Nil pointers mean
// "take it from the catalog".
type AddCartItemCommand struct {
	ProductID string
	VariantID *string
	Quantity  int
	Color     *string
	Size      *string
	Image     *string
}

// PaymentConfig is the public processor configuration for the storefront.
type PaymentConfig struct {
	PublishableKey string
	Currency       string
	Methods        []PaymentMethod
}

// CreateIntentCommand requests a payment intent for the caller's cart.
type CreateIntentCommand struct {
	Method         PaymentMethod
	Customer       *payments.Customer
	IdempotencyKey string
}

// PaymentIntentResult is what the client needs to complete the payment.
type PaymentIntentResult struct {
	ClientSecret    string
	PaymentIntentID string
	Amount          int64
	Currency        string
	PaymentMethod   PaymentMethod
	Provider        string
	ReturnURL       string
}

// SimulateTwintCommand approves or declines a pending TWINT payment on behalf of the payer.
type SimulateTwintCommand struct {
	UserID   string
	IntentID string
	Approve  bool
}

// FinalizeTrigger records which path asked for finalization.
type FinalizeTrigger string

const (
	// FinalizeTriggerConfirm is the client confirming after the payment UI; the intent is re-fetched.
	FinalizeTriggerConfirm FinalizeTrigger = "confirm"

	// FinalizeTriggerWebhook is a verified processor notification; its payload is trusted.
	FinalizeTriggerWebhook FinalizeTrigger = "webhook"
)

// FinalizeCommand asks for the order of one payment intent.
type FinalizeCommand struct {
	UserID          string
	PaymentIntentID string
	Shipping        *Address
	Trigger         FinalizeTrigger
	Intent          *payments.Intent
}

// FinalizeResult carries the order and whether it already existed.
type FinalizeResult struct {
	Order     Order
	Duplicate bool
}

// PaymentEventOutcome describes what a processor event did.
type PaymentEventOutcome string

const (
	PaymentEventCreated   PaymentEventOutcome = "created"
	PaymentEventDuplicate PaymentEventOutcome = "duplicate"
	PaymentEventUpdated   PaymentEventOutcome = "updated"
	PaymentEventIgnored   PaymentEventOutcome = "ignored"
)

// PaymentEventResult is returned for every acknowledged event.
type PaymentEventResult struct {
	EventID string
	Type    string
	Outcome PaymentEventOutcome
	OrderID string
}
