package repositories

import (
	"context"

	"github.com/emwebdesign1/ceracotta1-sub000/internal/domain"
)

// RepositoryError classifies persistence failures so services can map them without
// knowing the backing store.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork runs fn in one storage transaction. Repository calls made with the
// ctx passed to fn join that transaction.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// UserRepository persists accounts. Insert reports a conflict on duplicate email or username.
type UserRepository interface {
	Insert(ctx context.Context, user domain.User) (domain.User, error)
	FindByID(ctx context.Context, userID string) (domain.User, error)
	FindByEmail(ctx context.Context, email string) (domain.User, error)
}

// CatalogRepository is the read side of the catalog needed by the cart.
type CatalogRepository interface {
	GetProduct(ctx context.Context, productID string) (domain.Product, error)
}

// CartRepository owns the user's single cart and its items.
type CartRepository interface {
	// GetOrCreate returns the user's cart with items, creating an empty one if needed.
	GetOrCreate(ctx context.Context, userID string) (domain.Cart, error)
	// LockForUser returns the cart with items and holds a row lock until the surrounding
	// transaction ends. Not found when the user has no cart.
	LockForUser(ctx context.Context, userID string) (domain.Cart, error)
	// FindItem returns the item with its owning cart id.
	FindItem(ctx context.Context, itemID string) (domain.CartItem, error)
	// FindMatchingItem looks up the item for the (product, variant, color, size) key.
	FindMatchingItem(ctx context.Context, cartID string, key CartItemKey) (domain.CartItem, error)
	InsertItem(ctx context.Context, item domain.CartItem) (domain.CartItem, error)
	UpdateItem(ctx context.Context, item domain.CartItem) (domain.CartItem, error)
	DeleteItem(ctx context.Context, itemID string) error
	// ClearItems removes every item of the cart and reports how many were deleted.
	ClearItems(ctx context.Context, cartID string) (int, error)
}

// CartItemKey is the merge key of cart items.
type CartItemKey struct {
	ProductID string
	VariantID string
	Color     string
	Size      string
}

// OrderRepository persists orders. Insert reports a conflict when the payment intent
// already has an order.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) (domain.Order, error)
	FindByPaymentIntent(ctx context.Context, paymentIntentID string) (domain.Order, error)
	ListByUser(ctx context.Context, userID string) ([]domain.Order, error)
	UpdatePaymentStatus(ctx context.Context, orderID string, status domain.OrderStatus, paymentStatus string) (domain.Order, error)
	// SetShippingAddress fills the shipping snapshot of an order that has none. Not found
	// when the order is missing or already carries an address.
	SetShippingAddress(ctx context.Context, orderID string, address domain.Address) (domain.Order, error)
}

// StockRepository adjusts variant stock.
type StockRepository interface {
	// DecrementVariant subtracts quantity without a floor and returns the remaining stock.
	// Variants without their own stock are left untouched and report nil.
	DecrementVariant(ctx context.Context, variantID string, quantity int) (*int, error)
}

// TwintPaymentRepository is the ledger behind the mock TWINT provider.
type TwintPaymentRepository interface {
	Insert(ctx context.Context, payment domain.TwintPayment) (domain.TwintPayment, error)
	FindByID(ctx context.Context, paymentID string) (domain.TwintPayment, error)
	// TransitionStatus moves a payment from one status to another. Not found when the
	// payment is missing or no longer in the from status.
	TransitionStatus(ctx context.Context, paymentID, from, to string) (domain.TwintPayment, error)
}

// HealthRepository reports the state of downstream dependencies.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
