package domain

import "time"

// Role enumerates account roles.
type Role string

const (
	RoleCustomer Role = "CUSTOMER"
	RoleAdmin    Role = "ADMIN"
)

// User is a shop account. PasswordHash never leaves the service layer.
type User struct {
	ID           string
	FirstName    string
	LastName     string
	Username     string
	Phone        string
	Email        string
	PasswordHash string
	Role         Role
	Address      *Address
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Address is a postal address snapshot.
type Address struct {
	Name       string
	Line1      string
	Line2      string
	PostalCode string
	City       string
	Country    string
	Phone      string
}

// Product is a catalog entry. Prices are minor currency units.
type Product struct {
	ID          string
	CategoryID  string
	Title       string
	Description string
	Price       int64
	Currency    string
	Image       string
	Images      []string
	Stock       int
	Active      bool
	Variants    []Variant
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Variant optionally overrides the product's price, stock, image, color and size.
type Variant struct {
	ID        string
	ProductID string
	SKU       string
	Color     string
	Size      string
	Price     *int64
	Stock     *int
	Image     *string
}

// FindVariant returns the variant with the given id.
func (p Product) FindVariant(id string) (Variant, bool) {
	for _, v := range p.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

// Cart is the per-user purchase intent. A user owns at most one cart.
type Cart struct {
	ID        string
	UserID    string
	Items     []CartItem
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CartItem holds a snapshot of catalog data taken when the item was added.
// Color and Size are stored in canonical form; empty means "not applicable".
type CartItem struct {
	ID        string
	CartID    string
	ProductID string
	VariantID *string
	Title     string
	Image     *string
	UnitPrice *int64
	Color     string
	Size      string
	Quantity  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LineTotal is UnitPrice × Quantity; ok is false when the item has no price snapshot.
func (i CartItem) LineTotal() (total int64, ok bool) {
	if i.UnitPrice == nil {
		return 0, false
	}
	return *i.UnitPrice * int64(i.Quantity), true
}

// OrderStatus enumerates order lifecycle states.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusPaid      OrderStatus = "PAID"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// PaymentMethod is the customer-facing payment method.
type PaymentMethod string

const (
	PaymentMethodCard  PaymentMethod = "CARD"
	PaymentMethodTwint PaymentMethod = "TWINT"
)

// Valid reports whether m is a supported payment method.
func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodCard || m == PaymentMethodTwint
}

// Order is created exactly once per payment intent and is immutable apart from Status
// and PaymentStatus transitions reported by the processor.
type Order struct {
	ID              string
	UserID          string
	Amount          int64
	Currency        string
	Status          OrderStatus
	PaymentMethod   PaymentMethod
	PaymentProvider string
	PaymentIntentID string
	PaymentStatus   string
	ShippingAddress *Address
	Items           []OrderItem
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OrderItem is an immutable copy of a CartItem at finalization time.
type OrderItem struct {
	ID        string
	OrderID   string
	Position  int
	ProductID string
	VariantID *string
	Title     string
	Image     *string
	UnitPrice int64
	Quantity  int
	Color     string
	Size      string
}

// TwintPayment is a row of the mock TWINT ledger.
type TwintPayment struct {
	ID           string
	UserID       string
	Amount       int64
	Currency     string
	Status       string
	PairingToken string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
