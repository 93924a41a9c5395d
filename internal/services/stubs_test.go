package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emwebdesign1/ceracotta1-sub000/internal/domain"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/payments"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/repositories"
)

func strPtr(v string) *string {
	return &v
}

func int64Ptr(v int64) *int64 {
	return &v
}

func fixedClock() func() time.Time {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	return func() time.Time { return now }
}

func sequentialIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

type repositoryErrorStub struct {
	msg         string
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *repositoryErrorStub) Error() string {
	return e.msg
}

func (e *repositoryErrorStub) IsNotFound() bool {
	return e.notFound
}

func (e *repositoryErrorStub) IsConflict() bool {
	return e.conflict
}

func (e *repositoryErrorStub) IsUnavailable() bool {
	return e.unavailable
}

func notFoundErr(what string) error {
	return &repositoryErrorStub{msg: what + " not found", notFound: true}
}

type recordedEvent struct {
	name   string
	fields map[string]any
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) log(_ context.Context, name string, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{name: name, fields: fields})
}

func (r *eventRecorder) find(name string) (recordedEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.name == name {
			return e, true
		}
	}
	return recordedEvent{}, false
}

// memoryStore backs the cart, order and stock repositories with maps. RunInTx
// serialises transactions and restores the previous state when fn fails.
type memoryStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	carts  map[string]*domain.Cart
	orders []domain.Order
	stock  map[string]int

	// variants whose stock column is NULL
	inherited map[string]bool

	decrements int
	inserts    int
}

var (
	_ repositories.CartRepository  = (*memoryStore)(nil)
	_ repositories.OrderRepository = (*memoryStore)(nil)
	_ repositories.StockRepository = (*memoryStore)(nil)
	_ repositories.UnitOfWork      = (*memoryStore)(nil)
)

func newMemoryStore() *memoryStore {
	return &memoryStore{carts: map[string]*domain.Cart{}, stock: map[string]int{}, inherited: map[string]bool{}}
}

func (m *memoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	carts, orders, stock := m.snapshot()
	m.mu.Unlock()

	if err := fn(ctx); err != nil {
		m.mu.Lock()
		m.carts, m.orders, m.stock = carts, orders, stock
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *memoryStore) snapshot() (map[string]*domain.Cart, []domain.Order, map[string]int) {
	carts := make(map[string]*domain.Cart, len(m.carts))
	for k, c := range m.carts {
		copyCart := *c
		copyCart.Items = append([]domain.CartItem(nil), c.Items...)
		carts[k] = &copyCart
	}
	orders := append([]domain.Order(nil), m.orders...)
	stock := make(map[string]int, len(m.stock))
	for k, v := range m.stock {
		stock[k] = v
	}
	return carts, orders, stock
}

// seedCart puts items straight into the user's cart.
func (m *memoryStore) seedCart(userID string, items ...domain.CartItem) *domain.Cart {
	m.mu.Lock()
	defer m.mu.Unlock()
	cart := m.cartFor(userID)
	for _, item := range items {
		item.CartID = cart.ID
		cart.Items = append(cart.Items, item)
	}
	return cart
}

func (m *memoryStore) cartFor(userID string) *domain.Cart {
	cart, ok := m.carts[userID]
	if !ok {
		cart = &domain.Cart{ID: "cart-" + userID, UserID: userID}
		m.carts[userID] = cart
	}
	return cart
}

func (m *memoryStore) itemCount(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cart, ok := m.carts[userID]; ok {
		return len(cart.Items)
	}
	return 0
}

func (m *memoryStore) GetOrCreate(_ context.Context, userID string) (domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cart := *m.cartFor(userID)
	cart.Items = append([]domain.CartItem(nil), cart.Items...)
	return cart, nil
}

func (m *memoryStore) LockForUser(_ context.Context, userID string) (domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cart, ok := m.carts[userID]
	if !ok {
		return domain.Cart{}, notFoundErr("cart")
	}
	out := *cart
	out.Items = append([]domain.CartItem(nil), cart.Items...)
	return out, nil
}

func (m *memoryStore) FindItem(_ context.Context, itemID string) (domain.CartItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cart := range m.carts {
		for _, item := range cart.Items {
			if item.ID == itemID {
				return item, nil
			}
		}
	}
	return domain.CartItem{}, notFoundErr("cart item")
}

func (m *memoryStore) FindMatchingItem(_ context.Context, cartID string, key repositories.CartItemKey) (domain.CartItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cart := range m.carts {
		if cart.ID != cartID {
			continue
		}
		for _, item := range cart.Items {
			if matchesKey(item, key) {
				return item, nil
			}
		}
	}
	return domain.CartItem{}, notFoundErr("cart item")
}

func matchesKey(item domain.CartItem, key repositories.CartItemKey) bool {
	variant := ""
	if item.VariantID != nil {
		variant = *item.VariantID
	}
	return item.ProductID == key.ProductID &&
		variant == key.VariantID &&
		strings.EqualFold(item.Color, key.Color) &&
		strings.EqualFold(item.Size, key.Size)
}

func (m *memoryStore) InsertItem(_ context.Context, item domain.CartItem) (domain.CartItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cart := range m.carts {
		if cart.ID != item.CartID {
			continue
		}
		for _, existing := range cart.Items {
			if matchesKey(existing, cartItemKey(item)) {
				return domain.CartItem{}, &repositoryErrorStub{msg: "duplicate item", conflict: true}
			}
		}
		cart.Items = append(cart.Items, item)
		return item, nil
	}
	return domain.CartItem{}, notFoundErr("cart")
}

func (m *memoryStore) UpdateItem(_ context.Context, item domain.CartItem) (domain.CartItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cart := range m.carts {
		for i := range cart.Items {
			if cart.Items[i].ID == item.ID {
				cart.Items[i] = item
				return item, nil
			}
		}
	}
	return domain.CartItem{}, notFoundErr("cart item")
}

func (m *memoryStore) DeleteItem(_ context.Context, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cart := range m.carts {
		for i := range cart.Items {
			if cart.Items[i].ID == itemID {
				cart.Items = append(cart.Items[:i], cart.Items[i+1:]...)
				return nil
			}
		}
	}
	return notFoundErr("cart item")
}

func (m *memoryStore) ClearItems(_ context.Context, cartID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cart := range m.carts {
		if cart.ID == cartID {
			n := len(cart.Items)
			cart.Items = nil
			return n, nil
		}
	}
	return 0, nil
}

func (m *memoryStore) Insert(_ context.Context, order domain.Order) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.orders {
		if existing.PaymentIntentID == order.PaymentIntentID {
			return domain.Order{}, &repositoryErrorStub{msg: "orders_payment_intent_key", conflict: true}
		}
	}
	m.inserts++
	m.orders = append(m.orders, order)
	return order, nil
}

func (m *memoryStore) FindByPaymentIntent(_ context.Context, paymentIntentID string) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, order := range m.orders {
		if order.PaymentIntentID == paymentIntentID {
			return order, nil
		}
	}
	return domain.Order{}, notFoundErr("order")
}

func (m *memoryStore) ListByUser(_ context.Context, userID string) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, order := range m.orders {
		if order.UserID == userID {
			out = append(out, order)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryStore) UpdatePaymentStatus(_ context.Context, orderID string, status domain.OrderStatus, paymentStatus string) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.orders {
		if m.orders[i].ID == orderID {
			m.orders[i].Status = status
			m.orders[i].PaymentStatus = paymentStatus
			return m.orders[i], nil
		}
	}
	return domain.Order{}, notFoundErr("order")
}

func (m *memoryStore) SetShippingAddress(_ context.Context, orderID string, address domain.Address) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.orders {
		if m.orders[i].ID == orderID && m.orders[i].ShippingAddress == nil {
			m.orders[i].ShippingAddress = &address
			return m.orders[i], nil
		}
	}
	return domain.Order{}, notFoundErr("order")
}

func (m *memoryStore) DecrementVariant(_ context.Context, variantID string, quantity int) (*int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inherited[variantID] {
		m.decrements++
		return nil, nil
	}
	current, ok := m.stock[variantID]
	if !ok {
		return nil, notFoundErr("variant")
	}
	m.decrements++
	remaining := current - quantity
	m.stock[variantID] = remaining
	return &remaining, nil
}

func (m *memoryStore) orderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

type stubCatalog struct {
	getFunc func(ctx context.Context, productID string) (domain.Product, error)
	calls   int
}

func (s *stubCatalog) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	s.calls++
	if s.getFunc == nil {
		return domain.Product{}, notFoundErr("product")
	}
	return s.getFunc(ctx, productID)
}

type stubIntents struct {
	createFunc   func(ctx context.Context, req payments.CreateIntentRequest) (payments.Intent, error)
	retrieveFunc func(ctx context.Context, intentID string) (payments.Intent, error)
	createCalls  int
}

func (s *stubIntents) CreateIntent(ctx context.Context, req payments.CreateIntentRequest) (payments.Intent, error) {
	s.createCalls++
	if s.createFunc == nil {
		return payments.Intent{}, fmt.Errorf("unexpected CreateIntent")
	}
	return s.createFunc(ctx, req)
}

func (s *stubIntents) RetrieveIntent(ctx context.Context, intentID string) (payments.Intent, error) {
	if s.retrieveFunc == nil {
		return payments.Intent{}, payments.ErrIntentNotFound
	}
	return s.retrieveFunc(ctx, intentID)
}

type stubPublisher struct {
	published []domain.Order
	err       error
}

func (s *stubPublisher) PublishOrderFinalized(_ context.Context, order domain.Order) error {
	s.published = append(s.published, order)
	return s.err
}

func testIntent(id, userID, status string, amount int64) payments.Intent {
	return payments.Intent{
		ID:           id,
		Provider:     payments.ProviderStripe,
		ClientSecret: id + "_secret",
		Amount:       amount,
		Currency:     "chf",
		Status:       status,
		Metadata: map[string]string{
			payments.MetadataUserID:        userID,
			payments.MetadataPaymentMethod: string(domain.PaymentMethodCard),
		},
	}
}

// mugItem is two mugs at 45.00 of variant var-blue.
func mugItem(id string) domain.CartItem {
	return domain.CartItem{
		ID:        id,
		ProductID: "prod-mug",
		VariantID: strPtr("var-blue"),
		Title:     "Stoneware Mug",
		UnitPrice: int64Ptr(4500),
		Color:     "Blue",
		Size:      "L",
		Quantity:  2,
	}
}
