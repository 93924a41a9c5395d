package handlers

import (
	"time"

	"github.com/emwebdesign1/ceracotta1-sub000/internal/services"
)

type userPayload struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	Phone     string `json:"phone,omitempty"`
	Role      string `json:"role"`
}

type cartItemPayload struct {
	ID        string  `json:"id"`
	ProductID string  `json:"productId"`
	VariantID *string `json:"variantId,omitempty"`
	Title     string  `json:"title"`
	Image     *string `json:"image,omitempty"`
	UnitPrice *int64  `json:"unitPrice"`
	Color     string  `json:"color,omitempty"`
	Size      string  `json:"size,omitempty"`
	Quantity  int     `json:"quantity"`
	LineTotal *int64  `json:"lineTotal"`
}

type cartPayload struct {
	ID        string            `json:"id"`
	Items     []cartItemPayload `json:"items"`
	ItemCount int               `json:"itemCount"`
	Subtotal  int64             `json:"subtotal"`
	UpdatedAt string            `json:"updatedAt,omitempty"`
}

type addressPayload struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	PostalCode string `json:"postalCode"`
	City       string `json:"city"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

type orderItemPayload struct {
	ProductID string  `json:"productId"`
	VariantID *string `json:"variantId,omitempty"`
	Title     string  `json:"title"`
	Image     *string `json:"image,omitempty"`
	UnitPrice int64   `json:"unitPrice"`
	Quantity  int     `json:"quantity"`
	Color     string  `json:"color,omitempty"`
	Size      string  `json:"size,omitempty"`
}

type orderPayload struct {
	ID              string             `json:"id"`
	Status          string             `json:"status"`
	Amount          int64              `json:"amount"`
	Currency        string             `json:"currency"`
	PaymentMethod   string             `json:"paymentMethod"`
	PaymentIntentID string             `json:"paymentIntentId"`
	PaymentStatus   string             `json:"paymentStatus"`
	ShippingAddress *addressPayload    `json:"shippingAddress,omitempty"`
	Items           []orderItemPayload `json:"items"`
	CreatedAt       string             `json:"createdAt"`
}

func buildUserPayload(user services.User) userPayload {
	return userPayload{
		ID:        user.ID,
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Username:  user.Username,
		Email:     user.Email,
		Phone:     user.Phone,
		Role:      string(user.Role),
	}
}

func buildCartItemPayload(item services.CartItem) cartItemPayload {
	payload := cartItemPayload{
		ID:        item.ID,
		ProductID: item.ProductID,
		VariantID: item.VariantID,
		Title:     item.Title,
		Image:     item.Image,
		UnitPrice: item.UnitPrice,
		Color:     item.Color,
		Size:      item.Size,
		Quantity:  item.Quantity,
	}
	if total, ok := item.LineTotal(); ok {
		payload.LineTotal = &total
	}
	return payload
}

// buildCartPayload sums priced lines only; unpriced items show a null lineTotal.
func buildCartPayload(cart services.Cart) cartPayload {
	payload := cartPayload{
		ID:        cart.ID,
		Items:     make([]cartItemPayload, 0, len(cart.Items)),
		UpdatedAt: formatTime(cart.UpdatedAt),
	}
	for _, item := range cart.Items {
		line := buildCartItemPayload(item)
		payload.Items = append(payload.Items, line)
		payload.ItemCount += item.Quantity
		if line.LineTotal != nil {
			payload.Subtotal += *line.LineTotal
		}
	}
	return payload
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:              order.ID,
		Status:          string(order.Status),
		Amount:          order.Amount,
		Currency:        order.Currency,
		PaymentMethod:   string(order.PaymentMethod),
		PaymentIntentID: order.PaymentIntentID,
		PaymentStatus:   order.PaymentStatus,
		Items:           make([]orderItemPayload, 0, len(order.Items)),
		CreatedAt:       formatTime(order.CreatedAt),
	}
	if addr := order.ShippingAddress; addr != nil {
		payload.ShippingAddress = &addressPayload{
			Name:       addr.Name,
			Line1:      addr.Line1,
			Line2:      addr.Line2,
			PostalCode: addr.PostalCode,
			City:       addr.City,
			Country:    addr.Country,
			Phone:      addr.Phone,
		}
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Title:     item.Title,
			Image:     item.Image,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			Color:     item.Color,
			Size:      item.Size,
		})
	}
	return payload
}

func (a addressPayload) toAddress() *services.Address {
	return &services.Address{
		Name:       a.Name,
		Line1:      a.Line1,
		Line2:      a.Line2,
		PostalCode: a.PostalCode,
		City:       a.City,
		Country:    a.Country,
		Phone:      a.Phone,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
