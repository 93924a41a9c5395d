package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/emwebdesign1/ceracotta1-sub000/internal/domain"
	ppostgres "github.com/emwebdesign1/ceracotta1-sub000/internal/platform/postgres"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/repositories"
)

const (
	orderColumns     = `id, user_id, amount, currency, status, payment_method, payment_provider, payment_intent_id, payment_status, shipping_address, created_at, updated_at`
	orderItemColumns = `id, order_id, position, product_id, variant_id, title, image, unit_price, quantity, color, size`

	// OrderPaymentIntentConstraint is the unique constraint guarding one order per intent.
	OrderPaymentIntentConstraint = "orders_payment_intent_key"
)

// OrderRepository persists orders with their items.
type OrderRepository struct {
	db *ppostgres.Provider
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func NewOrderRepository(provider *ppostgres.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires postgres provider")
	}
	return &OrderRepository{db: provider}, nil
}

// Insert writes the order header and items atomically, joining the caller's
// transaction when there is one.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) (domain.Order, error) {
	shipping, err := marshalAddress(order.ShippingAddress)
	if err != nil {
		return domain.Order{}, err
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	order.UpdatedAt = order.CreatedAt

	err = r.db.RunInTx(ctx, func(ctx context.Context) error {
		q := r.db.Querier(ctx)
		if _, err := q.Exec(ctx, `
			INSERT INTO orders (`+orderColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			order.ID, order.UserID, order.Amount, order.Currency, string(order.Status), string(order.PaymentMethod),
			order.PaymentProvider, order.PaymentIntentID, order.PaymentStatus, shipping, order.CreatedAt, order.UpdatedAt,
		); err != nil {
			return ppostgres.WrapError("orders.insert", err)
		}
		for i := range order.Items {
			item := &order.Items[i]
			item.OrderID = order.ID
			if _, err := q.Exec(ctx, `
				INSERT INTO order_items (`+orderItemColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
				item.ID, item.OrderID, item.Position, item.ProductID, item.VariantID, item.Title, item.Image,
				item.UnitPrice, item.Quantity, item.Color, item.Size,
			); err != nil {
				return ppostgres.WrapError("order_items.insert", err)
			}
		}
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (r *OrderRepository) FindByPaymentIntent(ctx context.Context, paymentIntentID string) (domain.Order, error) {
	q := r.db.Querier(ctx)
	order, err := scanOrder(q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE payment_intent_id = $1`, paymentIntentID))
	if err != nil {
		return domain.Order{}, ppostgres.WrapError("orders.find_by_intent", err)
	}
	items, err := r.listItems(ctx, q, []string{order.ID})
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items[order.ID]
	return order, nil
}

// ListByUser returns the user's orders newest first, each with its items.
func (r *OrderRepository) ListByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	q := r.db.Querier(ctx)
	rows, err := q.Query(ctx, `SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, ppostgres.WrapError("orders.list", err)
	}
	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, ppostgres.WrapError("orders.scan", err)
		}
		orders = append(orders, order)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, ppostgres.WrapError("orders.list", err)
	}
	if len(orders) == 0 {
		return orders, nil
	}

	ids := make([]string, len(orders))
	for i, order := range orders {
		ids[i] = order.ID
	}
	items, err := r.listItems(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Items = items[orders[i].ID]
	}
	return orders, nil
}

func (r *OrderRepository) UpdatePaymentStatus(ctx context.Context, orderID string, status domain.OrderStatus, paymentStatus string) (domain.Order, error) {
	q := r.db.Querier(ctx)
	order, err := scanOrder(q.QueryRow(ctx, `
		UPDATE orders SET status = $2, payment_status = $3, updated_at = $4
		WHERE id = $1
		RETURNING `+orderColumns,
		orderID, string(status), paymentStatus, time.Now().UTC()))
	if err != nil {
		return domain.Order{}, ppostgres.WrapError("orders.update_status", err)
	}
	items, err := r.listItems(ctx, q, []string{order.ID})
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items[order.ID]
	return order, nil
}

func (r *OrderRepository) SetShippingAddress(ctx context.Context, orderID string, address domain.Address) (domain.Order, error) {
	shipping, err := marshalAddress(&address)
	if err != nil {
		return domain.Order{}, err
	}
	q := r.db.Querier(ctx)
	order, err := scanOrder(q.QueryRow(ctx, `
		UPDATE orders SET shipping_address = $2, updated_at = $3
		WHERE id = $1 AND shipping_address IS NULL
		RETURNING `+orderColumns,
		orderID, shipping, time.Now().UTC()))
	if err != nil {
		return domain.Order{}, ppostgres.WrapError("orders.set_shipping", err)
	}
	items, err := r.listItems(ctx, q, []string{order.ID})
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items[order.ID]
	return order, nil
}

func (r *OrderRepository) listItems(ctx context.Context, q ppostgres.Querier, orderIDs []string) (map[string][]domain.OrderItem, error) {
	rows, err := q.Query(ctx, `SELECT `+orderItemColumns+` FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, position`, orderIDs)
	if err != nil {
		return nil, ppostgres.WrapError("order_items.list", err)
	}
	defer rows.Close()

	out := make(map[string][]domain.OrderItem, len(orderIDs))
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.Position, &item.ProductID, &item.VariantID, &item.Title,
			&item.Image, &item.UnitPrice, &item.Quantity, &item.Color, &item.Size); err != nil {
			return nil, ppostgres.WrapError("order_items.scan", err)
		}
		out[item.OrderID] = append(out[item.OrderID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, ppostgres.WrapError("order_items.list", err)
	}
	return out, nil
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order          domain.Order
		status, method string
		shipping       []byte
	)
	if err := row.Scan(&order.ID, &order.UserID, &order.Amount, &order.Currency, &status, &method,
		&order.PaymentProvider, &order.PaymentIntentID, &order.PaymentStatus, &shipping,
		&order.CreatedAt, &order.UpdatedAt); err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	order.PaymentMethod = domain.PaymentMethod(method)
	addr, err := unmarshalAddress(shipping)
	if err != nil {
		return domain.Order{}, err
	}
	order.ShippingAddress = addr
	return order, nil
}
