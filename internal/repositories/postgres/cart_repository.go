package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/emwebdesign1/ceracotta1-sub000/internal/domain"
	ppostgres "github.com/emwebdesign1/ceracotta1-sub000/internal/platform/postgres"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/repositories"
)

const cartItemColumns = `id, cart_id, product_id, variant_id, title, image, unit_price, color, size, quantity, created_at, updated_at`

// CartRepository persists carts and cart items.
type CartRepository struct {
	db *ppostgres.Provider
}

var _ repositories.CartRepository = (*CartRepository)(nil)

func NewCartRepository(provider *ppostgres.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires postgres provider")
	}
	return &CartRepository{db: provider}, nil
}

func (r *CartRepository) GetOrCreate(ctx context.Context, userID string) (domain.Cart, error) {
	q := r.db.Querier(ctx)
	cart := domain.Cart{UserID: userID}
	err := q.QueryRow(ctx, `
		INSERT INTO carts (id, user_id) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING id, created_at, updated_at`,
		ulid.Make().String(), userID,
	).Scan(&cart.ID, &cart.CreatedAt, &cart.UpdatedAt)
	if err != nil {
		return domain.Cart{}, ppostgres.WrapError("carts.get_or_create", err)
	}
	items, err := r.listItems(ctx, q, cart.ID)
	if err != nil {
		return domain.Cart{}, err
	}
	cart.Items = items
	return cart, nil
}

// LockForUser must run inside RunInTx; the FOR UPDATE lock serialises concurrent
// finalizations of the same cart.
func (r *CartRepository) LockForUser(ctx context.Context, userID string) (domain.Cart, error) {
	if !ppostgres.InTx(ctx) {
		return domain.Cart{}, errors.New("cart repository: LockForUser requires a transaction")
	}
	q := r.db.Querier(ctx)
	cart := domain.Cart{UserID: userID}
	err := q.QueryRow(ctx, `SELECT id, created_at, updated_at FROM carts WHERE user_id = $1 FOR UPDATE`, userID).
		Scan(&cart.ID, &cart.CreatedAt, &cart.UpdatedAt)
	if err != nil {
		return domain.Cart{}, ppostgres.WrapError("carts.lock", err)
	}
	items, err := r.listItems(ctx, q, cart.ID)
	if err != nil {
		return domain.Cart{}, err
	}
	cart.Items = items
	return cart, nil
}

func (r *CartRepository) FindItem(ctx context.Context, itemID string) (domain.CartItem, error) {
	row := r.db.Querier(ctx).QueryRow(ctx, `SELECT `+cartItemColumns+` FROM cart_items WHERE id = $1`, itemID)
	item, err := scanCartItem(row)
	if err != nil {
		return domain.CartItem{}, ppostgres.WrapError("cart_items.find", err)
	}
	return item, nil
}

// FindMatchingItem compares color and size case-insensitively, mirroring the unique index.
func (r *CartRepository) FindMatchingItem(ctx context.Context, cartID string, key repositories.CartItemKey) (domain.CartItem, error) {
	row := r.db.Querier(ctx).QueryRow(ctx, `
		SELECT `+cartItemColumns+` FROM cart_items
		WHERE cart_id = $1
		  AND product_id = $2
		  AND COALESCE(variant_id, '') = $3
		  AND lower(color) = lower($4)
		  AND lower(size) = lower($5)`,
		cartID, key.ProductID, key.VariantID, key.Color, key.Size)
	item, err := scanCartItem(row)
	if err != nil {
		return domain.CartItem{}, ppostgres.WrapError("cart_items.find_matching", err)
	}
	return item, nil
}

func (r *CartRepository) InsertItem(ctx context.Context, item domain.CartItem) (domain.CartItem, error) {
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = item.CreatedAt
	q := r.db.Querier(ctx)
	_, err := q.Exec(ctx, `
		INSERT INTO cart_items (`+cartItemColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		item.ID, item.CartID, item.ProductID, item.VariantID, item.Title, item.Image, item.UnitPrice,
		item.Color, item.Size, item.Quantity, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return domain.CartItem{}, ppostgres.WrapError("cart_items.insert", err)
	}
	if err := r.touch(ctx, q, item.CartID, item.UpdatedAt); err != nil {
		return domain.CartItem{}, err
	}
	return item, nil
}

// UpdateItem writes the mutable fields: quantity and the price/image snapshot.
func (r *CartRepository) UpdateItem(ctx context.Context, item domain.CartItem) (domain.CartItem, error) {
	item.UpdatedAt = time.Now().UTC()
	q := r.db.Querier(ctx)
	row := q.QueryRow(ctx, `
		UPDATE cart_items SET quantity = $2, unit_price = $3, image = $4, updated_at = $5
		WHERE id = $1
		RETURNING `+cartItemColumns,
		item.ID, item.Quantity, item.UnitPrice, item.Image, item.UpdatedAt)
	updated, err := scanCartItem(row)
	if err != nil {
		return domain.CartItem{}, ppostgres.WrapError("cart_items.update", err)
	}
	if err := r.touch(ctx, q, updated.CartID, updated.UpdatedAt); err != nil {
		return domain.CartItem{}, err
	}
	return updated, nil
}

func (r *CartRepository) DeleteItem(ctx context.Context, itemID string) error {
	tag, err := r.db.Querier(ctx).Exec(ctx, `DELETE FROM cart_items WHERE id = $1`, itemID)
	if err != nil {
		return ppostgres.WrapError("cart_items.delete", err)
	}
	if tag.RowsAffected() == 0 {
		return ppostgres.NotFound("cart_items.delete", "cart item")
	}
	return nil
}

func (r *CartRepository) ClearItems(ctx context.Context, cartID string) (int, error) {
	q := r.db.Querier(ctx)
	tag, err := q.Exec(ctx, `DELETE FROM cart_items WHERE cart_id = $1`, cartID)
	if err != nil {
		return 0, ppostgres.WrapError("cart_items.clear", err)
	}
	if tag.RowsAffected() > 0 {
		if err := r.touch(ctx, q, cartID, time.Now().UTC()); err != nil {
			return 0, err
		}
	}
	return int(tag.RowsAffected()), nil
}

func (r *CartRepository) listItems(ctx context.Context, q ppostgres.Querier, cartID string) ([]domain.CartItem, error) {
	rows, err := q.Query(ctx, `SELECT `+cartItemColumns+` FROM cart_items WHERE cart_id = $1 ORDER BY created_at, id`, cartID)
	if err != nil {
		return nil, ppostgres.WrapError("cart_items.list", err)
	}
	defer rows.Close()

	items := make([]domain.CartItem, 0)
	for rows.Next() {
		item, err := scanCartItem(rows)
		if err != nil {
			return nil, ppostgres.WrapError("cart_items.scan", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, ppostgres.WrapError("cart_items.list", err)
	}
	return items, nil
}

func (r *CartRepository) touch(ctx context.Context, q ppostgres.Querier, cartID string, at time.Time) error {
	if _, err := q.Exec(ctx, `UPDATE carts SET updated_at = $2 WHERE id = $1`, cartID, at); err != nil {
		return ppostgres.WrapError("carts.touch", err)
	}
	return nil
}

func scanCartItem(row rowScanner) (domain.CartItem, error) {
	var item domain.CartItem
	err := row.Scan(&item.ID, &item.CartID, &item.ProductID, &item.VariantID, &item.Title, &item.Image,
		&item.UnitPrice, &item.Color, &item.Size, &item.Quantity, &item.CreatedAt, &item.UpdatedAt)
	return item, err
}
