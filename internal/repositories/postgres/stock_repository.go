package postgres

import (
	"context"
	"errors"

	ppostgres "github.com/emwebdesign1/ceracotta1-sub000/internal/platform/postgres"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/repositories"
)

// StockRepository adjusts variant stock counters.
type StockRepository struct {
	db *ppostgres.Provider
}

var _ repositories.StockRepository = (*StockRepository)(nil)

func NewStockRepository(provider *ppostgres.Provider) (*StockRepository, error) {
	if provider == nil {
		return nil, errors.New("stock repository requires postgres provider")
	}
	return &StockRepository{db: provider}, nil
}

// DecrementVariant subtracts quantity with no floor. NULL stock means the variant
// inherits the product's stock; it stays NULL and nil is returned.
func (r *StockRepository) DecrementVariant(ctx context.Context, variantID string, quantity int) (*int, error) {
	var remaining *int
	err := r.db.Querier(ctx).QueryRow(ctx, `
		UPDATE product_variants SET stock = stock - $2
		WHERE id = $1
		RETURNING stock`, variantID, quantity).Scan(&remaining)
	if err != nil {
		return nil, ppostgres.WrapError("variants.decrement_stock", err)
	}
	return remaining, nil
}
