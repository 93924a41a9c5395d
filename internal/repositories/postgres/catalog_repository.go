package postgres

import (
	"context"
	"errors"

	"github.com/emwebdesign1/ceracotta1-sub000/internal/domain"
	ppostgres "github.com/emwebdesign1/ceracotta1-sub000/internal/platform/postgres"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/repositories"
)

// CatalogRepository reads products, variants and images. Catalog writes are owned by
// the admin service and are not exposed here.
type CatalogRepository struct {
	db *ppostgres.Provider
}

var _ repositories.CatalogRepository = (*CatalogRepository)(nil)

func NewCatalogRepository(provider *ppostgres.Provider) (*CatalogRepository, error) {
	if provider == nil {
		return nil, errors.New("catalog repository requires postgres provider")
	}
	return &CatalogRepository{db: provider}, nil
}

// GetProduct returns the product with its variants and ordered images. Inactive
// products are returned as-is; callers decide whether they are purchasable.
func (r *CatalogRepository) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	q := r.db.Querier(ctx)

	var (
		product    domain.Product
		categoryID *string
	)
	err := q.QueryRow(ctx, `
		SELECT id, category_id, title, description, price, currency, image, stock, active, created_at, updated_at
		FROM products WHERE id = $1`, productID,
	).Scan(&product.ID, &categoryID, &product.Title, &product.Description, &product.Price, &product.Currency,
		&product.Image, &product.Stock, &product.Active, &product.CreatedAt, &product.UpdatedAt)
	if err != nil {
		return domain.Product{}, ppostgres.WrapError("catalog.get_product", err)
	}
	if categoryID != nil {
		product.CategoryID = *categoryID
	}

	rows, err := q.Query(ctx, `
		SELECT id, product_id, sku, color, size, price, stock, image
		FROM product_variants WHERE product_id = $1 ORDER BY id`, productID)
	if err != nil {
		return domain.Product{}, ppostgres.WrapError("catalog.list_variants", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v domain.Variant
		if err := rows.Scan(&v.ID, &v.ProductID, &v.SKU, &v.Color, &v.Size, &v.Price, &v.Stock, &v.Image); err != nil {
			return domain.Product{}, ppostgres.WrapError("catalog.scan_variant", err)
		}
		product.Variants = append(product.Variants, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.Product{}, ppostgres.WrapError("catalog.list_variants", err)
	}

	imageRows, err := q.Query(ctx, `SELECT url FROM product_images WHERE product_id = $1 ORDER BY position, id`, productID)
	if err != nil {
		return domain.Product{}, ppostgres.WrapError("catalog.list_images", err)
	}
	defer imageRows.Close()
	for imageRows.Next() {
		var url string
		if err := imageRows.Scan(&url); err != nil {
			return domain.Product{}, ppostgres.WrapError("catalog.scan_image", err)
		}
		product.Images = append(product.Images, url)
	}
	if err := imageRows.Err(); err != nil {
		return domain.Product{}, ppostgres.WrapError("catalog.list_images", err)
	}
	return product, nil
}
