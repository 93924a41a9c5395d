package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/emwebdesign1/ceracotta1-sub000/internal/domain"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/platform/config"
	ppostgres "github.com/emwebdesign1/ceracotta1-sub000/internal/platform/postgres"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/repositories"
)

func setupTestDB(t *testing.T) *ppostgres.Provider {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("shop"),
		tcpostgres.WithUsername("shop"),
		tcpostgres.WithPassword("shop"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, ppostgres.Migrate(dsn))

	provider, err := ppostgres.NewProvider(ctx, config.DatabaseConfig{URL: dsn, MaxConns: 8})
	require.NoError(t, err)
	t.Cleanup(provider.Close)
	return provider
}

func seedUser(t *testing.T, provider *ppostgres.Provider, email string) domain.User {
	t.Helper()
	repo, err := NewUserRepository(provider)
	require.NoError(t, err)
	user, err := repo.Insert(context.Background(), domain.User{
		ID:           ulid.Make().String(),
		FirstName:    "Mira",
		LastName:     "Keller",
		Username:     email,
		Email:        email,
		PasswordHash: "hash",
		Role:         domain.RoleCustomer,
	})
	require.NoError(t, err)
	return user
}

func seedProduct(t *testing.T, provider *ppostgres.Provider, stock int) (string, string) {
	t.Helper()
	ctx := context.Background()
	productID := ulid.Make().String()
	variantID := ulid.Make().String()
	_, err := provider.Pool().Exec(ctx, `INSERT INTO products (id, title, price, currency, image, stock) VALUES ($1, 'Stoneware Mug', 3200, 'chf', 'mug.jpg', 10)`, productID)
	require.NoError(t, err)
	_, err = provider.Pool().Exec(ctx, `INSERT INTO product_variants (id, product_id, sku, color, size, price, stock) VALUES ($1, $2, 'MUG-BLU', 'Blue', 'L', 4500, $3)`, variantID, productID, stock)
	require.NoError(t, err)
	_, err = provider.Pool().Exec(ctx, `INSERT INTO product_images (id, product_id, url, position) VALUES ($1, $2, 'mug-1.jpg', 1)`, ulid.Make().String(), productID)
	require.NoError(t, err)
	return productID, variantID
}

func TestUserRepositoryDuplicateEmailIsConflict(t *testing.T) {
	provider := setupTestDB(t)
	repo, err := NewUserRepository(provider)
	require.NoError(t, err)
	seedUser(t, provider, "mira@example.ch")

	_, err = repo.Insert(context.Background(), domain.User{
		ID: ulid.Make().String(), FirstName: "A", LastName: "B", Username: "other",
		Email: "MIRA@example.ch", PasswordHash: "x", Role: domain.RoleCustomer,
	})
	var repoErr repositories.RepositoryError
	require.ErrorAs(t, err, &repoErr)
	assert.True(t, repoErr.IsConflict())

	found, err := repo.FindByEmail(context.Background(), "Mira@Example.ch")
	require.NoError(t, err)
	assert.Equal(t, "mira@example.ch", found.Email)
}

func TestCatalogRepositoryLoadsVariantsAndImages(t *testing.T) {
	provider := setupTestDB(t)
	productID, variantID := seedProduct(t, provider, 5)
	repo, err := NewCatalogRepository(provider)
	require.NoError(t, err)

	product, err := repo.GetProduct(context.Background(), productID)
	require.NoError(t, err)
	require.Len(t, product.Variants, 1)
	assert.Equal(t, variantID, product.Variants[0].ID)
	require.NotNil(t, product.Variants[0].Price)
	assert.Equal(t, int64(4500), *product.Variants[0].Price)
	assert.Equal(t, []string{"mug-1.jpg"}, product.Images)

	_, err = repo.GetProduct(context.Background(), "missing")
	var repoErr repositories.RepositoryError
	require.ErrorAs(t, err, &repoErr)
	assert.True(t, repoErr.IsNotFound())
}

func TestCartRepositoryMergeKeyIsUnique(t *testing.T) {
	provider := setupTestDB(t)
	user := seedUser(t, provider, "cart@example.ch")
	productID, variantID := seedProduct(t, provider, 5)
	repo, err := NewCartRepository(provider)
	require.NoError(t, err)
	ctx := context.Background()

	cart, err := repo.GetOrCreate(ctx, user.ID)
	require.NoError(t, err)
	again, err := repo.GetOrCreate(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, cart.ID, again.ID)
	assert.Empty(t, again.Items)

	price := int64(4500)
	item := domain.CartItem{
		ID: ulid.Make().String(), CartID: cart.ID, ProductID: productID, VariantID: &variantID,
		Title: "Stoneware Mug", UnitPrice: &price, Color: "Blue", Size: "L", Quantity: 1,
	}
	_, err = repo.InsertItem(ctx, item)
	require.NoError(t, err)

	dup := item
	dup.ID = ulid.Make().String()
	dup.Color = "blue"
	_, err = repo.InsertItem(ctx, dup)
	var repoErr repositories.RepositoryError
	require.ErrorAs(t, err, &repoErr)
	assert.True(t, repoErr.IsConflict())

	match, err := repo.FindMatchingItem(ctx, cart.ID, repositories.CartItemKey{ProductID: productID, VariantID: variantID, Color: "BLUE", Size: "l"})
	require.NoError(t, err)
	assert.Equal(t, item.ID, match.ID)

	require.NoError(t, repo.DeleteItem(ctx, item.ID))
	err = repo.DeleteItem(ctx, item.ID)
	require.ErrorAs(t, err, &repoErr)
	assert.True(t, repoErr.IsNotFound())
}

func TestOrderRepositoryRejectsSecondOrderForIntent(t *testing.T) {
	provider := setupTestDB(t)
	user := seedUser(t, provider, "order@example.ch")
	productID, _ := seedProduct(t, provider, 5)
	repo, err := NewOrderRepository(provider)
	require.NoError(t, err)
	ctx := context.Background()

	newOrder := func() domain.Order {
		orderID := ulid.Make().String()
		return domain.Order{
			ID: orderID, UserID: user.ID, Amount: 9000, Currency: "chf", Status: domain.OrderStatusPaid,
			PaymentMethod: domain.PaymentMethodCard, PaymentProvider: "stripe", PaymentIntentID: "pi_123",
			PaymentStatus: "succeeded", ShippingAddress: &domain.Address{Name: "Mira", City: "Zürich"},
			Items: []domain.OrderItem{{ID: ulid.Make().String(), Position: 0, ProductID: productID, Title: "Mug", UnitPrice: 4500, Quantity: 2}},
		}
	}

	created, err := repo.Insert(ctx, newOrder())
	require.NoError(t, err)

	_, err = repo.Insert(ctx, newOrder())
	var pgErr *ppostgres.Error
	require.ErrorAs(t, err, &pgErr)
	assert.True(t, pgErr.IsConflict())
	assert.Equal(t, OrderPaymentIntentConstraint, pgErr.Constraint())

	found, err := repo.FindByPaymentIntent(ctx, "pi_123")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)
	require.Len(t, found.Items, 1)
	assert.Equal(t, "Zürich", found.ShippingAddress.City)

	orders, err := repo.ListByUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, 2, orders[0].Items[0].Quantity)
	_, err = repo.SetShippingAddress(ctx, created.ID, domain.Address{City: "Bern", Country: "CH"})
	var notFound repositories.RepositoryError
	require.ErrorAs(t, err, &notFound)
	assert.True(t, notFound.IsNotFound())
}

func TestStockRepositoryHasNoFloor(t *testing.T) {
	provider := setupTestDB(t)
	_, variantID := seedProduct(t, provider, 1)
	repo, err := NewStockRepository(provider)
	require.NoError(t, err)

	ctx := context.Background()

	remaining, err := repo.DecrementVariant(ctx, variantID, 3)
	require.NoError(t, err)
	require.NotNil(t, remaining)
	assert.Equal(t, -2, *remaining)

	productID, inheritingID := seedProduct(t, provider, 0)
	_, err = provider.Pool().Exec(ctx, `UPDATE product_variants SET stock = NULL WHERE id = $1`, inheritingID)
	require.NoError(t, err)

	remaining, err = repo.DecrementVariant(ctx, inheritingID, 2)
	require.NoError(t, err)
	assert.Nil(t, remaining)

	var variantStock *int
	var productStock int
	require.NoError(t, provider.Pool().QueryRow(ctx, `SELECT stock FROM product_variants WHERE id = $1`, inheritingID).Scan(&variantStock))
	require.NoError(t, provider.Pool().QueryRow(ctx, `SELECT stock FROM products WHERE id = $1`, productID).Scan(&productStock))
	assert.Nil(t, variantStock)
	assert.Equal(t, 10, productStock)
}

func TestTwintPaymentTransitionOnlyFromExpectedStatus(t *testing.T) {
	provider := setupTestDB(t)
	user := seedUser(t, provider, "twint@example.ch")
	repo, err := NewTwintPaymentRepository(provider)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = repo.Insert(ctx, domain.TwintPayment{
		ID: "twint_01", UserID: user.ID, Amount: 9000, Currency: "chf",
		Status: "requires_action", PairingToken: "token",
	})
	require.NoError(t, err)

	approved, err := repo.TransitionStatus(ctx, "twint_01", "requires_action", "succeeded")
	require.NoError(t, err)
	assert.Equal(t, "succeeded", approved.Status)

	_, err = repo.TransitionStatus(ctx, "twint_01", "requires_action", "canceled")
	var repoErr repositories.RepositoryError
	require.ErrorAs(t, err, &repoErr)
	assert.True(t, repoErr.IsNotFound())

	found, err := repo.FindByID(ctx, "twint_01")
	require.NoError(t, err)
	assert.Equal(t, "succeeded", found.Status)
}

func TestRunInTxRollsBackOnError(t *testing.T) {
	provider := setupTestDB(t)
	user := seedUser(t, provider, "tx@example.ch")
	productID, _ := seedProduct(t, provider, 5)
	carts, err := NewCartRepository(provider)
	require.NoError(t, err)
	ctx := context.Background()
	cart, err := carts.GetOrCreate(ctx, user.ID)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = provider.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := carts.InsertItem(ctx, domain.CartItem{ID: ulid.Make().String(), CartID: cart.ID, ProductID: productID, Title: "Mug", Quantity: 1}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	reloaded, err := carts.GetOrCreate(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, reloaded.Items)
}

func TestLockForUserSerialisesConcurrentClears(t *testing.T) {
	provider := setupTestDB(t)
	user := seedUser(t, provider, "lock@example.ch")
	productID, _ := seedProduct(t, provider, 5)
	carts, err := NewCartRepository(provider)
	require.NoError(t, err)
	ctx := context.Background()
	cart, err := carts.GetOrCreate(ctx, user.ID)
	require.NoError(t, err)
	_, err = carts.InsertItem(ctx, domain.CartItem{ID: ulid.Make().String(), CartID: cart.ID, ProductID: productID, Title: "Mug", Quantity: 1})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		cleared []int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := provider.RunInTx(ctx, func(ctx context.Context) error {
				locked, err := carts.LockForUser(ctx, user.ID)
				if err != nil {
					return err
				}
				n := 0
				if len(locked.Items) > 0 {
					n, err = carts.ClearItems(ctx, locked.ID)
				}
				mu.Lock()
				cleared = append(cleared, n)
				mu.Unlock()
				return err
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.ElementsMatch(t, []int{1, 0}, cleared)
}
