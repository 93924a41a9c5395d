package services

import (
	"context"
	"errors"
	"testing"

	"github.com/emwebdesign1/ceracotta1-sub000/internal/domain"
)

func mugProduct() domain.Product {
	return domain.Product{
		ID:     "prod-mug",
		Title:  "Stoneware Mug",
		Price:  3200,
		Image:  "mug.jpg",
		Active: true,
		Variants: []domain.Variant{
			{ID: "var-blue", ProductID: "prod-mug", Color: "Blue", Size: "L", Price: int64Ptr(4500), Image: strPtr("mug-blue.jpg")},
			{ID: "var-plain", ProductID: "prod-mug"},
		},
	}
}

func newTestCartService(t *testing.T, store *memoryStore, catalog *stubCatalog) CartService {
	t.Helper()
	svc, err := NewCartService(CartServiceDeps{
		Carts:       store,
		Catalog:     catalog,
		UnitOfWork:  store,
		Clock:       fixedClock(),
		IDGenerator: sequentialIDs("item"),
	})
	if err != nil {
		t.Fatalf("NewCartService: %v", err)
	}
	return svc
}

func mugCatalog() *stubCatalog {
	return &stubCatalog{getFunc: func(ctx context.Context, productID string) (domain.Product, error) {
		if productID != "prod-mug" {
			return domain.Product{}, notFoundErr("product")
		}
		return mugProduct(), nil
	}}
}

func TestCartServiceGetCartLazyCreates(t *testing.T) {
	store := newMemoryStore()
	svc := newTestCartService(t, store, mugCatalog())

	cart, err := svc.GetCart(context.Background(), " user-1 ")
	if err != nil {
		t.Fatalf("GetCart: %v", err)
	}
	if cart.UserID != "user-1" {
		t.Fatalf("expected trimmed user id, got %q", cart.UserID)
	}
	if cart.Items == nil || len(cart.Items) != 0 {
		t.Fatalf("expected empty non-nil items, got %#v", cart.Items)
	}
}

func TestCartServiceAddItemSnapshotsVariant(t *testing.T) {
	store := newMemoryStore()
	svc := newTestCartService(t, store, mugCatalog())

	item, err := svc.AddItem(context.Background(), "user-1", AddCartItemCommand{
		ProductID: "prod-mug",
		VariantID: strPtr("var-blue"),
		Quantity:  2,
	})
	if err != nil {
		t.Fatalf("AddItem: %v", err)
	}

	if item.ID != "item-1" {
		t.Fatalf("expected generated id item-1, got %q", item.ID)
	}
	if item.UnitPrice == nil || *item.UnitPrice != 4500 {
		t.Fatalf("expected variant price override 4500, got %v", item.UnitPrice)
	}
	if item.Image == nil || *item.Image != "mug-blue.jpg" {
		t.Fatalf("expected variant image, got %v", item.Image)
	}
	if item.Color != "Blue" || item.Size != "L" {
		t.Fatalf("expected options from variant, got %q/%q", item.Color, item.Size)
	}
	if item.CartID != "cart-user-1" {
		t.Fatalf("unexpected cart id %q", item.CartID)
	}
}

func TestCartServiceAddItemFallsBackToProduct(t *testing.T) {
	store := newMemoryStore()
	svc := newTestCartService(t, store, mugCatalog())

	item, err := svc.AddItem(context.Background(), "user-1", AddCartItemCommand{
		ProductID: "prod-mug",
		VariantID: strPtr("var-plain"),
		Quantity:  1,
		Color:     strPtr("  <b>Sand</b>   Beige "),
	})
	if err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	if *item.UnitPrice != 3200 {
		t.Fatalf("expected product price, got %d", *item.UnitPrice)
	}
	if *item.Image != "mug.jpg" {
		t.Fatalf("expected product image, got %q", *item.Image)
	}
	if item.Color != "Sand Beige" {
		t.Fatalf("expected markup stripped and whitespace collapsed, got %q", item.Color)
	}
}

func TestCartServiceAddItemMergesCaseInsensitively(t *testing.T) {
	store := newMemoryStore()
	svc := newTestCartService(t, store, mugCatalog())
	ctx := context.Background()

	first, err := svc.AddItem(ctx, "user-1", AddCartItemCommand{ProductID: "prod-mug", VariantID: strPtr("var-blue"), Quantity: 1})
	if err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	second, err := svc.AddItem(ctx, "user-1", AddCartItemCommand{ProductID: "prod-mug", VariantID: strPtr("var-blue"), Quantity: 2, Color: strPtr("BLUE"), Size: strPtr("l")})
	if err != nil {
		t.Fatalf("AddItem: %v", err)
	}

	if second.ID != first.ID {
		t.Fatalf("expected merge into %s, got %s", first.ID, second.ID)
	}
	if second.Quantity != 3 {
		t.Fatalf("expected quantity 3, got %d", second.Quantity)
	}
	if second.Color != "Blue" {
		t.Fatalf("expected catalog spelling kept, got %q", second.Color)
	}
	if n := store.itemCount("user-1"); n != 1 {
		t.Fatalf("expected one line, got %d", n)
	}
}

func TestCartServiceAddItemBackfillsOnlyMissingSnapshot(t *testing.T) {
	store := newMemoryStore()
	legacy := mugItem("legacy")
	legacy.Quantity = 1
	legacy.UnitPrice = nil
	legacy.Image = strPtr("old.jpg")
	store.seedCart("user-1", legacy)
	svc := newTestCartService(t, store, mugCatalog())

	merged, err := svc.AddItem(context.Background(), "user-1", AddCartItemCommand{ProductID: "prod-mug", VariantID: strPtr("var-blue"), Quantity: 1})
	if err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	if merged.ID != "legacy" || merged.Quantity != 2 {
		t.Fatalf("expected legacy line with quantity 2, got %s x%d", merged.ID, merged.Quantity)
	}
	if merged.UnitPrice == nil || *merged.UnitPrice != 4500 {
		t.Fatalf("expected price backfilled, got %v", merged.UnitPrice)
	}
	if *merged.Image != "old.jpg" {
		t.Fatalf("expected existing image kept, got %q", *merged.Image)
	}
}

func TestCartServiceAddItemValidation(t *testing.T) {
	tests := []struct {
		name string
		cmd  AddCartItemCommand
		want error
	}{
		{name: "zero quantity", cmd: AddCartItemCommand{ProductID: "prod-mug", Quantity: 0}, want: ErrCartInvalidInput},
		{name: "negative quantity", cmd: AddCartItemCommand{ProductID: "prod-mug", Quantity: -3}, want: ErrCartInvalidInput},
		{name: "missing product id", cmd: AddCartItemCommand{Quantity: 1}, want: ErrCartInvalidInput},
		{name: "unknown product", cmd: AddCartItemCommand{ProductID: "prod-vase", Quantity: 1}, want: ErrCartProductNotFound},
		{name: "foreign variant", cmd: AddCartItemCommand{ProductID: "prod-mug", VariantID: strPtr("var-other"), Quantity: 1}, want: ErrCartProductNotFound},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := newMemoryStore()
			catalog := mugCatalog()
			svc := newTestCartService(t, store, catalog)

			_, err := svc.AddItem(context.Background(), "user-1", tc.cmd)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if n := store.itemCount("user-1"); n != 0 {
				t.Fatalf("expected no items, got %d", n)
			}
			if tc.want == ErrCartInvalidInput && catalog.calls != 0 {
				t.Fatalf("expected catalog untouched on invalid input")
			}
		})
	}
}

func TestCartServiceAddItemInactiveProduct(t *testing.T) {
	catalog := &stubCatalog{getFunc: func(ctx context.Context, productID string) (domain.Product, error) {
		p := mugProduct()
		p.Active = false
		return p, nil
	}}
	svc := newTestCartService(t, newMemoryStore(), catalog)

	_, err := svc.AddItem(context.Background(), "user-1", AddCartItemCommand{ProductID: "prod-mug", Quantity: 1})
	if !errors.Is(err, ErrCartProductNotFound) {
		t.Fatalf("expected product not found, got %v", err)
	}
}

func TestCartServiceUpdateItemRejectsForeignItem(t *testing.T) {
	store := newMemoryStore()
	store.seedCart("user-a", mugItem("item-a"))
	store.seedCart("user-b")
	recorder := &eventRecorder{}
	svc, err := NewCartService(CartServiceDeps{
		Carts: store, Catalog: mugCatalog(), UnitOfWork: store, Clock: fixedClock(), Logger: recorder.log,
	})
	if err != nil {
		t.Fatalf("NewCartService: %v", err)
	}

	_, err = svc.UpdateItem(context.Background(), "user-b", "item-a", 5)
	if !errors.Is(err, ErrCartForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, ok := recorder.find("cart.item_forbidden"); !ok {
		t.Fatalf("expected forbidden attempt to be logged")
	}

	if err := svc.RemoveItem(context.Background(), "user-b", "item-a"); !errors.Is(err, ErrCartForbidden) {
		t.Fatalf("expected forbidden on remove, got %v", err)
	}
	if n := store.itemCount("user-a"); n != 1 {
		t.Fatalf("expected owner's item untouched, got %d items", n)
	}
}

func TestCartServiceUpdateItemQuantity(t *testing.T) {
	store := newMemoryStore()
	store.seedCart("user-1", mugItem("item-1"))
	svc := newTestCartService(t, store, mugCatalog())

	if _, err := svc.UpdateItem(context.Background(), "user-1", "item-1", 0); !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected invalid input for quantity 0, got %v", err)
	}

	updated, err := svc.UpdateItem(context.Background(), "user-1", "item-1", 4)
	if err != nil {
		t.Fatalf("UpdateItem: %v", err)
	}
	if updated.Quantity != 4 {
		t.Fatalf("expected quantity 4, got %d", updated.Quantity)
	}

	if _, err := svc.UpdateItem(context.Background(), "user-1", "missing", 1); !errors.Is(err, ErrCartNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCartServiceRemoveItemTwice(t *testing.T) {
	store := newMemoryStore()
	store.seedCart("user-1", mugItem("item-1"))
	svc := newTestCartService(t, store, mugCatalog())
	ctx := context.Background()

	if err := svc.RemoveItem(ctx, "user-1", "item-1"); err != nil {
		t.Fatalf("first RemoveItem: %v", err)
	}
	if err := svc.RemoveItem(ctx, "user-1", "item-1"); !errors.Is(err, ErrCartNotFound) {
		t.Fatalf("expected second delete to report not found, got %v", err)
	}
}

func TestCartServiceClearIsIdempotent(t *testing.T) {
	store := newMemoryStore()
	store.seedCart("user-1", mugItem("item-1"), mugItem("item-2"))
	svc := newTestCartService(t, store, mugCatalog())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := svc.Clear(ctx, "user-1"); err != nil {
			t.Fatalf("Clear #%d: %v", i+1, err)
		}
	}
	if n := store.itemCount("user-1"); n != 0 {
		t.Fatalf("expected empty cart, got %d items", n)
	}
}

func TestCartServiceTranslatesUnavailable(t *testing.T) {
	catalog := &stubCatalog{getFunc: func(ctx context.Context, productID string) (domain.Product, error) {
		return domain.Product{}, &repositoryErrorStub{msg: "db down", unavailable: true}
	}}
	svc := newTestCartService(t, newMemoryStore(), catalog)

	_, err := svc.AddItem(context.Background(), "user-1", AddCartItemCommand{ProductID: "prod-mug", Quantity: 1})
	if !errors.Is(err, ErrCartUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestCanonicalText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "  Blue ", want: "Blue"},
		{in: "Terra\u0301cotta", want: "Terr\u00e1cotta"},
		{in: "<script>x</script>Red", want: "Red"},
		{in: "Salt &amp; Pepper", want: "Salt & Pepper"},
		{in: "Large\t\n  Bowl", want: "Large Bowl"},
		{in: "<img src=x onerror=y>Cream", want: "Cream"},
	}
	for _, tc := range tests {
		if got := canonicalText(tc.in); got != tc.want {
			t.Errorf("canonicalText(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
