package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/emwebdesign1/ceracotta1-sub000/internal/domain"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/repositories"
)

var (
	errCartRepositoryRequired = errors.New("cart service: cart repository is required")
	errCartCatalogRequired    = errors.New("cart service: catalog repository is required")
	errCartUnitOfWorkRequired = errors.New("cart service: unit of work is required")
	errCartClockRequired      = errors.New("cart service: clock is required")
)

const (
	maxCartOptionLength         = 120
	maxCartImageReferenceLength = 2048
)

var markupPolicy = bluemonday.StrictPolicy()

// ErrCartInvalidInput indicates the caller supplied invalid input.
var ErrCartInvalidInput = errors.New("cart service: invalid input")

// ErrCartNotFound indicates the cart item does not exist.
var ErrCartNotFound = errors.New("cart service: not found")

// ErrCartProductNotFound indicates the product or variant is missing, inactive or mismatched.
var ErrCartProductNotFound = errors.New("cart service: product not found")

// ErrCartForbidden indicates the item belongs to another user's cart.
var ErrCartForbidden = errors.New("cart service: forbidden")

// ErrCartConflict indicates a concurrent modification the caller may retry.
var ErrCartConflict = errors.New("cart service: conflict")

// ErrCartUnavailable indicates the backing store could not be reached.
var ErrCartUnavailable = errors.New("cart service: unavailable")

// CartServiceDeps wires the repositories used by cart operations.
type CartServiceDeps struct {
	Carts       repositories.CartRepository
	Catalog     repositories.CatalogRepository
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	Logger      func(context.Context, string, map[string]any)
	IDGenerator func() string
}

type cartService struct {
	carts   repositories.CartRepository
	catalog repositories.CatalogRepository
	uow     repositories.UnitOfWork
	now     func() time.Time
	newID   func() string
	logger  func(context.Context, string, map[string]any)
}

var _ CartService = (*cartService)(nil)

// NewCartService constructs a CartService enforcing dependency validation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Carts == nil {
		return nil, errCartRepositoryRequired
	}
	if deps.Catalog == nil {
		return nil, errCartCatalogRequired
	}
	if deps.UnitOfWork == nil {
		return nil, errCartUnitOfWorkRequired
	}
	if deps.Clock == nil {
		return nil, errCartClockRequired
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}

	return &cartService{
		carts:   deps.Carts,
		catalog: deps.Catalog,
		uow:     deps.UnitOfWork,
		now:     func() time.Time { return deps.Clock().UTC() },
		newID:   idGen,
		logger:  logger,
	}, nil
}

// GetCart returns the user's cart, creating an empty one on first access.
func (s *cartService) GetCart(ctx context.Context, userID string) (Cart, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	cart, err := s.carts.GetOrCreate(ctx, userID)
	if err != nil {
		return Cart{}, s.translateRepoError(err)
	}
	if cart.Items == nil {
		cart.Items = []CartItem{}
	}
	return cart, nil
}

// AddItem snapshots the product into the cart. Items with the same product, variant,
// color and size are merged by adding quantities.
func (s *cartService) AddItem(ctx context.Context, userID string, cmd AddCartItemCommand) (CartItem, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return CartItem{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return CartItem{}, fmt.Errorf("%w: productId is required", ErrCartInvalidInput)
	}
	if cmd.Quantity < 1 {
		return CartItem{}, fmt.Errorf("%w: quantity must be at least 1", ErrCartInvalidInput)
	}
	if err := validateOptionInputs(cmd); err != nil {
		return CartItem{}, err
	}

	product, err := s.catalog.GetProduct(ctx, productID)
	if err != nil {
		if isRepoNotFound(err) {
			return CartItem{}, ErrCartProductNotFound
		}
		return CartItem{}, s.translateRepoError(err)
	}
	if !product.Active {
		return CartItem{}, ErrCartProductNotFound
	}

	var variant *domain.Variant
	if cmd.VariantID != nil && strings.TrimSpace(*cmd.VariantID) != "" {
		found, ok := product.FindVariant(strings.TrimSpace(*cmd.VariantID))
		if !ok {
			return CartItem{}, ErrCartProductNotFound
		}
		variant = &found
	}

	snapshot := snapshotCartItem(product, variant, cmd)

	cart, err := s.carts.GetOrCreate(ctx, userID)
	if err != nil {
		return CartItem{}, s.translateRepoError(err)
	}

	now := s.now()
	merged := false
	var result CartItem
	err = s.uow.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := s.carts.LockForUser(ctx, userID); err != nil {
			return err
		}
		existing, err := s.carts.FindMatchingItem(ctx, cart.ID, cartItemKey(snapshot))
		switch {
		case err == nil:
			existing.Quantity += snapshot.Quantity
			if existing.UnitPrice == nil {
				existing.UnitPrice = snapshot.UnitPrice
			}
			if existing.Image == nil {
				existing.Image = snapshot.Image
			}
			existing.UpdatedAt = now
			merged = true
			result, err = s.carts.UpdateItem(ctx, existing)
			return err
		case isRepoNotFound(err):
			item := snapshot
			item.ID = s.newID()
			item.CartID = cart.ID
			item.CreatedAt = now
			item.UpdatedAt = now
			result, err = s.carts.InsertItem(ctx, item)
			return err
		default:
			return err
		}
	})
	if err != nil {
		return CartItem{}, s.translateRepoError(err)
	}

	s.logger(ctx, "cart.item_added", map[string]any{
		"userId":    userID,
		"cartId":    cart.ID,
		"itemId":    result.ID,
		"productId": result.ProductID,
		"quantity":  result.Quantity,
		"merged":    merged,
	})
	return result, nil
}

// UpdateItem replaces the quantity of an item in the caller's cart.
func (s *cartService) UpdateItem(ctx context.Context, userID string, itemID string, quantity int) (CartItem, error) {
	if quantity < 1 {
		return CartItem{}, fmt.Errorf("%w: quantity must be at least 1", ErrCartInvalidInput)
	}
	item, err := s.ownedItem(ctx, userID, itemID)
	if err != nil {
		return CartItem{}, err
	}

	item.Quantity = quantity
	item.UpdatedAt = s.now()
	updated, err := s.carts.UpdateItem(ctx, item)
	if err != nil {
		return CartItem{}, s.translateRepoError(err)
	}
	return updated, nil
}

// RemoveItem deletes an item from the caller's cart. A second delete reports not found.
func (s *cartService) RemoveItem(ctx context.Context, userID string, itemID string) error {
	item, err := s.ownedItem(ctx, userID, itemID)
	if err != nil {
		return err
	}
	if err := s.carts.DeleteItem(ctx, item.ID); err != nil {
		return s.translateRepoError(err)
	}
	return nil
}

// Clear empties the caller's cart. Clearing an empty cart succeeds.
func (s *cartService) Clear(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	cart, err := s.carts.GetOrCreate(ctx, userID)
	if err != nil {
		return s.translateRepoError(err)
	}
	removed, err := s.carts.ClearItems(ctx, cart.ID)
	if err != nil {
		return s.translateRepoError(err)
	}
	s.logger(ctx, "cart.cleared", map[string]any{"userId": userID, "cartId": cart.ID, "removed": removed})
	return nil
}

func (s *cartService) ownedItem(ctx context.Context, userID, itemID string) (CartItem, error) {
	userID = strings.TrimSpace(userID)
	itemID = strings.TrimSpace(itemID)
	if userID == "" || itemID == "" {
		return CartItem{}, fmt.Errorf("%w: user id and item id are required", ErrCartInvalidInput)
	}

	item, err := s.carts.FindItem(ctx, itemID)
	if err != nil {
		return CartItem{}, s.translateRepoError(err)
	}
	cart, err := s.carts.GetOrCreate(ctx, userID)
	if err != nil {
		return CartItem{}, s.translateRepoError(err)
	}
	if item.CartID != cart.ID {
		s.logger(ctx, "cart.item_forbidden", map[string]any{"userId": userID, "itemId": itemID})
		return CartItem{}, ErrCartForbidden
	}
	return item, nil
}

func (s *cartService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	if repoErr, ok := asRepositoryError(err); ok {
		switch {
		case repoErr.IsNotFound():
			return ErrCartNotFound
		case repoErr.IsConflict():
			return ErrCartConflict
		case repoErr.IsUnavailable():
			return ErrCartUnavailable
		}
	}
	return fmt.Errorf("cart service: %w", err)
}

func validateOptionInputs(cmd AddCartItemCommand) error {
	for name, value := range map[string]*string{"color": cmd.Color, "size": cmd.Size} {
		if value != nil && len(*value) > maxCartOptionLength {
			return fmt.Errorf("%w: %s is too long", ErrCartInvalidInput, name)
		}
	}
	if cmd.Image != nil && len(*cmd.Image) > maxCartImageReferenceLength {
		return fmt.Errorf("%w: image is too long", ErrCartInvalidInput)
	}
	return nil
}

// snapshotCartItem copies the catalog data an item keeps for the rest of its life.
// Variant overrides win over product values; request options win over both.
func snapshotCartItem(product domain.Product, variant *domain.Variant, cmd AddCartItemCommand) CartItem {
	price := product.Price
	item := CartItem{
		ProductID: product.ID,
		Title:     product.Title,
		UnitPrice: &price,
		Quantity:  cmd.Quantity,
	}

	var variantColor, variantSize string
	var variantImage *string
	if variant != nil {
		id := variant.ID
		item.VariantID = &id
		if variant.Price != nil {
			override := *variant.Price
			item.UnitPrice = &override
		}
		variantColor, variantSize = variant.Color, variant.Size
		variantImage = variant.Image
	}

	item.Color = resolveOption(cmd.Color, variantColor)
	item.Size = resolveOption(cmd.Size, variantSize)
	item.Image = resolveImage(cmd.Image, variantImage, product)
	return item
}

func resolveOption(requested *string, catalogValue string) string {
	catalogValue = canonicalText(catalogValue)
	if requested == nil {
		return catalogValue
	}
	value := canonicalText(*requested)
	if value == "" {
		return catalogValue
	}
	if catalogValue != "" && sameFolded(value, catalogValue) {
		return catalogValue
	}
	return value
}

func resolveImage(requested *string, variantImage *string, product domain.Product) *string {
	candidates := make([]string, 0, 4)
	if requested != nil {
		candidates = append(candidates, *requested)
	}
	if variantImage != nil {
		candidates = append(candidates, *variantImage)
	}
	candidates = append(candidates, product.Image)
	if len(product.Images) > 0 {
		candidates = append(candidates, product.Images[0])
	}
	for _, candidate := range candidates {
		if value := strings.TrimSpace(markupPolicy.Sanitize(candidate)); value != "" {
			value = html.UnescapeString(value)
			return &value
		}
	}
	return nil
}

// canonicalText strips markup, applies NFC and collapses whitespace.
func canonicalText(raw string) string {
	cleaned := html.UnescapeString(markupPolicy.Sanitize(raw))
	cleaned = norm.NFC.String(cleaned)
	return strings.Join(strings.Fields(cleaned), " ")
}

func sameFolded(a, b string) bool {
	fold := cases.Fold()
	return fold.String(a) == fold.String(b)
}

func cartItemKey(item CartItem) repositories.CartItemKey {
	key := repositories.CartItemKey{
		ProductID: item.ProductID,
		Color:     item.Color,
		Size:      item.Size,
	}
	if item.VariantID != nil {
		key.VariantID = *item.VariantID
	}
	return key
}
