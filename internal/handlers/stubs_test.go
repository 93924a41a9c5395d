package handlers

import (
	"context"
	"net/http"

	"github.com/emwebdesign1/ceracotta1-sub000/internal/payments"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/platform/auth"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/services"
)

type stubAccountService struct {
	registerFunc func(ctx context.Context, cmd services.RegisterCommand) (services.AuthResult, error)
	loginFunc    func(ctx context.Context, cmd services.LoginCommand) (services.AuthResult, error)
}

func (s *stubAccountService) Register(ctx context.Context, cmd services.RegisterCommand) (services.AuthResult, error) {
	return s.registerFunc(ctx, cmd)
}

func (s *stubAccountService) Login(ctx context.Context, cmd services.LoginCommand) (services.AuthResult, error) {
	return s.loginFunc(ctx, cmd)
}

type stubCartService struct {
	getFunc    func(ctx context.Context, userID string) (services.Cart, error)
	addFunc    func(ctx context.Context, userID string, cmd services.AddCartItemCommand) (services.CartItem, error)
	updateFunc func(ctx context.Context, userID, itemID string, quantity int) (services.CartItem, error)
	removeFunc func(ctx context.Context, userID, itemID string) error
	clearFunc  func(ctx context.Context, userID string) error
}

func (s *stubCartService) GetCart(ctx context.Context, userID string) (services.Cart, error) {
	return s.getFunc(ctx, userID)
}

func (s *stubCartService) AddItem(ctx context.Context, userID string, cmd services.AddCartItemCommand) (services.CartItem, error) {
	return s.addFunc(ctx, userID, cmd)
}

func (s *stubCartService) UpdateItem(ctx context.Context, userID string, itemID string, quantity int) (services.CartItem, error) {
	return s.updateFunc(ctx, userID, itemID, quantity)
}

func (s *stubCartService) RemoveItem(ctx context.Context, userID string, itemID string) error {
	return s.removeFunc(ctx, userID, itemID)
}

func (s *stubCartService) Clear(ctx context.Context, userID string) error {
	return s.clearFunc(ctx, userID)
}

type stubPaymentService struct {
	config       services.PaymentConfig
	createFunc   func(ctx context.Context, userID string, cmd services.CreateIntentCommand) (services.PaymentIntentResult, error)
	stripeFunc   func(ctx context.Context, payload []byte, signature string) (services.PaymentEventResult, error)
	twintFunc    func(ctx context.Context, payload []byte) (services.PaymentEventResult, error)
	simulateFunc func(ctx context.Context, cmd services.SimulateTwintCommand) (payments.Intent, error)
	retrieveFunc func(ctx context.Context, intentID string) (payments.Intent, error)
}

func (s *stubPaymentService) Config(context.Context) services.PaymentConfig {
	return s.config
}

func (s *stubPaymentService) CreateIntent(ctx context.Context, userID string, cmd services.CreateIntentCommand) (services.PaymentIntentResult, error) {
	return s.createFunc(ctx, userID, cmd)
}

func (s *stubPaymentService) RetrieveIntent(ctx context.Context, intentID string) (payments.Intent, error) {
	return s.retrieveFunc(ctx, intentID)
}

func (s *stubPaymentService) HandleStripeWebhook(ctx context.Context, payload []byte, signature string) (services.PaymentEventResult, error) {
	return s.stripeFunc(ctx, payload, signature)
}

func (s *stubPaymentService) HandleTwintCallback(ctx context.Context, payload []byte) (services.PaymentEventResult, error) {
	return s.twintFunc(ctx, payload)
}

func (s *stubPaymentService) SimulateTwint(ctx context.Context, cmd services.SimulateTwintCommand) (payments.Intent, error) {
	return s.simulateFunc(ctx, cmd)
}

type stubOrderService struct {
	finalizeFunc func(ctx context.Context, cmd services.FinalizeCommand) (services.FinalizeResult, error)
	listFunc     func(ctx context.Context, userID string) ([]services.Order, error)
}

func (s *stubOrderService) FinalizePayment(ctx context.Context, cmd services.FinalizeCommand) (services.FinalizeResult, error) {
	return s.finalizeFunc(ctx, cmd)
}

func (s *stubOrderService) ApplyPaymentEvent(context.Context, payments.Event) (services.PaymentEventResult, error) {
	return services.PaymentEventResult{}, nil
}

func (s *stubOrderService) ListOrders(ctx context.Context, userID string) ([]services.Order, error) {
	return s.listFunc(ctx, userID)
}

type stubSystemService struct {
	report services.SystemHealthReport
	err    error
}

func (s *stubSystemService) HealthReport(context.Context) (services.SystemHealthReport, error) {
	return s.report, s.err
}

var (
	_ services.AccountService = (*stubAccountService)(nil)
	_ services.CartService    = (*stubCartService)(nil)
	_ services.PaymentService = (*stubPaymentService)(nil)
	_ services.OrderService   = (*stubOrderService)(nil)
	_ services.SystemService  = (*stubSystemService)(nil)
)

func withUser(req *http.Request, uid string) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid}))
}
