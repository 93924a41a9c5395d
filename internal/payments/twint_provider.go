package payments

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/emwebdesign1/ceracotta1-sub000/internal/domain"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/repositories"
)

const twintIDPrefix = "twint_"

// TwintProvider is a mock TWINT acquirer backed by the twint_payments ledger. Intents start
// in requires_action and are settled by the acquirer callback or the simulator.
type TwintProvider struct {
	payments repositories.TwintPaymentRepository
	now      func() time.Time
	newID    func() string
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// TwintProviderOption customises the provider.
type TwintProviderOption func(*TwintProvider)

func WithTwintClock(now func() time.Time) TwintProviderOption {
	return func(p *TwintProvider) {
		if now != nil {
			p.now = now
		}
	}
}

func WithTwintIDGenerator(gen func() string) TwintProviderOption {
	return func(p *TwintProvider) {
		if gen != nil {
			p.newID = gen
		}
	}
}

func WithTwintLogger(logger func(ctx context.Context, event string, fields map[string]any)) TwintProviderOption {
	return func(p *TwintProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func NewTwintProvider(payments repositories.TwintPaymentRepository, opts ...TwintProviderOption) (*TwintProvider, error) {
	if payments == nil {
		return nil, errors.New("twint: payment repository is required")
	}
	p := &TwintProvider{
		payments: payments,
		now:      time.Now,
		newID:    func() string { return ulid.Make().String() },
		logger:   func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

func (p *TwintProvider) Name() string { return ProviderTwint }

// CreateIntent records a pending ledger row. The pairing token doubles as client secret
// and is what the customer app scans.
func (p *TwintProvider) CreateIntent(ctx context.Context, req CreateIntentRequest) (Intent, error) {
	token, err := pairingToken()
	if err != nil {
		return Intent{}, err
	}
	now := p.now().UTC()
	payment, err := p.payments.Insert(ctx, domain.TwintPayment{
		ID:           twintIDPrefix + strings.ToLower(p.newID()),
		UserID:       req.UserID,
		Amount:       req.Amount,
		Currency:     strings.ToLower(req.Currency),
		Status:       StatusRequiresAction,
		PairingToken: token,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return Intent{}, fmt.Errorf("twint: create intent: %w", classifyLedgerError(err))
	}
	p.logger(ctx, "payments.twint.intent_created", map[string]any{"paymentIntent": payment.ID, "amount": payment.Amount})
	return twintIntent(payment), nil
}

func (p *TwintProvider) RetrieveIntent(ctx context.Context, intentID string) (Intent, error) {
	payment, err := p.payments.FindByID(ctx, intentID)
	if err != nil {
		return Intent{}, fmt.Errorf("twint: retrieve intent: %w", classifyLedgerError(err))
	}
	return twintIntent(payment), nil
}

// Settle moves a pending payment to a terminal status. Repeating the same terminal
// status is a no-op; switching between terminal statuses fails with ErrIntentFinal.
// The ledger write only applies while the row is still pending, so of two racing
// settlements exactly one wins.
func (p *TwintProvider) Settle(ctx context.Context, intentID, status string) (Intent, error) {
	switch status {
	case StatusSucceeded, StatusCanceled, StatusFailed:
	default:
		return Intent{}, fmt.Errorf("twint: unsupported status %q", status)
	}
	current, err := p.payments.FindByID(ctx, intentID)
	if err != nil {
		return Intent{}, fmt.Errorf("twint: settle intent: %w", classifyLedgerError(err))
	}
	if current.Status == status {
		return twintIntent(current), nil
	}
	if current.Status != StatusRequiresAction {
		return Intent{}, fmt.Errorf("%w: %s is %s", ErrIntentFinal, intentID, current.Status)
	}
	updated, err := p.payments.TransitionStatus(ctx, intentID, StatusRequiresAction, status)
	if err != nil {
		if !isLedgerNotFound(err) {
			return Intent{}, fmt.Errorf("twint: settle intent: %w", classifyLedgerError(err))
		}
		return p.settledConcurrently(ctx, intentID, status)
	}
	p.logger(ctx, "payments.twint.intent_settled", map[string]any{"paymentIntent": intentID, "status": status})
	return twintIntent(updated), nil
}

// settledConcurrently resolves a lost transition against the row that won it.
func (p *TwintProvider) settledConcurrently(ctx context.Context, intentID, status string) (Intent, error) {
	current, err := p.payments.FindByID(ctx, intentID)
	if err != nil {
		return Intent{}, fmt.Errorf("twint: settle intent: %w", classifyLedgerError(err))
	}
	if current.Status == status {
		return twintIntent(current), nil
	}
	p.logger(ctx, "payments.twint.settle_conflict", map[string]any{"paymentIntent": intentID, "status": status, "current": current.Status})
	return Intent{}, fmt.Errorf("%w: %s is %s", ErrIntentFinal, intentID, current.Status)
}

func twintIntent(payment domain.TwintPayment) Intent {
	return Intent{
		ID:           payment.ID,
		Provider:     ProviderTwint,
		ClientSecret: payment.PairingToken,
		Amount:       payment.Amount,
		Currency:     payment.Currency,
		Status:       payment.Status,
		Metadata: map[string]string{
			MetadataUserID:        payment.UserID,
			MetadataPaymentMethod: string(domain.PaymentMethodTwint),
		},
	}
}

func classifyLedgerError(err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrIntentNotFound, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return err
}

func isLedgerNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func pairingToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("twint: generate pairing token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
