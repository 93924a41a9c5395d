package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/emwebdesign1/ceracotta1-sub000/internal/domain"
	ppostgres "github.com/emwebdesign1/ceracotta1-sub000/internal/platform/postgres"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/repositories"
)

const twintColumns = `id, user_id, amount, currency, status, pairing_token, created_at, updated_at`

// TwintPaymentRepository is the persisted ledger of the mock TWINT provider.
type TwintPaymentRepository struct {
	db *ppostgres.Provider
}

var _ repositories.TwintPaymentRepository = (*TwintPaymentRepository)(nil)

func NewTwintPaymentRepository(provider *ppostgres.Provider) (*TwintPaymentRepository, error) {
	if provider == nil {
		return nil, errors.New("twint payment repository requires postgres provider")
	}
	return &TwintPaymentRepository{db: provider}, nil
}

func (r *TwintPaymentRepository) Insert(ctx context.Context, payment domain.TwintPayment) (domain.TwintPayment, error) {
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}
	payment.UpdatedAt = payment.CreatedAt
	_, err := r.db.Querier(ctx).Exec(ctx, `
		INSERT INTO twint_payments (`+twintColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		payment.ID, payment.UserID, payment.Amount, payment.Currency, payment.Status, payment.PairingToken,
		payment.CreatedAt, payment.UpdatedAt)
	if err != nil {
		return domain.TwintPayment{}, ppostgres.WrapError("twint_payments.insert", err)
	}
	return payment, nil
}

func (r *TwintPaymentRepository) FindByID(ctx context.Context, paymentID string) (domain.TwintPayment, error) {
	payment, err := scanTwintPayment(r.db.Querier(ctx).QueryRow(ctx, `SELECT `+twintColumns+` FROM twint_payments WHERE id = $1`, paymentID))
	if err != nil {
		return domain.TwintPayment{}, ppostgres.WrapError("twint_payments.find", err)
	}
	return payment, nil
}

func (r *TwintPaymentRepository) TransitionStatus(ctx context.Context, paymentID, from, to string) (domain.TwintPayment, error) {
	payment, err := scanTwintPayment(r.db.Querier(ctx).QueryRow(ctx, `
		UPDATE twint_payments SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
		RETURNING `+twintColumns, paymentID, from, to, time.Now().UTC()))
	if err != nil {
		return domain.TwintPayment{}, ppostgres.WrapError("twint_payments.transition_status", err)
	}
	return payment, nil
}

func scanTwintPayment(row rowScanner) (domain.TwintPayment, error) {
	var p domain.TwintPayment
	err := row.Scan(&p.ID, &p.UserID, &p.Amount, &p.Currency, &p.Status, &p.PairingToken, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}
