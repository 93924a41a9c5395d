package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/emwebdesign1/ceracotta1-sub000/internal/domain"
	ppostgres "github.com/emwebdesign1/ceracotta1-sub000/internal/platform/postgres"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/repositories"
)

const userColumns = `id, first_name, last_name, username, phone, email, password_hash, role, address, created_at, updated_at`

// UserRepository stores accounts in the users table.
type UserRepository struct {
	db *ppostgres.Provider
}

var _ repositories.UserRepository = (*UserRepository)(nil)

func NewUserRepository(provider *ppostgres.Provider) (*UserRepository, error) {
	if provider == nil {
		return nil, errors.New("user repository requires postgres provider")
	}
	return &UserRepository{db: provider}, nil
}

// Insert creates the user. Duplicate email or username surfaces as a conflict whose
// Constraint() is users_email_key or users_username_key.
func (r *UserRepository) Insert(ctx context.Context, user domain.User) (domain.User, error) {
	address, err := marshalAddress(user.Address)
	if err != nil {
		return domain.User{}, err
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = user.CreatedAt
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))

	_, err = r.db.Querier(ctx).Exec(ctx, `
		INSERT INTO users (id, first_name, last_name, username, phone, email, password_hash, role, address, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		user.ID, user.FirstName, user.LastName, user.Username, user.Phone, user.Email,
		user.PasswordHash, string(user.Role), address, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		return domain.User{}, ppostgres.WrapError("users.insert", err)
	}
	return user, nil
}

func (r *UserRepository) FindByID(ctx context.Context, userID string) (domain.User, error) {
	row := r.db.Querier(ctx).QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
	user, err := scanUser(row)
	if err != nil {
		return domain.User{}, ppostgres.WrapError("users.find_by_id", err)
	}
	return user, nil
}

func (r *UserRepository) FindByEmail(ctx context.Context, email string) (domain.User, error) {
	row := r.db.Querier(ctx).QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`,
		strings.ToLower(strings.TrimSpace(email)))
	user, err := scanUser(row)
	if err != nil {
		return domain.User{}, ppostgres.WrapError("users.find_by_email", err)
	}
	return user, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (domain.User, error) {
	var (
		user    domain.User
		role    string
		address []byte
	)
	if err := row.Scan(&user.ID, &user.FirstName, &user.LastName, &user.Username, &user.Phone,
		&user.Email, &user.PasswordHash, &role, &address, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return domain.User{}, err
	}
	user.Role = domain.Role(role)
	addr, err := unmarshalAddress(address)
	if err != nil {
		return domain.User{}, err
	}
	user.Address = addr
	return user, nil
}

// addressDocument is the jsonb shape of domain.Address.
type addressDocument struct {
	Name       string `json:"name,omitempty"`
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	City       string `json:"city,omitempty"`
	Country    string `json:"country,omitempty"`
	Phone      string `json:"phone,omitempty"`
}

func marshalAddress(addr *domain.Address) ([]byte, error) {
	if addr == nil {
		return nil, nil
	}
	return json.Marshal(addressDocument(*addr))
}

func unmarshalAddress(raw []byte) (*domain.Address, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var doc addressDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	addr := domain.Address(doc)
	return &addr, nil
}
