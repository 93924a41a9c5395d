package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"github.com/emwebdesign1/ceracotta1-sub000/internal/domain"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/platform/auth"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/repositories"
)

const (
	minPasswordLength = 8
	maxPasswordBytes  = 72 // bcrypt limit
	maxUsernameLength = 40
	maxNameLength     = 80
)

var (
	errAccountRepositoryRequired = errors.New("account service: user repository is required")
	errAccountTokensRequired     = errors.New("account service: token issuer is required")
	errAccountClockRequired      = errors.New("account service: clock is required")
)

var (
	// ErrAccountInvalidInput indicates the sign-up form failed validation.
	ErrAccountInvalidInput = errors.New("account service: invalid input")

	// ErrAccountConflict indicates the email or username is taken.
	ErrAccountConflict = errors.New("account service: email or username already registered")

	// ErrAccountInvalidCredentials is returned for unknown emails and wrong passwords alike.
	ErrAccountInvalidCredentials = errors.New("account service: invalid credentials")

	// ErrAccountUnavailable indicates the user store could not be reached.
	ErrAccountUnavailable = errors.New("account service: unavailable")
)

// TokenIssuer signs session tokens. Implemented by auth.TokenIssuer.
type TokenIssuer interface {
	Issue(subject, email, role string) (string, time.Time, error)
}

// AccountServiceDeps wires the user store and token signing.
type AccountServiceDeps struct {
	Users       repositories.UserRepository
	Tokens      TokenIssuer
	Clock       func() time.Time
	Logger      func(context.Context, string, map[string]any)
	IDGenerator func() string

	// HashPassword and CheckPassword default to bcrypt.
	HashPassword  func(password string) (string, error)
	CheckPassword func(hash, password string) error
}

type accountService struct {
	users         repositories.UserRepository
	tokens        TokenIssuer
	now           func() time.Time
	newID         func() string
	logger        func(context.Context, string, map[string]any)
	hashPassword  func(string) (string, error)
	checkPassword func(string, string) error
}

var _ AccountService = (*accountService)(nil)

// NewAccountService constructs an AccountService.
func NewAccountService(deps AccountServiceDeps) (AccountService, error) {
	if deps.Users == nil {
		return nil, errAccountRepositoryRequired
	}
	if deps.Tokens == nil {
		return nil, errAccountTokensRequired
	}
	if deps.Clock == nil {
		return nil, errAccountClockRequired
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	hash := deps.HashPassword
	if hash == nil {
		hash = auth.HashPassword
	}
	check := deps.CheckPassword
	if check == nil {
		check = auth.CheckPassword
	}

	return &accountService{
		users:         deps.Users,
		tokens:        deps.Tokens,
		now:           func() time.Time { return deps.Clock().UTC() },
		newID:         idGen,
		logger:        logger,
		hashPassword:  hash,
		checkPassword: check,
	}, nil
}

func (s *accountService) Register(ctx context.Context, cmd RegisterCommand) (AuthResult, error) {
	user, err := s.validateRegistration(cmd)
	if err != nil {
		return AuthResult{}, err
	}

	hash, err := s.hashPassword(cmd.Password)
	if err != nil {
		return AuthResult{}, fmt.Errorf("account service: %w", err)
	}

	now := s.now()
	user.ID = s.newID()
	user.PasswordHash = hash
	user.Role = domain.RoleCustomer
	user.CreatedAt = now
	user.UpdatedAt = now

	created, err := s.users.Insert(ctx, user)
	if err != nil {
		if isRepoConflict(err) {
			return AuthResult{}, ErrAccountConflict
		}
		return AuthResult{}, s.translateRepoError(err)
	}

	s.logger(ctx, "account.registered", map[string]any{"userId": created.ID})
	return s.session(created)
}

func (s *accountService) Login(ctx context.Context, cmd LoginCommand) (AuthResult, error) {
	email := strings.ToLower(strings.TrimSpace(cmd.Email))
	if email == "" || cmd.Password == "" {
		return AuthResult{}, fmt.Errorf("%w: email and password are required", ErrAccountInvalidInput)
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if isRepoNotFound(err) {
			s.logger(ctx, "account.login_failed", map[string]any{"reason": "unknown_email"})
			return AuthResult{}, ErrAccountInvalidCredentials
		}
		return AuthResult{}, s.translateRepoError(err)
	}

	if err := s.checkPassword(user.PasswordHash, cmd.Password); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			s.logger(ctx, "account.login_failed", map[string]any{"userId": user.ID, "reason": "password_mismatch"})
			return AuthResult{}, ErrAccountInvalidCredentials
		}
		return AuthResult{}, fmt.Errorf("account service: %w", err)
	}

	return s.session(user)
}

func (s *accountService) session(user User) (AuthResult, error) {
	token, expiresAt, err := s.tokens.Issue(user.ID, user.Email, string(user.Role))
	if err != nil {
		return AuthResult{}, fmt.Errorf("account service: issue token: %w", err)
	}
	user.PasswordHash = ""
	return AuthResult{User: user, Token: token, ExpiresAt: expiresAt}, nil
}

func (s *accountService) validateRegistration(cmd RegisterCommand) (User, error) {
	user := User{
		FirstName: canonicalText(cmd.FirstName),
		LastName:  canonicalText(cmd.LastName),
		Username:  canonicalText(cmd.Username),
		Phone:     canonicalText(cmd.Phone),
	}

	var problems []string
	if user.FirstName == "" || utf8.RuneCountInString(user.FirstName) > maxNameLength {
		problems = append(problems, "firstName")
	}
	if user.LastName == "" || utf8.RuneCountInString(user.LastName) > maxNameLength {
		problems = append(problems, "lastName")
	}
	if user.Username == "" || utf8.RuneCountInString(user.Username) > maxUsernameLength || strings.ContainsAny(user.Username, " @") {
		problems = append(problems, "username")
	}

	email := strings.TrimSpace(cmd.Email)
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		problems = append(problems, "email")
	} else {
		user.Email = strings.ToLower(addr.Address)
	}

	if utf8.RuneCountInString(cmd.Password) < minPasswordLength || len(cmd.Password) > maxPasswordBytes {
		problems = append(problems, "password")
	}

	if len(problems) > 0 {
		return User{}, fmt.Errorf("%w: invalid %s", ErrAccountInvalidInput, strings.Join(problems, ", "))
	}
	return user, nil
}

func (s *accountService) translateRepoError(err error) error {
	if isRepoUnavailable(err) {
		return ErrAccountUnavailable
	}
	return fmt.Errorf("account service: %w", err)
}
