// Package auth registers users and manages their session tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	passwordvalidator "github.com/wagslane/go-password-validator"
	"golang.org/x/crypto/bcrypt"

	"github.com/elvachat/relay/internal/metrics"
	"github.com/elvachat/relay/internal/models"
	"github.com/elvachat/relay/internal/store"
)

// PasswordMinEntropyBits is the minimum password strength accepted at registration.
const PasswordMinEntropyBits = 50

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrWeakPassword       = errors.New("password is not strong enough")
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidToken       = errors.New("invalid token")
)

// Session is the result of a successful register or login.
type Session struct {
	User      *models.User
	Token     string
	ExpiresAt time.Time
}

// RegisterInput holds the fields accepted at registration.
type RegisterInput struct {
	Name     string `json:"name" validate:"required,max=64"`
	Email    string `json:"email" validate:"required,email"`
	MobileNo string `json:"mobileNo"`
	Password string `json:"password" validate:"required"`
}

type credentials struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// checkInput validates in and turns the first failure into ErrInvalidInput.
func checkInput(in any) error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) || len(fields) == 0 {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	fe := fields[0]
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%w: %s is required", ErrInvalidInput, fe.Field())
	case "max":
		return fmt.Errorf("%w: %s too long (max %s characters)", ErrInvalidInput, fe.Field(), fe.Param())
	case "email":
		return fmt.Errorf("%w: invalid email address", ErrInvalidInput)
	default:
		return fmt.Errorf("%w: %s is invalid", ErrInvalidInput, fe.Field())
	}
}

// Service implements registration, login and logout.
type Service struct {
	users  store.UserStore
	tokens *Tokens
	logger zerolog.Logger
	cost   int
}

func NewService(users store.UserStore, tokens *Tokens, logger zerolog.Logger) *Service {
	return &Service{
		users:  users,
		tokens: tokens,
		logger: logger.With().Str("component", "auth").Logger(),
		cost:   bcrypt.DefaultCost,
	}
}

// Tokens returns the token issuer used by the service.
func (s *Service) Tokens() *Tokens {
	return s.tokens
}

// Register validates in, stores the user online and opens a session.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Session, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.MobileNo = strings.TrimSpace(in.MobileNo)

	if err := checkInput(in); err != nil {
		return nil, err
	}
	if err := passwordvalidator.Validate(in.Password, PasswordMinEntropyBits); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWeakPassword, err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.cost)
	if err != nil {
		return nil, err
	}

	user, err := s.users.CreateUser(ctx, in.Name, in.Email, in.MobileNo, string(hash))
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrUserExists
		}
		return nil, err
	}
	metrics.UsersRegistered.Inc()
	s.logger.Info().Str("user", user.Name).Msg("user registered")

	return s.open(user)
}

// Login checks the credentials and marks the user online.
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := checkInput(credentials{Email: email, Password: password}); err != nil {
		return nil, err
	}

	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}

	now := time.Now().UTC()
	if err := s.users.SetOnline(ctx, user.Name, true, &now); err != nil {
		return nil, err
	}
	user.IsOnline = true
	user.LastSeen = &now

	return s.open(user)
}

// Logout marks the user offline and stamps their last-seen time.
func (s *Service) Logout(ctx context.Context, name string) error {
	now := time.Now().UTC()
	if err := s.users.SetOnline(ctx, name, false, &now); err != nil {
		return err
	}
	s.logger.Info().Str("user", name).Msg("user logged out")
	return nil
}

// Authenticate verifies a session token.
func (s *Service) Authenticate(raw string) (*Claims, error) {
	return s.tokens.Parse(raw)
}

func (s *Service) open(user *models.User) (*Session, error) {
	token, expires, err := s.tokens.Issue(user.ID, user.Name, user.Email)
	if err != nil {
		return nil, err
	}
	return &Session{User: user, Token: token, ExpiresAt: expires}, nil
}
