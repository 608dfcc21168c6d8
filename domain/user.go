package domain

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// Role is one of the two access levels of the board.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

func (r Role) Valid() bool { return r == RoleAdmin || r == RoleMember }

// MinPasswordLength is enforced on every new password.
const MinPasswordLength = 8

// User is an account able to sign in to the board.
type User struct {
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Role         Role      `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// UserStorage persists accounts keyed by lower-cased email.
type UserStorage interface {
	GetUser(ctx context.Context, email string) (*User, error)
	InsertUser(ctx context.Context, u User) error
	ReplaceUser(ctx context.Context, u User) error
	ListUsers(ctx context.Context) ([]User, error)
}

// NewUser is the payload used by admins to create accounts.
type NewUser struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Role     Role   `json:"role"`
	Password string `json:"password"`
}

// UserService handles sign-in and password management.
type UserService struct {
	st   UserStorage
	cost int
	now  func() time.Time
}

func NewUserService(st UserStorage) *UserService {
	return &UserService{st: st, cost: bcrypt.DefaultCost, now: time.Now}
}

// NormalizeEmail lower-cases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string, cost int) (string, error) {
	if len(password) < MinPasswordLength {
		return "", fmt.Errorf("%w: password must be at least %d characters", ErrInvalidUser, MinPasswordLength)
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Authenticate checks credentials and returns the matching user.
func (s *UserService) Authenticate(ctx context.Context, email, password string) (User, error) {
	u, err := s.st.GetUser(ctx, NormalizeEmail(email))
	if err != nil {
		return User{}, err
	}
	if u == nil {
		return User{}, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return User{}, ErrInvalidCredentials
	}
	return *u, nil
}

func (s *UserService) Get(ctx context.Context, email string) (User, error) {
	u, err := s.st.GetUser(ctx, NormalizeEmail(email))
	if err != nil {
		return User{}, err
	}
	if u == nil {
		return User{}, ErrUserNotFound
	}
	return *u, nil
}

func (s *UserService) List(ctx context.Context) ([]User, error) {
	return s.st.ListUsers(ctx)
}

// Create registers a new account.
func (s *UserService) Create(ctx context.Context, n NewUser) (User, error) {
	email := NormalizeEmail(n.Email)
	if _, err := mail.ParseAddress(email); err != nil {
		return User{}, fmt.Errorf("%w: invalid email", ErrInvalidUser)
	}
	if strings.TrimSpace(n.Name) == "" {
		return User{}, fmt.Errorf("%w: name is required", ErrInvalidUser)
	}
	role := n.Role
	if role == "" {
		role = RoleMember
	}
	if !role.Valid() {
		return User{}, fmt.Errorf("%w: unknown role %q", ErrInvalidUser, role)
	}
	hash, err := HashPassword(n.Password, s.cost)
	if err != nil {
		return User{}, err
	}
	u := User{Email: email, Name: strings.TrimSpace(n.Name), Role: role, PasswordHash: hash, CreatedAt: s.now().UTC()}
	if err := s.st.InsertUser(ctx, u); err != nil {
		return User{}, err
	}
	log.WithFields(log.Fields{"user": email, "role": role}).Info("user created")
	return u, nil
}

// ChangePassword replaces the password after verifying the current one.
func (s *UserService) ChangePassword(ctx context.Context, email, current, next string) error {
	u, err := s.Authenticate(ctx, email, current)
	if err != nil {
		return err
	}
	return s.setPassword(ctx, u, next)
}

// ResetPassword sets a new password without knowing the old one.
func (s *UserService) ResetPassword(ctx context.Context, email, next string) error {
	u, err := s.Get(ctx, email)
	if err != nil {
		return err
	}
	return s.setPassword(ctx, u, next)
}

func (s *UserService) setPassword(ctx context.Context, u User, password string) error {
	hash, err := HashPassword(password, s.cost)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	if err := s.st.ReplaceUser(ctx, u); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return err
		}
		return fmt.Errorf("store password: %w", err)
	}
	log.WithField("user", u.Email).Info("password changed")
	return nil
}
