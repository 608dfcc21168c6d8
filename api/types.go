package api

import (
	"context"
	"io"
	"time"

	"task-tracker/domain"
)

// TaskService is the task workflow handlers drive.
type TaskService interface {
	Board() domain.BoardConfig
	List(ctx context.Context) ([]domain.Task, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	Create(ctx context.Context, n domain.NewTask, actor string) (domain.Task, error)
	Update(ctx context.Context, id string, upd domain.TaskUpdate, actor string) (domain.Task, []domain.ActivityLogEntry, error)
	AddComment(ctx context.Context, id, text, actor string) (domain.Task, []domain.ActivityLogEntry, error)
	Delete(ctx context.Context, id string) error
	AddAttachment(ctx context.Context, id, name, contentType string, size int64, r io.Reader, actor string) (domain.Attachment, error)
	OpenAttachment(ctx context.Context, id, attachmentID string) (domain.Attachment, io.ReadCloser, error)
	RemoveAttachment(ctx context.Context, id, attachmentID, actor string) error
}

// UserService manages accounts and credentials.
type UserService interface {
	Authenticate(ctx context.Context, email, password string) (domain.User, error)
	Get(ctx context.Context, email string) (domain.User, error)
	List(ctx context.Context) ([]domain.User, error)
	Create(ctx context.Context, n domain.NewUser) (domain.User, error)
	ChangePassword(ctx context.Context, email, current, next string) error
	ResetPassword(ctx context.Context, email, next string) error
}

// Authenticator is implemented by types able to extract identities from headers.
type Authenticator interface {
	IdentityFromAuthHeader(string) (Identity, error)
}

// TokenIssuer signs session tokens for users that logged in with a password.
type TokenIssuer interface {
	Issue(u domain.User) (token string, expiresAt time.Time, err error)
}

// Deduper prevents processing of duplicate requests.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, scope, key string) (bool, error)
	// Remove deletes a previously added key, used when downstream processing fails.
	Remove(ctx context.Context, scope, key string) error
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
