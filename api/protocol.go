package api

import (
	"time"

	"task-tracker/domain"
)

const (
	jsonBodyMaxSize       = 64 * 1024 // 64 KiB
	attachmentMaxSize     = 25 << 20  // 25 MiB
	defaultActivityLimit  = 50
	maxActivityLimit      = 500
	idempotencyKeyHeader  = "Idempotency-Key"
	idempotencyKeyMaxSize = 128
)

type errorResponse struct {
	Error string `json:"error"`
}

// POST /api/auth/login
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expiresAt"`
	User      domain.User `json:"user"`
}

// GET /api/me
type meResponse struct {
	Subject string      `json:"sub"`
	Name    string      `json:"name"`
	Email   string      `json:"email,omitempty"`
	Role    domain.Role `json:"role"`
}

// POST /api/me/password
type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// POST /api/users/:email/password
type resetPasswordRequest struct {
	NewPassword string `json:"newPassword"`
}

type tasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

// PATCH /api/tasks/:id
type updateTaskResponse struct {
	Task       domain.Task               `json:"task"`
	NewEntries []domain.ActivityLogEntry `json:"newEntries"`
}

// POST /api/tasks/:id/comments
type commentRequest struct {
	Text string `json:"text"`
}

// GET /api/board
type boardResponse struct {
	Week    int                  `json:"week"`
	Columns []domain.BoardColumn `json:"columns"`
}

type activityResponse struct {
	Items []domain.ChangelogItem `json:"items"`
}

type boardConfigResponse struct {
	Companies    []string            `json:"companies"`
	Statuses     []statusOption      `json:"statuses"`
	Difficulties []domain.Difficulty `json:"difficulties"`
	Importances  []domain.Importance `json:"importances"`
	Weeks        []int               `json:"weeks"`
}

type statusOption struct {
	Value domain.Status `json:"value"`
	Label string        `json:"label"`
}
