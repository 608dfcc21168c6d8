package domain

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status is the board column a task sits in.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "inProgress"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
)

// Statuses lists board columns in display order.
var Statuses = []Status{StatusTodo, StatusInProgress, StatusReview, StatusDone}

// Label returns the human readable column name.
func (s Status) Label() string {
	switch s {
	case StatusTodo:
		return "To Do"
	case StatusInProgress:
		return "In Progress"
	case StatusReview:
		return "Review"
	case StatusDone:
		return "Done"
	}
	return string(s)
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, st := range Statuses {
		if s == st {
			return true
		}
	}
	return false
}

type Difficulty string

const (
	DifficultyEasy   Difficulty = "Easy"
	DifficultyMedium Difficulty = "Medium"
	DifficultyHard   Difficulty = "Hard"
)

var Difficulties = []Difficulty{DifficultyEasy, DifficultyMedium, DifficultyHard}

func (d Difficulty) Valid() bool {
	return d == DifficultyEasy || d == DifficultyMedium || d == DifficultyHard
}

type Importance string

const (
	ImportanceLow      Importance = "Low"
	ImportanceMedium   Importance = "Medium"
	ImportanceHigh     Importance = "High"
	ImportanceCritical Importance = "Critical"
)

var Importances = []Importance{ImportanceLow, ImportanceMedium, ImportanceHigh, ImportanceCritical}

func (i Importance) Valid() bool {
	switch i {
	case ImportanceLow, ImportanceMedium, ImportanceHigh, ImportanceCritical:
		return true
	}
	return false
}

const (
	MinWeek = 1
	MaxWeek = 4
)

// DateLayout is the wire and storage format of task dates.
const DateLayout = "2006-01-02"

// Subtask is a checklist item owned by a task.
type Subtask struct {
	ID        ItemID `json:"id"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

// Comment is appended to a task and never edited.
type Comment struct {
	ID        ItemID    `json:"id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Author    string    `json:"author"`
}

// Attachment describes a blob stored alongside a task.
type Attachment struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType,omitempty"`
	BlobName    string    `json:"blobName"`
	UploadedAt  time.Time `json:"uploadedAt"`
	UploadedBy  string    `json:"uploadedBy"`
}

// Task represents a single board item.
type Task struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Company     string       `json:"company"`
	Status      Status       `json:"status"`
	Week        *int         `json:"week"`
	StartDate   string       `json:"startDate,omitempty"`
	DueDate     string       `json:"dueDate"`
	Difficulty  Difficulty   `json:"difficulty,omitempty"`
	Importance  Importance   `json:"importance,omitempty"`
	Subtasks    []Subtask    `json:"subtasks"`
	Comments    []Comment    `json:"comments"`
	ActivityLog ActivityLog  `json:"activityLog"`
	Attachments []Attachment `json:"attachments"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	CreatedBy   string       `json:"createdBy,omitempty"`

	// ETag is the storage version the snapshot was read at.
	ETag string `json:"-"`
	// LogCursor marks how much of ActivityLog storage already holds.
	LogCursor LogCursor `json:"-"`
}

// LogCursor points at the newest persisted activity row of a task and
// counts the entries stored up to and including it.
type LogCursor struct {
	Head string
	Len  int
}

// InBacklog reports whether the task has no week assigned.
func (t Task) InBacklog() bool { return t.Week == nil }

// Due parses the due date. ok is false when it is missing or malformed.
func (t Task) Due() (time.Time, bool) { return parseDate(t.DueDate) }

// Start parses the start date, falling back to the due date.
func (t Task) Start() (time.Time, bool) {
	if s, ok := parseDate(t.StartDate); ok {
		return s, true
	}
	return t.Due()
}

// ItemID identifies subtasks and comments. Clients have historically sent
// both numeric and string ids, so JSON strings and integers are accepted.
type ItemID string

func (id *ItemID) UnmarshalJSON(data []byte) error {
	raw := string(bytes.TrimSpace(data))
	switch {
	case raw == "null":
		*id = ""
		return nil
	case strings.HasPrefix(raw, `"`):
		s, err := strconv.Unquote(raw)
		if err != nil {
			return fmt.Errorf("item id: %w", err)
		}
		*id = ItemID(s)
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("item id must be a string or an integer, got %s", raw)
	}
	*id = ItemID(strconv.FormatInt(n, 10))
	return nil
}

func parseDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// normalizeDate rewrites a parseable date in DateLayout. Anything else is
// returned unchanged for validation to report.
func normalizeDate(s string) string {
	if t, ok := parseDate(s); ok {
		return t.Format(DateLayout)
	}
	return s
}

func weekString(w *int) string {
	if w == nil {
		return "Backlog"
	}
	return strconv.Itoa(*w)
}
