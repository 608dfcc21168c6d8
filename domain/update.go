package domain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// Optional carries a field of a partial update that may be explicitly
// cleared. Set is false when the field was absent; a nil Value with Set
// true means the field was sent as null.
type Optional[T any] struct {
	Set   bool
	Value *T
}

// Some returns a present optional holding v.
func Some[T any](v T) Optional[T] { return Optional[T]{Set: true, Value: &v} }

// Null returns a present optional with no value.
func Null[T any]() Optional[T] { return Optional[T]{Set: true} }

func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	o.Set = true
	if string(data) == "null" {
		o.Value = nil
		return nil
	}
	var v T
	if err := sonic.Unmarshal(data, &v); err != nil {
		return err
	}
	o.Value = &v
	return nil
}

func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if o.Value == nil {
		return []byte("null"), nil
	}
	return sonic.Marshal(*o.Value)
}

// IsZero lets omitzero drop absent fields.
func (o Optional[T]) IsZero() bool { return !o.Set }

// TaskUpdate is a partial set of task fields. Nil pointers and slices and
// unset optionals are not part of the proposed change.
type TaskUpdate struct {
	Title       *string              `json:"title,omitempty"`
	Description *string              `json:"description,omitempty"`
	Company     *string              `json:"company,omitempty"`
	Status      *Status              `json:"status,omitempty"`
	Week        Optional[int]        `json:"week,omitzero"`
	StartDate   Optional[string]     `json:"startDate,omitzero"`
	DueDate     *string              `json:"dueDate,omitempty"`
	Difficulty  Optional[Difficulty] `json:"difficulty,omitzero"`
	Importance  Optional[Importance] `json:"importance,omitzero"`
	Subtasks    []Subtask            `json:"subtasks,omitempty"`
	Comments    []Comment            `json:"comments,omitempty"`

	// ActivityLog is filled by the deriver, never by clients.
	ActivityLog *ActivityLog `json:"-"`
}

// UnmarshalJSON decodes a partial update field by field so that explicit
// nulls are kept apart from absent fields. Unknown fields are rejected.
func (u *TaskUpdate) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	var next TaskUpdate
	for key, val := range raw {
		var err error
		switch key {
		case "title":
			err = decodePresent(val, &next.Title)
		case "description":
			err = decodePresent(val, &next.Description)
		case "company":
			err = decodePresent(val, &next.Company)
		case "status":
			err = decodePresent(val, &next.Status)
		case "week":
			err = next.Week.UnmarshalJSON(val)
		case "startDate":
			err = next.StartDate.UnmarshalJSON(val)
		case "dueDate":
			err = decodePresent(val, &next.DueDate)
		case "difficulty":
			err = next.Difficulty.UnmarshalJSON(val)
		case "importance":
			err = next.Importance.UnmarshalJSON(val)
		case "subtasks":
			err = sonic.Unmarshal(val, &next.Subtasks)
		case "comments":
			err = sonic.Unmarshal(val, &next.Comments)
		default:
			return fmt.Errorf("json: unknown field %q", key)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	*u = next
	return nil
}

// decodePresent leaves dst nil for a JSON null.
func decodePresent[T any](val json.RawMessage, dst **T) error {
	if string(val) == "null" {
		return nil
	}
	var v T
	if err := sonic.Unmarshal(val, &v); err != nil {
		return err
	}
	*dst = &v
	return nil
}

// Empty reports whether the update proposes no field at all.
func (u TaskUpdate) Empty() bool {
	return u.Title == nil && u.Description == nil && u.Company == nil && u.Status == nil &&
		!u.Week.Set && !u.StartDate.Set && u.DueDate == nil && !u.Difficulty.Set &&
		!u.Importance.Set && u.Subtasks == nil && u.Comments == nil
}

// Apply returns a copy of t with every present field of u written over it.
func (u TaskUpdate) Apply(t Task) Task {
	next := t
	if u.Title != nil {
		next.Title = *u.Title
	}
	if u.Description != nil {
		next.Description = *u.Description
	}
	if u.Company != nil {
		next.Company = *u.Company
	}
	if u.Status != nil {
		next.Status = *u.Status
	}
	if u.Week.Set {
		next.Week = nil
		if u.Week.Value != nil {
			w := *u.Week.Value
			next.Week = &w
		}
	}
	if u.StartDate.Set {
		next.StartDate = ""
		if u.StartDate.Value != nil {
			next.StartDate = *u.StartDate.Value
		}
	}
	if u.DueDate != nil {
		next.DueDate = *u.DueDate
	}
	if u.Difficulty.Set {
		next.Difficulty = ""
		if u.Difficulty.Value != nil {
			next.Difficulty = *u.Difficulty.Value
		}
	}
	if u.Importance.Set {
		next.Importance = ""
		if u.Importance.Value != nil {
			next.Importance = *u.Importance.Value
		}
	}
	if u.Subtasks != nil {
		next.Subtasks = append([]Subtask(nil), u.Subtasks...)
	}
	if u.Comments != nil {
		next.Comments = append([]Comment(nil), u.Comments...)
	}
	if u.ActivityLog != nil {
		next.ActivityLog = *u.ActivityLog
	}
	return next
}

// Validate checks the present fields against the board rules.
func (u TaskUpdate) Validate(board BoardConfig) error {
	if u.Title != nil && strings.TrimSpace(*u.Title) == "" {
		return invalidf("title must not be empty")
	}
	if u.Company != nil && !board.HasCompany(*u.Company) {
		return invalidf("unknown company %q", *u.Company)
	}
	if u.Status != nil && !u.Status.Valid() {
		return invalidf("unknown status %q", *u.Status)
	}
	if u.Week.Value != nil && (*u.Week.Value < MinWeek || *u.Week.Value > MaxWeek) {
		return invalidf("week must be between %d and %d", MinWeek, MaxWeek)
	}
	if u.StartDate.Value != nil && *u.StartDate.Value != "" {
		if _, ok := parseDate(*u.StartDate.Value); !ok {
			return invalidf("invalid start date %q", *u.StartDate.Value)
		}
	}
	if u.DueDate != nil {
		if _, ok := parseDate(*u.DueDate); !ok {
			return invalidf("invalid due date %q", *u.DueDate)
		}
	}
	if u.Difficulty.Value != nil && *u.Difficulty.Value != "" && !u.Difficulty.Value.Valid() {
		return invalidf("unknown difficulty %q", *u.Difficulty.Value)
	}
	if u.Importance.Value != nil && *u.Importance.Value != "" && !u.Importance.Value.Valid() {
		return invalidf("unknown importance %q", *u.Importance.Value)
	}
	if u.Subtasks != nil {
		seen := make(map[ItemID]struct{}, len(u.Subtasks))
		for _, st := range u.Subtasks {
			if st.ID == "" {
				continue
			}
			if _, dup := seen[st.ID]; dup {
				return invalidf("duplicate subtask id %q", st.ID)
			}
			seen[st.ID] = struct{}{}
		}
	}
	return nil
}

// NewTask is the payload used to create a task.
type NewTask struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Company     string     `json:"company"`
	Status      Status     `json:"status"`
	Week        *int       `json:"week"`
	StartDate   string     `json:"startDate"`
	DueDate     string     `json:"dueDate"`
	Difficulty  Difficulty `json:"difficulty"`
	Importance  Importance `json:"importance"`
	Subtasks    []Subtask  `json:"subtasks"`
}

// Validate applies the same rules as updates plus the mandatory fields.
func (n NewTask) Validate(board BoardConfig) error {
	if strings.TrimSpace(n.Title) == "" {
		return invalidf("title is required")
	}
	if n.Company == "" {
		return invalidf("company is required")
	}
	if n.DueDate == "" {
		return invalidf("due date is required")
	}
	return n.asUpdate().Validate(board)
}

// normalizeDates writes parseable due and start dates in DateLayout.
func (u TaskUpdate) normalizeDates() TaskUpdate {
	if u.DueDate != nil {
		d := normalizeDate(*u.DueDate)
		u.DueDate = &d
	}
	if u.StartDate.Value != nil {
		u.StartDate = Some(normalizeDate(*u.StartDate.Value))
	}
	return u
}

func (n NewTask) asUpdate() TaskUpdate {
	u := TaskUpdate{
		Title:    &n.Title,
		Company:  &n.Company,
		DueDate:  &n.DueDate,
		Subtasks: n.Subtasks,
	}
	if n.Status != "" {
		u.Status = &n.Status
	}
	if n.Week != nil {
		u.Week = Some(*n.Week)
	}
	if n.StartDate != "" {
		u.StartDate = Some(n.StartDate)
	}
	if n.Difficulty != "" {
		u.Difficulty = Some(n.Difficulty)
	}
	if n.Importance != "" {
		u.Importance = Some(n.Importance)
	}
	return u
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTask, fmt.Sprintf(format, args...))
}
