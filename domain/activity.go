package domain

import (
	"bytes"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bytedance/sonic"
)

// Activity log field names recorded in FieldChange.Field.
const (
	FieldStatus     = "Status"
	FieldWeek       = "Week"
	FieldTitle      = "Title"
	FieldCompany    = "Company"
	FieldDueDate    = "Due Date"
	FieldStartDate  = "Start Date"
	FieldDifficulty = "Difficulty"
	FieldImportance = "Importance"
)

const (
	noneValue   = "None"
	notSetValue = "Not set"

	commentPreviewLen = 50
	// displayDateLayout renders dates the way the board shows them.
	displayDateLayout = "1/2/2006"
)

// FieldChange captures the before and after value of one tracked field.
type FieldChange struct {
	Field    string `json:"field"`
	OldValue string `json:"oldValue"`
	NewValue string `json:"newValue"`
}

// ActivityLogEntry is one immutable line of a task's changelog.
type ActivityLogEntry struct {
	ID        string       `json:"id"`
	Timestamp time.Time    `json:"timestamp"`
	User      string       `json:"user"`
	Action    string       `json:"action"`
	Changes   *FieldChange `json:"changes,omitempty"`
}

// ActivityLog is an append-only sequence of entries. The zero value is an
// empty log. Existing entries can be read but never replaced or removed.
type ActivityLog struct {
	entries []ActivityLogEntry
}

// NewActivityLog builds a log holding a copy of entries.
func NewActivityLog(entries ...ActivityLogEntry) ActivityLog {
	if len(entries) == 0 {
		return ActivityLog{}
	}
	return ActivityLog{entries: append([]ActivityLogEntry(nil), entries...)}
}

// Len returns the number of entries.
func (l ActivityLog) Len() int { return len(l.entries) }

// At returns the i-th entry, oldest first.
func (l ActivityLog) At(i int) ActivityLogEntry { return l.entries[i] }

// Entries returns a copy of all entries, oldest first.
func (l ActivityLog) Entries() []ActivityLogEntry {
	return append([]ActivityLogEntry{}, l.entries...)
}

// Append returns a log with entries added after the existing ones. The
// receiver is left untouched; with nothing to add it is returned as is.
func (l ActivityLog) Append(entries ...ActivityLogEntry) ActivityLog {
	if len(entries) == 0 {
		return l
	}
	merged := make([]ActivityLogEntry, 0, len(l.entries)+len(entries))
	merged = append(merged, l.entries...)
	merged = append(merged, entries...)
	return ActivityLog{entries: merged}
}

// HasPrefix reports whether prefix is an unmodified head of l.
func (l ActivityLog) HasPrefix(prefix ActivityLog) bool {
	if prefix.Len() > l.Len() {
		return false
	}
	for i, e := range prefix.entries {
		if !sameEntry(e, l.entries[i]) {
			return false
		}
	}
	return true
}

func (l ActivityLog) MarshalJSON() ([]byte, error) {
	if l.entries == nil {
		return []byte("[]"), nil
	}
	return sonic.Marshal(l.entries)
}

func (l *ActivityLog) UnmarshalJSON(data []byte) error {
	var entries []ActivityLogEntry
	if err := sonic.Unmarshal(data, &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		entries = nil
	}
	l.entries = entries
	return nil
}

func sameEntry(a, b ActivityLogEntry) bool {
	if a.ID != b.ID || !a.Timestamp.Equal(b.Timestamp) || a.User != b.User || a.Action != b.Action {
		return false
	}
	if a.Changes == nil || b.Changes == nil {
		return a.Changes == b.Changes
	}
	return *a.Changes == *b.Changes
}

// Derivation is the outcome of comparing a task with a proposed update.
type Derivation struct {
	// NewEntries describes every detected change in rule order.
	NewEntries []ActivityLogEntry
	// MergedLog is the current log followed by NewEntries.
	MergedLog ActivityLog
	// Update is the proposed update with ActivityLog set to MergedLog.
	Update TaskUpdate
}

// ActivityDeriver turns task updates into changelog entries.
type ActivityDeriver struct {
	Now   func() time.Time
	NewID func() string
}

// NewActivityDeriver returns a deriver using the wall clock and NextEntryID.
func NewActivityDeriver() ActivityDeriver {
	return ActivityDeriver{Now: time.Now, NewID: NextEntryID}
}

// DeriveActivity runs the default deriver.
func DeriveActivity(current *Task, upd TaskUpdate, actor string) Derivation {
	return NewActivityDeriver().Derive(current, upd, actor)
}

// Derive compares current with upd and returns the entries describing the
// change together with the augmented update. A nil current yields the
// update unchanged and no entries.
func (d ActivityDeriver) Derive(current *Task, upd TaskUpdate, actor string) Derivation {
	if current == nil {
		return Derivation{Update: upd}
	}
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	newID := NextEntryID
	if d.NewID != nil {
		newID = d.NewID
	}
	b := &entryBuilder{ts: now(), actor: actor, newID: newID}

	deriveScalars(b, current, upd)
	deriveComments(b, current, upd)
	deriveSubtasks(b, current.Subtasks, upd.Subtasks)

	merged := current.ActivityLog.Append(b.entries...)
	upd.ActivityLog = &merged
	return Derivation{NewEntries: b.entries, MergedLog: merged, Update: upd}
}

type entryBuilder struct {
	ts      time.Time
	actor   string
	newID   func() string
	entries []ActivityLogEntry
}

func (b *entryBuilder) add(action string, change *FieldChange) {
	b.entries = append(b.entries, ActivityLogEntry{
		ID:        b.newID(),
		Timestamp: b.ts,
		User:      b.actor,
		Action:    action,
		Changes:   change,
	})
}

func (b *entryBuilder) change(action, field, oldValue, newValue string) {
	b.add(action, &FieldChange{Field: field, OldValue: oldValue, NewValue: newValue})
}

func deriveScalars(b *entryBuilder, cur *Task, upd TaskUpdate) {
	if upd.Status != nil && *upd.Status != cur.Status {
		oldLabel, newLabel := cur.Status.Label(), upd.Status.Label()
		b.change(fmt.Sprintf("moved task from %s to %s", oldLabel, newLabel), FieldStatus, oldLabel, newLabel)
	}
	if upd.Week.Set && !sameWeek(cur.Week, upd.Week.Value) {
		oldWeek, newWeek := weekString(cur.Week), weekString(upd.Week.Value)
		b.change(fmt.Sprintf("moved task from Week %s to Week %s", oldWeek, newWeek), FieldWeek, oldWeek, newWeek)
	}
	if upd.Title != nil && *upd.Title != "" && *upd.Title != cur.Title {
		b.change("changed task title", FieldTitle, cur.Title, *upd.Title)
	}
	if upd.Company != nil && *upd.Company != cur.Company {
		b.change("changed company", FieldCompany, cur.Company, *upd.Company)
	}
	if upd.DueDate != nil && !sameDate(*upd.DueDate, cur.DueDate) {
		b.change("changed due date", FieldDueDate, displayDate(cur.DueDate), displayDate(*upd.DueDate))
	}
	if upd.StartDate.Set {
		next := valueOr(upd.StartDate.Value, "")
		if !sameDate(next, cur.StartDate) {
			b.change("changed start date", FieldStartDate, displayDate(cur.StartDate), displayDate(next))
		}
	}
	if upd.Difficulty.Set {
		next := valueOr(upd.Difficulty.Value, "")
		if next != cur.Difficulty {
			b.change("changed difficulty", FieldDifficulty, orNotSet(string(cur.Difficulty)), orNotSet(string(next)))
		}
	}
	if upd.Importance.Set {
		next := valueOr(upd.Importance.Value, "")
		if next != cur.Importance {
			b.change("changed importance", FieldImportance, orNotSet(string(cur.Importance)), orNotSet(string(next)))
		}
	}
}

func deriveComments(b *entryBuilder, cur *Task, upd TaskUpdate) {
	if upd.Comments == nil || len(upd.Comments) <= len(cur.Comments) {
		return
	}
	action := "added a comment"
	if preview := commentPreview(upd.Comments[len(upd.Comments)-1].Text); preview != "" {
		action += ": " + quoted(preview)
	}
	b.add(action, nil)
}

// deriveSubtasks reports additions, else deletions, else completion
// toggles. Only one branch runs per update, so an update that both adds a
// subtask and toggles another reports only the addition.
func deriveSubtasks(b *entryBuilder, old, next []Subtask) {
	if next == nil || sameSubtasks(old, next) {
		return
	}
	switch {
	case len(next) > len(old):
		for _, st := range next[len(old):] {
			b.add("added subtask: "+quoted(st.Text), nil)
		}
	case len(next) < len(old):
		kept := make(map[ItemID]struct{}, len(next))
		for _, st := range next {
			kept[st.ID] = struct{}{}
		}
		for _, st := range old {
			if _, ok := kept[st.ID]; !ok {
				b.add("deleted subtask: "+quoted(st.Text), nil)
			}
		}
	default:
		if completedCount(old) == completedCount(next) {
			return
		}
		before := make(map[ItemID]bool, len(old))
		for _, st := range old {
			before[st.ID] = st.Completed
		}
		for _, st := range next {
			was, ok := before[st.ID]
			if !ok || was == st.Completed {
				continue
			}
			if st.Completed {
				b.add("completed subtask: "+quoted(st.Text), nil)
			} else {
				b.add("marked subtask as incomplete: "+quoted(st.Text), nil)
			}
		}
	}
}

func sameWeek(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameSubtasks(a, b []Subtask) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	ab, errA := sonic.Marshal(a)
	bb, errB := sonic.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

func completedCount(subtasks []Subtask) int {
	n := 0
	for _, st := range subtasks {
		if st.Completed {
			n++
		}
	}
	return n
}

func commentPreview(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= commentPreviewLen {
		return text
	}
	runes := []rune(text)
	return string(runes[:commentPreviewLen]) + "..."
}

// quoted wraps user text in plain double quotes. The text is shown
// verbatim, so no escaping is applied.
func quoted(s string) string { return `"` + s + `"` }

func sameDate(a, b string) bool { return normalizeDate(a) == normalizeDate(b) }

func displayDate(s string) string {
	if s == "" {
		return noneValue
	}
	if t, ok := parseDate(s); ok {
		return t.Format(displayDateLayout)
	}
	return s
}

func orNotSet(s string) string {
	if s == "" {
		return notSetValue
	}
	return s
}

func valueOr[T any](v *T, fallback T) T {
	if v == nil {
		return fallback
	}
	return *v
}
