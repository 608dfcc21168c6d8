package domain

import (
	"testing"
	"time"
)

func viewTasks() []Task {
	return []Task{
		{ID: "a", Title: "A", Company: "Internal", Status: StatusTodo, Week: intPtr(1), DueDate: "2024-03-12"},
		{ID: "b", Title: "B", Company: "Sales", Status: StatusDone, Week: intPtr(1), DueDate: "2024-03-01",
			Subtasks: []Subtask{{ID: "1", Completed: true}, {ID: "2"}}},
		{ID: "c", Title: "C", Company: "Internal", Status: StatusInProgress, DueDate: "2024-03-20", StartDate: "2024-03-15", Importance: ImportanceCritical},
		{ID: "d", Title: "D", Company: "Sales", Status: StatusTodo, Week: intPtr(1), DueDate: "2024-03-05", Difficulty: DifficultyHard},
	}
}

func TestBoardView(t *testing.T) {
	cols := BoardView(viewTasks(), intPtr(1))
	if len(cols) != 4 {
		t.Fatalf("expected 4 columns, got %d", len(cols))
	}
	if cols[0].Status != StatusTodo || cols[0].Label != "To Do" {
		t.Fatalf("unexpected first column %#v", cols[0])
	}
	if len(cols[0].Tasks) != 2 || cols[0].Tasks[0].ID != "d" || cols[0].Tasks[1].ID != "a" {
		t.Fatalf("todo column not sorted by due date: %#v", cols[0].Tasks)
	}
	if len(cols[1].Tasks) != 0 || len(cols[3].Tasks) != 1 {
		t.Fatalf("unexpected column sizes")
	}
}

func TestBacklog(t *testing.T) {
	backlog := Backlog(viewTasks())
	if len(backlog) != 1 || backlog[0].ID != "c" {
		t.Fatalf("unexpected backlog %#v", backlog)
	}
}

func TestCalendarRange(t *testing.T) {
	from := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC)
	got := CalendarRange(viewTasks(), from, to)
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "c" {
		t.Fatalf("unexpected calendar tasks %#v", got)
	}
}

func TestComputeAnalytics(t *testing.T) {
	now := time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC)
	a := ComputeAnalytics(viewTasks(), now)
	if a.Total != 4 || a.ByStatus[StatusTodo] != 2 || a.ByStatus[StatusReview] != 0 {
		t.Fatalf("unexpected status counts %#v", a.ByStatus)
	}
	if a.ByCompany["Sales"] != 2 || a.ByWeek["Backlog"] != 1 || a.ByWeek["1"] != 3 {
		t.Fatalf("unexpected grouping %#v %#v", a.ByCompany, a.ByWeek)
	}
	if a.ByDifficulty["Hard"] != 1 || a.ByDifficulty["Not set"] != 3 || a.ByImportance["Critical"] != 1 {
		t.Fatalf("unexpected enum counts %#v %#v", a.ByDifficulty, a.ByImportance)
	}
	if a.Overdue != 1 {
		t.Fatalf("expected only d to be overdue, got %d", a.Overdue)
	}
	if a.CompletionRate != 0.25 || a.SubtasksTotal != 2 || a.SubtasksCompleted != 1 {
		t.Fatalf("unexpected totals %#v", a)
	}
}

func TestChangelogNewestFirst(t *testing.T) {
	t1 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	tasks := []Task{
		{ID: "a", Title: "A", ActivityLog: NewActivityLog(
			ActivityLogEntry{ID: "1", Timestamp: t1, Action: "x"},
			ActivityLogEntry{ID: "3", Timestamp: t1.Add(2 * time.Hour), Action: "z"},
		)},
		{ID: "b", Title: "B", ActivityLog: NewActivityLog(
			ActivityLogEntry{ID: "2", Timestamp: t1.Add(time.Hour), Action: "y"},
		)},
	}
	items := Changelog(tasks, 2)
	if len(items) != 2 || items[0].Entry.ID != "3" || items[1].Entry.ID != "2" || items[1].TaskTitle != "B" {
		t.Fatalf("unexpected changelog %#v", items)
	}
	if all := Changelog(tasks, 0); len(all) != 3 {
		t.Fatalf("expected unlimited changelog, got %d", len(all))
	}
}
