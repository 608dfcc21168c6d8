package domain

import (
	"sort"
	"time"
)

// BoardColumn is one status column of the Kanban board.
type BoardColumn struct {
	Status Status `json:"status"`
	Label  string `json:"label"`
	Tasks  []Task `json:"tasks"`
}

// BoardView returns the tasks of week grouped into the four status columns.
// A nil week selects the backlog.
func BoardView(tasks []Task, week *int) []BoardColumn {
	cols := make([]BoardColumn, len(Statuses))
	idx := make(map[Status]int, len(Statuses))
	for i, st := range Statuses {
		cols[i] = BoardColumn{Status: st, Label: st.Label(), Tasks: []Task{}}
		idx[st] = i
	}
	for _, t := range tasks {
		if !sameWeek(t.Week, week) {
			continue
		}
		i, ok := idx[t.Status]
		if !ok {
			i = 0
		}
		cols[i].Tasks = append(cols[i].Tasks, t)
	}
	for i := range cols {
		sortByDue(cols[i].Tasks)
	}
	return cols
}

// Backlog returns tasks without a week, earliest due date first.
func Backlog(tasks []Task) []Task {
	out := []Task{}
	for _, t := range tasks {
		if t.InBacklog() {
			out = append(out, t)
		}
	}
	sortByDue(out)
	return out
}

// CalendarRange returns tasks whose start..due span overlaps from..to,
// both inclusive. Tasks without a parseable due date are skipped.
func CalendarRange(tasks []Task, from, to time.Time) []Task {
	out := []Task{}
	from, to = truncateDay(from), truncateDay(to)
	for _, t := range tasks {
		due, ok := t.Due()
		if !ok {
			continue
		}
		start, _ := t.Start()
		if start.After(due) {
			start = due
		}
		if due.Before(from) || start.After(to) {
			continue
		}
		out = append(out, t)
	}
	sortByDue(out)
	return out
}

// Analytics summarises the board.
type Analytics struct {
	Total             int            `json:"total"`
	ByStatus          map[Status]int `json:"byStatus"`
	ByCompany         map[string]int `json:"byCompany"`
	ByDifficulty      map[string]int `json:"byDifficulty"`
	ByImportance      map[string]int `json:"byImportance"`
	ByWeek            map[string]int `json:"byWeek"`
	Overdue           int            `json:"overdue"`
	CompletionRate    float64        `json:"completionRate"`
	SubtasksTotal     int            `json:"subtasksTotal"`
	SubtasksCompleted int            `json:"subtasksCompleted"`
}

// ComputeAnalytics aggregates tasks as of now. A task is overdue when its
// due date is before today and it is not done.
func ComputeAnalytics(tasks []Task, now time.Time) Analytics {
	a := Analytics{
		Total:        len(tasks),
		ByStatus:     make(map[Status]int, len(Statuses)),
		ByCompany:    map[string]int{},
		ByDifficulty: map[string]int{},
		ByImportance: map[string]int{},
		ByWeek:       map[string]int{},
	}
	for _, st := range Statuses {
		a.ByStatus[st] = 0
	}
	today := truncateDay(now)
	for _, t := range tasks {
		a.ByStatus[t.Status]++
		a.ByCompany[t.Company]++
		a.ByDifficulty[orNotSet(string(t.Difficulty))]++
		a.ByImportance[orNotSet(string(t.Importance))]++
		a.ByWeek[weekString(t.Week)]++
		if due, ok := t.Due(); ok && t.Status != StatusDone && due.Before(today) {
			a.Overdue++
		}
		a.SubtasksTotal += len(t.Subtasks)
		a.SubtasksCompleted += completedCount(t.Subtasks)
	}
	if a.Total > 0 {
		a.CompletionRate = float64(a.ByStatus[StatusDone]) / float64(a.Total)
	}
	return a
}

// ChangelogItem is an activity entry together with the task it belongs to.
type ChangelogItem struct {
	TaskID    string           `json:"taskId"`
	TaskTitle string           `json:"taskTitle"`
	Entry     ActivityLogEntry `json:"entry"`
}

// Changelog flattens every task's log, newest first, keeping at most limit
// items. limit <= 0 keeps everything.
func Changelog(tasks []Task, limit int) []ChangelogItem {
	items := []ChangelogItem{}
	for _, t := range tasks {
		for i := 0; i < t.ActivityLog.Len(); i++ {
			items = append(items, ChangelogItem{TaskID: t.ID, TaskTitle: t.Title, Entry: t.ActivityLog.At(i)})
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].Entry, items[j].Entry
		if a.Timestamp.Equal(b.Timestamp) {
			return a.ID > b.ID
		}
		return a.Timestamp.After(b.Timestamp)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func sortByDue(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, aok := tasks[i].Due()
		b, bok := tasks[j].Due()
		if aok != bok {
			return aok
		}
		return a.Before(b)
	})
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
