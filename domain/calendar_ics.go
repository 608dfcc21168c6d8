package domain

import (
	"fmt"
	"strings"
	"time"
)

const icsDateLayout = "20060102"

// TaskCalendarICS renders a task as an all-day iCalendar event running from
// its start date (or due date) through its due date.
func TaskCalendarICS(t Task, now time.Time) (string, error) {
	due, ok := t.Due()
	if !ok {
		return "", fmt.Errorf("%w: task due date required for calendar export", ErrInvalidTask)
	}
	start, _ := t.Start()
	if start.After(due) {
		start = due
	}
	end := due.AddDate(0, 0, 1)

	title := strings.TrimSpace(t.Title)
	if title == "" {
		title = "Task"
	}
	lines := []string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//task-tracker//Task Export//EN",
		"CALSCALE:GREGORIAN",
		"METHOD:PUBLISH",
		"BEGIN:VEVENT",
		"UID:" + escapeICSText(fmt.Sprintf("task-%s@task-tracker", t.ID)),
		"DTSTAMP:" + now.UTC().Format("20060102T150405Z"),
		"SUMMARY:" + escapeICSText(title),
		"DTSTART;VALUE=DATE:" + start.Format(icsDateLayout),
		"DTEND;VALUE=DATE:" + end.Format(icsDateLayout),
		"STATUS:" + icsStatus(t.Status),
	}
	desc := strings.TrimSpace(t.Description)
	if desc != "" {
		lines = append(lines, "DESCRIPTION:"+escapeICSText(desc))
	}
	if t.Company != "" {
		lines = append(lines, "CATEGORIES:"+escapeICSText(t.Company))
	}
	lines = append(lines, "END:VEVENT", "END:VCALENDAR", "")
	return strings.Join(lines, "\r\n"), nil
}

func icsStatus(s Status) string {
	if s == StatusDone {
		return "CONFIRMED"
	}
	return "TENTATIVE"
}

func escapeICSText(s string) string {
	r := strings.NewReplacer(
		"\\", "\\\\",
		";", "\\;",
		",", "\\,",
		"\r\n", "\\n",
		"\n", "\\n",
	)
	return r.Replace(s)
}
