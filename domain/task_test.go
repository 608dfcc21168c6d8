package domain

import (
	"strings"
	"testing"

	"github.com/bytedance/sonic"
)

func TestTaskMarshalKeepsBacklogWeekAndEmptyLog(t *testing.T) {
	task := Task{ID: "t1", Title: "Title", Company: "Internal", Status: StatusTodo, DueDate: "2024-01-02"}

	payload, err := sonic.Marshal(task)
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}

	if !strings.Contains(string(payload), `"week":null`) {
		t.Fatalf("expected week field to be present, got %s", payload)
	}
	if !strings.Contains(string(payload), `"activityLog":[]`) {
		t.Fatalf("expected empty activity log array, got %s", payload)
	}
	if strings.Contains(string(payload), "ETag") {
		t.Fatalf("etag must not be serialized, got %s", payload)
	}
}

func TestItemIDAcceptsNumbersAndStrings(t *testing.T) {
	var subtasks []Subtask
	if err := sonic.Unmarshal([]byte(`[{"id":1,"text":"a"},{"id":"two","text":"b","completed":true}]`), &subtasks); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if subtasks[0].ID != "1" || subtasks[1].ID != "two" || !subtasks[1].Completed {
		t.Fatalf("unexpected subtasks: %#v", subtasks)
	}
}

func TestItemIDRejectsOtherJSON(t *testing.T) {
	for _, raw := range []string{`true`, `1.5`, `{"a":1}`, `[1]`, `1e3`} {
		var st Subtask
		if err := sonic.Unmarshal([]byte(`{"id":`+raw+`,"text":"a"}`), &st); err == nil {
			t.Fatalf("id %s should be rejected, got %q", raw, st.ID)
		}
	}
	var st Subtask
	if err := sonic.Unmarshal([]byte(`{"id":-7,"text":"a"}`), &st); err != nil || st.ID != "-7" {
		t.Fatalf("negative ids are integers too: %q %v", st.ID, err)
	}
}

func TestNormalizeDate(t *testing.T) {
	tests := map[string]string{
		"2024-01-05":                "2024-01-05",
		"2024-01-05T00:00:00Z":      "2024-01-05",
		"2024-01-05T23:30:00-05:00": "2024-01-05",
		"":                          "",
		"next week":                 "next week",
	}
	for in, want := range tests {
		if got := normalizeDate(in); got != want {
			t.Fatalf("normalizeDate(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStatusLabels(t *testing.T) {
	tests := map[Status]string{
		StatusTodo:       "To Do",
		StatusInProgress: "In Progress",
		StatusReview:     "Review",
		StatusDone:       "Done",
		Status("custom"): "custom",
	}
	for st, want := range tests {
		if got := st.Label(); got != want {
			t.Fatalf("%s: expected %q, got %q", st, want, got)
		}
	}
}

func TestTaskStartFallsBackToDue(t *testing.T) {
	task := Task{DueDate: "2024-05-06"}
	start, ok := task.Start()
	if !ok || start.Format(DateLayout) != "2024-05-06" {
		t.Fatalf("unexpected start %v %v", start, ok)
	}
	if _, ok := (Task{DueDate: "soon"}).Due(); ok {
		t.Fatalf("expected malformed due date to be rejected")
	}
}
