package domain

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"testing"
	"time"
)

type fakeTaskStore struct {
	tasks    map[string]Task
	versions map[string]int
	// beforeReplace runs once ahead of the next ReplaceTask call.
	beforeReplace func(f *fakeTaskStore)
	replaceErr    error
	replaces      int
}

func newFakeTaskStore(tasks ...Task) *fakeTaskStore {
	f := &fakeTaskStore{tasks: map[string]Task{}, versions: map[string]int{}}
	for _, t := range tasks {
		f.tasks[t.ID] = t
		f.versions[t.ID] = 1
	}
	return f
}

func (f *fakeTaskStore) ListTasks(ctx context.Context) ([]Task, error) {
	out := make([]Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeTaskStore) GetTask(ctx context.Context, id string) (*Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, nil
	}
	t.ETag = strconv.Itoa(f.versions[id])
	return &t, nil
}

func (f *fakeTaskStore) InsertTask(ctx context.Context, t Task) error {
	if _, exists := f.tasks[t.ID]; exists {
		return errors.New("exists")
	}
	f.tasks[t.ID] = t
	f.versions[t.ID] = 1
	return nil
}

func (f *fakeTaskStore) ReplaceTask(ctx context.Context, t Task, etag string) error {
	f.replaces++
	if f.replaceErr != nil {
		return f.replaceErr
	}
	if hook := f.beforeReplace; hook != nil {
		f.beforeReplace = nil
		hook(f)
	}
	if strconv.Itoa(f.versions[t.ID]) != etag {
		return ErrConcurrencyConflict
	}
	t.ETag = ""
	f.tasks[t.ID] = t
	f.versions[t.ID]++
	return nil
}

func (f *fakeTaskStore) DeleteTask(ctx context.Context, id string) error {
	delete(f.tasks, id)
	return nil
}

type fakePublisher struct {
	calls   int
	entries []ActivityLogEntry
	err     error
}

func (p *fakePublisher) PublishActivity(ctx context.Context, taskID, actor string, entries []ActivityLogEntry) error {
	p.calls++
	p.entries = append(p.entries, entries...)
	return p.err
}

type fakeBlobs struct {
	data    map[string][]byte
	deleted []string
	failUp  bool
}

func (b *fakeBlobs) Upload(ctx context.Context, name string, r io.Reader, contentType string) error {
	if b.failUp {
		return errors.New("upload failed")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if b.data == nil {
		b.data = map[string][]byte{}
	}
	b.data[name] = data
	return nil
}

func (b *fakeBlobs) Download(ctx context.Context, name string) (io.ReadCloser, error) {
	data, ok := b.data[name]
	if !ok {
		return nil, errors.New("missing blob")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *fakeBlobs) Delete(ctx context.Context, name string) error {
	delete(b.data, name)
	b.deleted = append(b.deleted, name)
	return nil
}

func newTestService(st TaskStorage, pub ActivityPublisher, blobs BlobStore) *TaskService {
	return NewTaskService(st, TaskServiceConfig{
		Publisher: pub,
		Blobs:     blobs,
		Deriver:   testDeriver(),
		Now:       func() time.Time { return fixedNow },
	})
}

func TestTaskServiceCreate(t *testing.T) {
	st := newFakeTaskStore()
	svc := newTestService(st, nil, nil)
	task, err := svc.Create(context.Background(), NewTask{
		Title: "New", Company: "Internal", DueDate: "2024-04-01",
		Subtasks: []Subtask{{Text: "first"}},
	}, "Ann")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.ID == "" || task.Status != StatusTodo || task.CreatedBy != "Ann" {
		t.Fatalf("unexpected task %#v", task)
	}
	if task.ActivityLog.Len() != 0 {
		t.Fatalf("new tasks start with an empty log")
	}
	if len(task.Subtasks) != 1 || task.Subtasks[0].ID == "" {
		t.Fatalf("subtask ids should be assigned: %#v", task.Subtasks)
	}
	if _, ok := st.tasks[task.ID]; !ok {
		t.Fatalf("task not stored")
	}
}

func TestTaskServiceCreateValidation(t *testing.T) {
	svc := newTestService(newFakeTaskStore(), nil, nil)
	_, err := svc.Create(context.Background(), NewTask{Title: "x", Company: "Unknown", DueDate: "2024-01-01"}, "Ann")
	if !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestTaskServiceUpdateRecordsActivity(t *testing.T) {
	st := newFakeTaskStore(baseTask())
	pub := &fakePublisher{}
	svc := newTestService(st, pub, nil)

	task, entries, err := svc.Update(context.Background(), "t1", TaskUpdate{Status: statusPtr(StatusReview)}, "Bob")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(entries) != 1 || entries[0].User != "Bob" {
		t.Fatalf("unexpected entries %#v", entries)
	}
	stored := st.tasks["t1"]
	if stored.Status != StatusReview || stored.ActivityLog.Len() != 2 {
		t.Fatalf("unexpected stored task %#v", stored)
	}
	if !stored.UpdatedAt.Equal(fixedNow) || task.ActivityLog.Len() != 2 {
		t.Fatalf("unexpected returned task %#v", task)
	}
	if pub.calls != 1 || len(pub.entries) != 1 {
		t.Fatalf("expected one publish, got %d", pub.calls)
	}
}

func TestTaskServiceUpdateNormalizesDates(t *testing.T) {
	st := newFakeTaskStore(baseTask())
	svc := newTestService(st, nil, nil)

	upd := TaskUpdate{DueDate: strPtr("2024-03-10T00:00:00Z"), StartDate: Some("2024-03-02T00:00:00Z")}
	_, entries, err := svc.Update(context.Background(), "t1", upd, "Bob")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(entries) != 1 || entries[0].Changes == nil || entries[0].Changes.Field != FieldStartDate {
		t.Fatalf("only the start date moved, got %#v", entries)
	}
	if entries[0].Changes.OldValue != "3/1/2024" || entries[0].Changes.NewValue != "3/2/2024" {
		t.Fatalf("unexpected change %#v", entries[0].Changes)
	}
	stored := st.tasks["t1"]
	if stored.DueDate != "2024-03-10" || stored.StartDate != "2024-03-02" {
		t.Fatalf("dates should be stored as %s, got %q and %q", DateLayout, stored.DueDate, stored.StartDate)
	}
}

func TestTaskServiceCreateNormalizesDates(t *testing.T) {
	svc := newTestService(newFakeTaskStore(), nil, nil)
	task, err := svc.Create(context.Background(), NewTask{
		Title: "New", Company: "Internal", DueDate: "2024-04-01T00:00:00Z", StartDate: "2024-03-28T09:00:00Z",
	}, "Ann")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.DueDate != "2024-04-01" || task.StartDate != "2024-03-28" {
		t.Fatalf("unexpected dates %q %q", task.DueDate, task.StartDate)
	}
}

func TestTaskServiceUpdateNoChangeSkipsPublish(t *testing.T) {
	st := newFakeTaskStore(baseTask())
	pub := &fakePublisher{}
	svc := newTestService(st, pub, nil)

	_, entries, err := svc.Update(context.Background(), "t1", TaskUpdate{Status: statusPtr(StatusTodo)}, "Bob")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(entries) != 0 || pub.calls != 0 {
		t.Fatalf("expected no entries and no publish, got %d/%d", len(entries), pub.calls)
	}
	if st.tasks["t1"].ActivityLog.Len() != 1 {
		t.Fatalf("log should be unchanged")
	}
}

func TestTaskServiceUpdatePublishFailureIsNotFatal(t *testing.T) {
	st := newFakeTaskStore(baseTask())
	svc := newTestService(st, &fakePublisher{err: errors.New("queue down")}, nil)
	if _, _, err := svc.Update(context.Background(), "t1", TaskUpdate{Title: strPtr("Renamed")}, "Bob"); err != nil {
		t.Fatalf("publish errors must not fail the update: %v", err)
	}
}

func TestTaskServiceUpdateRederivesAfterConflict(t *testing.T) {
	st := newFakeTaskStore(baseTask())
	st.beforeReplace = func(f *fakeTaskStore) {
		cur := f.tasks["t1"]
		cur.Title = "Changed elsewhere"
		cur.ActivityLog = cur.ActivityLog.Append(ActivityLogEntry{ID: "other", Action: "changed task title", User: "Cat"})
		f.tasks["t1"] = cur
		f.versions["t1"]++
	}
	svc := newTestService(st, nil, nil)

	_, entries, err := svc.Update(context.Background(), "t1", TaskUpdate{Status: statusPtr(StatusDone)}, "Bob")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if st.replaces != 2 {
		t.Fatalf("expected a retry after the conflict, got %d replaces", st.replaces)
	}
	stored := st.tasks["t1"]
	if stored.ActivityLog.Len() != 3 {
		t.Fatalf("concurrent entry lost: %#v", stored.ActivityLog.Entries())
	}
	if stored.ActivityLog.At(1).ID != "other" || stored.Title != "Changed elsewhere" {
		t.Fatalf("unexpected stored task %#v", stored)
	}
	if len(entries) != 1 || stored.ActivityLog.At(2).Action != entries[0].Action {
		t.Fatalf("unexpected entries %#v", entries)
	}
}

func TestTaskServiceUpdateGivesUpAfterRetries(t *testing.T) {
	st := newFakeTaskStore(baseTask())
	st.replaceErr = ErrConcurrencyConflict
	svc := NewTaskService(st, TaskServiceConfig{Retries: 2})
	_, _, err := svc.Update(context.Background(), "t1", TaskUpdate{Title: strPtr("x")}, "Bob")
	if !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if st.replaces != 2 {
		t.Fatalf("expected 2 attempts, got %d", st.replaces)
	}
}

func TestTaskServiceUpdateMissingTask(t *testing.T) {
	svc := newTestService(newFakeTaskStore(), nil, nil)
	if _, _, err := svc.Update(context.Background(), "nope", TaskUpdate{Title: strPtr("x")}, "Bob"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTaskServiceUpdateRejectsEmpty(t *testing.T) {
	svc := newTestService(newFakeTaskStore(baseTask()), nil, nil)
	if _, _, err := svc.Update(context.Background(), "t1", TaskUpdate{}, "Bob"); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("expected invalid task, got %v", err)
	}
}

func TestTaskServiceAddComment(t *testing.T) {
	st := newFakeTaskStore(baseTask())
	svc := newTestService(st, nil, nil)
	task, entries, err := svc.AddComment(context.Background(), "t1", "  looks good  ", "Bob")
	if err != nil {
		t.Fatalf("comment: %v", err)
	}
	if len(task.Comments) != 2 || task.Comments[1].Text != "looks good" || task.Comments[1].Author != "Bob" {
		t.Fatalf("unexpected comments %#v", task.Comments)
	}
	if len(entries) != 1 || !strings.HasPrefix(entries[0].Action, "added a comment") {
		t.Fatalf("unexpected entries %#v", entries)
	}
	if task.ActivityLog.Len() != 2 {
		t.Fatalf("comment must add exactly one log entry, log has %d", task.ActivityLog.Len())
	}
}

func TestTaskServiceAttachments(t *testing.T) {
	st := newFakeTaskStore(baseTask())
	blobs := &fakeBlobs{}
	svc := newTestService(st, nil, blobs)
	ctx := context.Background()

	att, err := svc.AddAttachment(ctx, "t1", "../notes.txt", "text/plain", 5, strings.NewReader("hello"), "Bob")
	if err != nil {
		t.Fatalf("add attachment: %v", err)
	}
	if att.Name != "notes.txt" || att.BlobName != "t1/"+att.ID+"/notes.txt" {
		t.Fatalf("unexpected attachment %#v", att)
	}
	if len(st.tasks["t1"].Attachments) != 1 || st.tasks["t1"].ActivityLog.Len() != 1 {
		t.Fatalf("attachment metadata not stored or log changed")
	}

	got, rc, err := svc.OpenAttachment(ctx, "t1", att.ID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != "hello" || got.ID != att.ID {
		t.Fatalf("unexpected content %q", data)
	}

	if err := svc.RemoveAttachment(ctx, "t1", att.ID, "Bob"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(st.tasks["t1"].Attachments) != 0 || len(blobs.deleted) != 1 {
		t.Fatalf("attachment not removed")
	}
	if err := svc.RemoveAttachment(ctx, "t1", att.ID, "Bob"); !errors.Is(err, ErrAttachmentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTaskServiceAttachmentsDisabled(t *testing.T) {
	svc := newTestService(newFakeTaskStore(baseTask()), nil, nil)
	if _, err := svc.AddAttachment(context.Background(), "t1", "a.txt", "", 1, strings.NewReader("a"), "Bob"); !errors.Is(err, ErrAttachmentsDisabled) {
		t.Fatalf("expected disabled error, got %v", err)
	}
}

func TestTaskServiceDeleteRemovesBlobs(t *testing.T) {
	task := baseTask()
	task.Attachments = []Attachment{{ID: "a1", BlobName: "t1/a1/x.txt"}}
	st := newFakeTaskStore(task)
	blobs := &fakeBlobs{}
	svc := newTestService(st, nil, blobs)
	if err := svc.Delete(context.Background(), "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := st.tasks["t1"]; ok {
		t.Fatalf("task not deleted")
	}
	if len(blobs.deleted) != 1 || blobs.deleted[0] != "t1/a1/x.txt" {
		t.Fatalf("blob not deleted: %#v", blobs.deleted)
	}
}
