package domain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// TaskStorage defines the persistence operations the task service needs.
type TaskStorage interface {
	ListTasks(ctx context.Context) ([]Task, error)
	GetTask(ctx context.Context, id string) (*Task, error)
	InsertTask(ctx context.Context, t Task) error
	// ReplaceTask writes t only if the stored version still matches etag
	// and returns ErrConcurrencyConflict otherwise.
	ReplaceTask(ctx context.Context, t Task, etag string) error
	DeleteTask(ctx context.Context, id string) error
}

// ActivityPublisher forwards freshly derived entries to downstream consumers.
type ActivityPublisher interface {
	PublishActivity(ctx context.Context, taskID, actor string, entries []ActivityLogEntry) error
}

// BlobStore keeps attachment contents.
type BlobStore interface {
	Upload(ctx context.Context, name string, r io.Reader, contentType string) error
	Download(ctx context.Context, name string) (io.ReadCloser, error)
	Delete(ctx context.Context, name string) error
}

const defaultUpdateRetries = 3

// TaskServiceConfig wires optional collaborators into the task service.
type TaskServiceConfig struct {
	Board     BoardConfig
	Publisher ActivityPublisher
	Blobs     BlobStore
	// Retries bounds how often an update is re-derived after losing a
	// concurrent write.
	Retries int
	Deriver ActivityDeriver
	Now     func() time.Time
}

// TaskService owns the read-derive-write cycle for tasks.
type TaskService struct {
	st      TaskStorage
	board   BoardConfig
	pub     ActivityPublisher
	blobs   BlobStore
	retries int
	deriver ActivityDeriver
	now     func() time.Time
}

func NewTaskService(st TaskStorage, cfg TaskServiceConfig) *TaskService {
	if cfg.Retries <= 0 {
		cfg.Retries = defaultUpdateRetries
	}
	if cfg.Deriver.Now == nil && cfg.Deriver.NewID == nil {
		cfg.Deriver = NewActivityDeriver()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if len(cfg.Board.Companies) == 0 {
		cfg.Board = DefaultBoardConfig()
	}
	return &TaskService{
		st:      st,
		board:   cfg.Board,
		pub:     cfg.Publisher,
		blobs:   cfg.Blobs,
		retries: cfg.Retries,
		deriver: cfg.Deriver,
		now:     cfg.Now,
	}
}

// Board returns the board enumerations the service validates against.
func (s *TaskService) Board() BoardConfig { return s.board }

func (s *TaskService) List(ctx context.Context) ([]Task, error) {
	return s.st.ListTasks(ctx)
}

func (s *TaskService) Get(ctx context.Context, id string) (Task, error) {
	t, err := s.st.GetTask(ctx, id)
	if err != nil {
		return Task{}, err
	}
	if t == nil {
		return Task{}, ErrTaskNotFound
	}
	return *t, nil
}

// Create stores a new task with an empty activity log.
func (s *TaskService) Create(ctx context.Context, n NewTask, actor string) (Task, error) {
	if err := n.Validate(s.board); err != nil {
		return Task{}, err
	}
	now := s.now().UTC()
	t := n.asUpdate().normalizeDates().Apply(Task{
		ID:        uuid.NewString(),
		Status:    StatusTodo,
		CreatedAt: now,
		UpdatedAt: now,
		CreatedBy: actor,
	})
	t.Description = n.Description
	t.Subtasks = normalizeSubtasks(t.Subtasks)
	if t.Subtasks == nil {
		t.Subtasks = []Subtask{}
	}
	t.Comments = []Comment{}
	t.Attachments = []Attachment{}
	if err := s.st.InsertTask(ctx, t); err != nil {
		return Task{}, err
	}
	log.WithFields(log.Fields{"task": t.ID, "actor": actor}).Info("task created")
	return t, nil
}

// Update applies a partial update on behalf of actor and records the
// derived activity entries in the task's log.
func (s *TaskService) Update(ctx context.Context, id string, upd TaskUpdate, actor string) (Task, []ActivityLogEntry, error) {
	if upd.Empty() {
		return Task{}, nil, invalidf("update had no fields")
	}
	if err := upd.Validate(s.board); err != nil {
		return Task{}, nil, err
	}
	if upd.Subtasks != nil {
		upd.Subtasks = normalizeSubtasks(upd.Subtasks)
	}
	upd = upd.normalizeDates()
	return s.mutate(ctx, id, actor, func(Task) (TaskUpdate, error) { return upd, nil })
}

// AddComment appends a comment authored by actor.
func (s *TaskService) AddComment(ctx context.Context, id, text, actor string) (Task, []ActivityLogEntry, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Task{}, nil, invalidf("comment must not be empty")
	}
	commentID := ItemID(uuid.NewString())
	return s.mutate(ctx, id, actor, func(cur Task) (TaskUpdate, error) {
		comments := make([]Comment, 0, len(cur.Comments)+1)
		comments = append(comments, cur.Comments...)
		comments = append(comments, Comment{ID: commentID, Text: text, Timestamp: s.now().UTC(), Author: actor})
		return TaskUpdate{Comments: comments}, nil
	})
}

// mutate runs the read-derive-write cycle, re-reading the task whenever
// the conditional write loses against a concurrent writer.
func (s *TaskService) mutate(ctx context.Context, id, actor string, build func(cur Task) (TaskUpdate, error)) (Task, []ActivityLogEntry, error) {
	return s.mutateWith(ctx, id, actor, func(cur Task) (TaskUpdate, []Attachment, error) {
		upd, err := build(cur)
		return upd, nil, err
	})
}

func (s *TaskService) mutateWith(ctx context.Context, id, actor string, build func(cur Task) (TaskUpdate, []Attachment, error)) (Task, []ActivityLogEntry, error) {
	for attempt := 1; ; attempt++ {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return Task{}, nil, err
		}
		upd, attachments, err := build(cur)
		if err != nil {
			return Task{}, nil, err
		}
		d := s.deriver.Derive(&cur, upd, actor)
		next := d.Update.Apply(cur)
		if attachments != nil {
			next.Attachments = attachments
		}
		next.UpdatedAt = s.now().UTC()

		err = s.st.ReplaceTask(ctx, next, cur.ETag)
		if err == nil {
			s.publish(ctx, id, actor, d.NewEntries)
			return next, d.NewEntries, nil
		}
		if !errors.Is(err, ErrConcurrencyConflict) {
			return Task{}, nil, err
		}
		if attempt >= s.retries {
			log.WithFields(log.Fields{"task": id, "attempts": attempt}).Error("task update lost every retry")
			return Task{}, nil, err
		}
		log.WithFields(log.Fields{"task": id, "attempt": attempt}).Debug("task changed concurrently, re-deriving")
	}
}

func (s *TaskService) publish(ctx context.Context, id, actor string, entries []ActivityLogEntry) {
	if s.pub == nil || len(entries) == 0 {
		return
	}
	if err := s.pub.PublishActivity(ctx, id, actor, entries); err != nil {
		log.WithFields(log.Fields{"task": id, "entries": len(entries)}).Errorf("publish activity: %v", err)
	}
}

// Delete removes a task and its attachment blobs.
func (s *TaskService) Delete(ctx context.Context, id string) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.st.DeleteTask(ctx, id); err != nil {
		return err
	}
	if s.blobs != nil {
		for _, a := range t.Attachments {
			if err := s.blobs.Delete(ctx, a.BlobName); err != nil {
				log.WithFields(log.Fields{"task": id, "blob": a.BlobName}).Warnf("delete attachment blob: %v", err)
			}
		}
	}
	log.WithField("task", id).Info("task deleted")
	return nil
}

// ErrAttachmentsDisabled is returned when no blob store is configured.
var ErrAttachmentsDisabled = errors.New("attachments are not configured")

// AddAttachment uploads r and records its metadata on the task.
func (s *TaskService) AddAttachment(ctx context.Context, id, name, contentType string, size int64, r io.Reader, actor string) (Attachment, error) {
	if s.blobs == nil {
		return Attachment{}, ErrAttachmentsDisabled
	}
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "" || name == "." || name == "/" {
		return Attachment{}, invalidf("attachment name is required")
	}
	if _, err := s.Get(ctx, id); err != nil {
		return Attachment{}, err
	}
	att := Attachment{
		ID:          uuid.NewString(),
		Name:        name,
		Size:        size,
		ContentType: contentType,
		UploadedAt:  s.now().UTC(),
		UploadedBy:  actor,
	}
	att.BlobName = fmt.Sprintf("%s/%s/%s", id, att.ID, name)
	if err := s.blobs.Upload(ctx, att.BlobName, r, contentType); err != nil {
		return Attachment{}, fmt.Errorf("upload attachment: %w", err)
	}
	_, _, err := s.mutateWith(ctx, id, actor, func(cur Task) (TaskUpdate, []Attachment, error) {
		list := make([]Attachment, 0, len(cur.Attachments)+1)
		list = append(list, cur.Attachments...)
		return TaskUpdate{}, append(list, att), nil
	})
	if err != nil {
		if derr := s.blobs.Delete(ctx, att.BlobName); derr != nil {
			log.WithFields(log.Fields{"task": id, "blob": att.BlobName}).Errorf("rollback attachment upload: %v", derr)
		}
		return Attachment{}, err
	}
	return att, nil
}

// OpenAttachment returns the attachment metadata and a reader for its content.
func (s *TaskService) OpenAttachment(ctx context.Context, id, attachmentID string) (Attachment, io.ReadCloser, error) {
	if s.blobs == nil {
		return Attachment{}, nil, ErrAttachmentsDisabled
	}
	t, err := s.Get(ctx, id)
	if err != nil {
		return Attachment{}, nil, err
	}
	att, ok := findAttachment(t.Attachments, attachmentID)
	if !ok {
		return Attachment{}, nil, ErrAttachmentNotFound
	}
	rc, err := s.blobs.Download(ctx, att.BlobName)
	if err != nil {
		return Attachment{}, nil, err
	}
	return att, rc, nil
}

// RemoveAttachment drops the metadata first and then the blob.
func (s *TaskService) RemoveAttachment(ctx context.Context, id, attachmentID, actor string) error {
	if s.blobs == nil {
		return ErrAttachmentsDisabled
	}
	var removed Attachment
	_, _, err := s.mutateWith(ctx, id, actor, func(cur Task) (TaskUpdate, []Attachment, error) {
		att, ok := findAttachment(cur.Attachments, attachmentID)
		if !ok {
			return TaskUpdate{}, nil, ErrAttachmentNotFound
		}
		removed = att
		list := make([]Attachment, 0, len(cur.Attachments))
		for _, a := range cur.Attachments {
			if a.ID != attachmentID {
				list = append(list, a)
			}
		}
		return TaskUpdate{}, list, nil
	})
	if err != nil {
		return err
	}
	if err := s.blobs.Delete(ctx, removed.BlobName); err != nil {
		log.WithFields(log.Fields{"task": id, "blob": removed.BlobName}).Warnf("delete attachment blob: %v", err)
	}
	return nil
}

func findAttachment(list []Attachment, id string) (Attachment, bool) {
	for _, a := range list {
		if a.ID == id {
			return a, true
		}
	}
	return Attachment{}, false
}

// normalizeSubtasks assigns ids to subtasks sent without one.
func normalizeSubtasks(subtasks []Subtask) []Subtask {
	if subtasks == nil {
		return nil
	}
	out := make([]Subtask, len(subtasks))
	for i, st := range subtasks {
		if st.ID == "" {
			st.ID = ItemID(uuid.NewString())
		}
		out[i] = st
	}
	return out
}
