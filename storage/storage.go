package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"task-tracker/domain"
)

const (
	taskPartition = "task"
	userPartition = "user"
	// Activity rows of task X live in partition "activity-X" of the tasks table.
	activityPartitionPrefix = "activity-"

	edmDateTime = "Edm.DateTime"

	// A string property holds at most 64 KiB of UTF-16. A UTF-8 string never
	// has more UTF-16 code units than bytes, so 32 KiB of UTF-8 always fits.
	maxColumnBytes = 32 * 1024
	// Entities are capped at 1 MiB of UTF-16; payload bytes count double to stay
	// under it whatever the text is.
	maxEntityBytes = 1<<20/2 - 4*1024
	// activityRowBytes bounds the entries written into one activity row.
	activityRowBytes = 256 * 1024
)

// Storage provides access to the task and user tables.
type Storage struct {
	taskTable *aztables.Client
	userTable *aztables.Client
}

var retryStatusCodes = []int{408, 429, 500, 502, 503, 504}

// New creates a Storage instance from the given connection string.
func New(connStr, tasksTable, usersTable string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   retryStatusCodes,
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	return newStorage(svc, tasksTable, usersTable), nil
}

func newStorage(svc *aztables.ServiceClient, tasksTable, usersTable string) *Storage {
	return &Storage{taskTable: svc.NewClient(tasksTable), userTable: svc.NewClient(usersTable)}
}

// taskEntity holds the fixed columns of a task row. Subtasks, comments and
// attachments are JSON strings spread over numbered columns (see
// putColumn); the activity log lives in separate rows chained from LogHead.
type taskEntity struct {
	PartitionKey string    `json:"PartitionKey"`
	RowKey       string    `json:"RowKey"`
	ETag         string    `json:"odata.etag,omitempty"`
	Title        string    `json:"Title"`
	Company      string    `json:"Company"`
	Status       string    `json:"Status"`
	Week         *int      `json:"Week,omitempty"`
	StartDate    string    `json:"StartDate,omitempty"`
	DueDate      string    `json:"DueDate"`
	Difficulty   string    `json:"Difficulty,omitempty"`
	Importance   string    `json:"Importance,omitempty"`
	LogHead      string    `json:"LogHead,omitempty"`
	LogLen       int       `json:"LogLen"`
	CreatedBy    string    `json:"CreatedBy"`
	CreatedAt    time.Time `json:"CreatedAt"`
	UpdatedAt    time.Time `json:"UpdatedAt"`
}

func encodeTaskEntity(t domain.Task) ([]byte, error) {
	ent := map[string]any{
		"PartitionKey":         taskPartition,
		"RowKey":               t.ID,
		"Title":                t.Title,
		"Company":              t.Company,
		"Status":               string(t.Status),
		"DueDate":              t.DueDate,
		"LogLen":               t.LogCursor.Len,
		"CreatedBy":            t.CreatedBy,
		"CreatedAt":            t.CreatedAt.UTC(),
		"CreatedAt@odata.type": edmDateTime,
		"UpdatedAt":            t.UpdatedAt.UTC(),
		"UpdatedAt@odata.type": edmDateTime,
	}
	if t.Week != nil {
		ent["Week"] = *t.Week
	}
	for name, v := range map[string]string{
		"StartDate":  t.StartDate,
		"Difficulty": string(t.Difficulty),
		"Importance": string(t.Importance),
		"LogHead":    t.LogCursor.Head,
	} {
		if v != "" {
			ent[name] = v
		}
	}
	putColumn(ent, "Description", t.Description)
	for _, col := range []struct {
		name string
		v    any
	}{
		{"Subtasks", emptyIfNil(t.Subtasks)},
		{"Comments", emptyIfNil(t.Comments)},
		{"Attachments", emptyIfNil(t.Attachments)},
	} {
		data, err := json.Marshal(col.v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", strings.ToLower(col.name), err)
		}
		putColumn(ent, col.name, string(data))
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return nil, err
	}
	if len(payload) > maxEntityBytes {
		return nil, fmt.Errorf("encode task %s: %w", t.ID, domain.ErrTaskTooLarge)
	}
	return payload, nil
}

func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	var props map[string]any
	if err := json.Unmarshal(data, &props); err != nil {
		return domain.Task{}, err
	}
	t := domain.Task{
		ID:          ent.RowKey,
		Title:       ent.Title,
		Description: readColumn(props, "Description"),
		Company:     ent.Company,
		Status:      domain.Status(ent.Status),
		Week:        ent.Week,
		StartDate:   ent.StartDate,
		DueDate:     ent.DueDate,
		Difficulty:  domain.Difficulty(ent.Difficulty),
		Importance:  domain.Importance(ent.Importance),
		CreatedBy:   ent.CreatedBy,
		CreatedAt:   ent.CreatedAt,
		UpdatedAt:   ent.UpdatedAt,
		ETag:        ent.ETag,
		LogCursor:   domain.LogCursor{Head: ent.LogHead, Len: ent.LogLen},
	}
	if err := fromJSONColumn(readColumn(props, "Subtasks"), &t.Subtasks); err != nil {
		return domain.Task{}, fmt.Errorf("decode subtasks of %s: %w", ent.RowKey, err)
	}
	if err := fromJSONColumn(readColumn(props, "Comments"), &t.Comments); err != nil {
		return domain.Task{}, fmt.Errorf("decode comments of %s: %w", ent.RowKey, err)
	}
	if err := fromJSONColumn(readColumn(props, "Attachments"), &t.Attachments); err != nil {
		return domain.Task{}, fmt.Errorf("decode attachments of %s: %w", ent.RowKey, err)
	}
	return t, nil
}

// putColumn stores s under name, continuing in name_1, name_2, ... once a
// part reaches maxColumnBytes. Parts never split a UTF-8 sequence.
func putColumn(ent map[string]any, name, s string) {
	for i := 0; ; i++ {
		part := s
		if len(part) > maxColumnBytes {
			cut := maxColumnBytes
			for cut > 0 && !utf8.RuneStart(s[cut]) {
				cut--
			}
			part = s[:cut]
		}
		ent[columnName(name, i)] = part
		s = s[len(part):]
		if s == "" {
			return
		}
	}
}

func readColumn(props map[string]any, name string) string {
	var b strings.Builder
	for i := 0; ; i++ {
		part, ok := props[columnName(name, i)].(string)
		if !ok {
			return b.String()
		}
		b.WriteString(part)
	}
}

func columnName(name string, i int) string {
	if i == 0 {
		return name
	}
	return name + "_" + strconv.Itoa(i)
}

func fromJSONColumn(col string, dst any) error {
	if col == "" {
		return nil
	}
	return json.Unmarshal([]byte(col), dst)
}

func emptyIfNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func statusCode(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

// activityRow is one stored slice of a task's activity log. Prev names the
// row written before it, so following Prev from the task's LogHead visits
// the committed log newest first. Rows left behind by a failed write are
// never linked and stay invisible.
type activityRow struct {
	Key     string
	Prev    string
	Entries []domain.ActivityLogEntry
}

func activityPartition(taskID string) string { return activityPartitionPrefix + taskID }

func encodeActivityEntity(taskID string, row activityRow) ([]byte, error) {
	data, err := json.Marshal(row.Entries)
	if err != nil {
		return nil, fmt.Errorf("encode activity of %s: %w", taskID, err)
	}
	ent := map[string]any{
		"PartitionKey": activityPartition(taskID),
		"RowKey":       row.Key,
		"Count":        len(row.Entries),
	}
	if row.Prev != "" {
		ent["Prev"] = row.Prev
	}
	putColumn(ent, "Entries", string(data))
	return json.Marshal(ent)
}

func decodeActivityEntity(data []byte) (string, activityRow, error) {
	var props map[string]any
	if err := json.Unmarshal(data, &props); err != nil {
		return "", activityRow{}, err
	}
	partition, _ := props["PartitionKey"].(string)
	row := activityRow{}
	row.Key, _ = props["RowKey"].(string)
	row.Prev, _ = props["Prev"].(string)
	if err := fromJSONColumn(readColumn(props, "Entries"), &row.Entries); err != nil {
		return "", activityRow{}, fmt.Errorf("decode activity row %s: %w", row.Key, err)
	}
	return strings.TrimPrefix(partition, activityPartitionPrefix), row, nil
}

// splitActivity groups entries into rows of at most activityRowBytes of JSON.
func splitActivity(entries []domain.ActivityLogEntry) ([][]domain.ActivityLogEntry, error) {
	var groups [][]domain.ActivityLogEntry
	var cur []domain.ActivityLogEntry
	size := 0
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		if len(data) > activityRowBytes {
			return nil, fmt.Errorf("activity entry %s: %w", e.ID, domain.ErrTaskTooLarge)
		}
		if size+len(data) > activityRowBytes && len(cur) > 0 {
			groups = append(groups, cur)
			cur, size = nil, 0
		}
		cur = append(cur, e)
		size += len(data) + 1
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups, nil
}

// chainActivity follows Prev links from head and returns the entries
// oldest first.
func chainActivity(rows map[string]activityRow, head string) ([]domain.ActivityLogEntry, error) {
	var chain []activityRow
	for key := head; key != ""; {
		row, ok := rows[key]
		if !ok {
			return nil, fmt.Errorf("activity row %s is missing", key)
		}
		if len(chain) >= len(rows) {
			return nil, fmt.Errorf("activity rows loop at %s", key)
		}
		chain = append(chain, row)
		key = row.Prev
	}
	var entries []domain.ActivityLogEntry
	for i := len(chain) - 1; i >= 0; i-- {
		entries = append(entries, chain[i].Entries...)
	}
	return entries, nil
}

// appendActivity writes the entries of t that storage does not hold yet and
// returns the cursor covering them with the keys of the rows it added.
func (s *Storage) appendActivity(ctx context.Context, t domain.Task) (domain.LogCursor, []string, error) {
	cursor := t.LogCursor
	if t.ActivityLog.Len() < cursor.Len {
		return cursor, nil, fmt.Errorf("activity log of %s has %d entries but %d are stored", t.ID, t.ActivityLog.Len(), cursor.Len)
	}
	groups, err := splitActivity(t.ActivityLog.Entries()[cursor.Len:])
	if err != nil {
		return cursor, nil, err
	}
	var added []string
	for _, group := range groups {
		row := activityRow{Key: uuid.NewString(), Prev: cursor.Head, Entries: group}
		payload, err := encodeActivityEntity(t.ID, row)
		if err == nil {
			_, err = s.taskTable.AddEntity(ctx, payload, nil)
		}
		if err != nil {
			s.dropActivity(ctx, t.ID, added)
			return t.LogCursor, nil, err
		}
		added = append(added, row.Key)
		cursor = domain.LogCursor{Head: row.Key, Len: cursor.Len + len(group)}
	}
	return cursor, added, nil
}

// dropActivity removes rows a failed write added. They are unreachable
// either way, so failures are only logged.
func (s *Storage) dropActivity(ctx context.Context, taskID string, keys []string) {
	for _, key := range keys {
		if _, err := s.taskTable.DeleteEntity(ctx, activityPartition(taskID), key, nil); err != nil && statusCode(err) != 404 {
			log.WithFields(log.Fields{"task": taskID, "row": key}).Warnf("remove unlinked activity row: %v", err)
		}
	}
}

// listActivity returns the activity rows matching filter by task id and
// row key.
func (s *Storage) listActivity(ctx context.Context, filter string) (map[string]map[string]activityRow, error) {
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	out := map[string]map[string]activityRow{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			taskID, row, err := decodeActivityEntity(e)
			if err != nil {
				return nil, err
			}
			if out[taskID] == nil {
				out[taskID] = map[string]activityRow{}
			}
			out[taskID][row.Key] = row
		}
	}
	return out, nil
}

func attachActivity(t *domain.Task, rows map[string]activityRow) error {
	entries, err := chainActivity(rows, t.LogCursor.Head)
	if err != nil {
		return fmt.Errorf("load activity of %s: %w", t.ID, err)
	}
	t.ActivityLog = domain.NewActivityLog(entries...)
	t.LogCursor.Len = len(entries)
	return nil
}

// ListTasks retrieves every task on the board.
func (s *Storage) ListTasks(ctx context.Context) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + taskPartition + "'"
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			t, err := decodeTaskEntity(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}
	// '.' sorts right after '-', so this range holds every activity partition.
	activity, err := s.listActivity(ctx, "PartitionKey ge '"+activityPartitionPrefix+"' and PartitionKey lt 'activity.'")
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		if err := attachActivity(&tasks[i], activity[tasks[i].ID]); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

// GetTask returns nil when the task does not exist.
func (s *Storage) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	resp, err := s.taskTable.GetEntity(ctx, taskPartition, id, nil)
	if err != nil {
		if statusCode(err) == 404 {
			return nil, nil
		}
		return nil, err
	}
	t, err := decodeTaskEntity(resp.Value)
	if err != nil {
		return nil, err
	}
	t.ETag = string(resp.ETag)
	var rows map[string]activityRow
	if t.LogCursor.Head != "" {
		activity, err := s.listActivity(ctx, "PartitionKey eq '"+activityPartition(id)+"'")
		if err != nil {
			return nil, err
		}
		rows = activity[id]
	}
	if err := attachActivity(&t, rows); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Storage) InsertTask(ctx context.Context, t domain.Task) error {
	cursor, added, err := s.appendActivity(ctx, t)
	if err != nil {
		return err
	}
	t.LogCursor = cursor
	payload, err := encodeTaskEntity(t)
	if err == nil {
		_, err = s.taskTable.AddEntity(ctx, payload, nil)
	}
	if err != nil {
		s.dropActivity(ctx, t.ID, added)
	}
	return err
}

// ReplaceTask overwrites the whole row so cleared optional fields disappear,
// but only while the stored ETag still matches. New activity rows are
// written first and only become visible once the row links them.
func (s *Storage) ReplaceTask(ctx context.Context, t domain.Task, etag string) error {
	cursor, added, err := s.appendActivity(ctx, t)
	if err != nil {
		return err
	}
	t.LogCursor = cursor
	payload, err := encodeTaskEntity(t)
	if err != nil {
		s.dropActivity(ctx, t.ID, added)
		return err
	}
	et := azcore.ETag(etag)
	if etag == "" {
		et = azcore.ETagAny
	}
	_, err = s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeReplace})
	if err != nil {
		s.dropActivity(ctx, t.ID, added)
	}
	switch statusCode(err) {
	case 0:
		return err
	case 404:
		return domain.ErrTaskNotFound
	case 412:
		return domain.ErrConcurrencyConflict
	default:
		return err
	}
}

func (s *Storage) DeleteTask(ctx context.Context, id string) error {
	_, err := s.taskTable.DeleteEntity(ctx, taskPartition, id, nil)
	if err != nil && statusCode(err) != 404 {
		return err
	}
	activity, err := s.listActivity(ctx, "PartitionKey eq '"+activityPartition(id)+"'")
	if err != nil {
		log.WithField("task", id).Warnf("list activity rows of deleted task: %v", err)
		return nil
	}
	keys := make([]string, 0, len(activity[id]))
	for key := range activity[id] {
		keys = append(keys, key)
	}
	s.dropActivity(ctx, id, keys)
	return nil
}

type userEntity struct {
	PartitionKey  string    `json:"PartitionKey"`
	RowKey        string    `json:"RowKey"`
	Name          string    `json:"Name"`
	Role          string    `json:"Role"`
	PasswordHash  string    `json:"PasswordHash"`
	CreatedAt     time.Time `json:"CreatedAt"`
	CreatedAtType string    `json:"CreatedAt@odata.type"`
}

func encodeUserEntity(u domain.User) ([]byte, error) {
	return json.Marshal(userEntity{
		PartitionKey:  userPartition,
		RowKey:        domain.NormalizeEmail(u.Email),
		Name:          u.Name,
		Role:          string(u.Role),
		PasswordHash:  u.PasswordHash,
		CreatedAt:     u.CreatedAt.UTC(),
		CreatedAtType: edmDateTime,
	})
}

func decodeUserEntity(data []byte) (domain.User, error) {
	var ent userEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.User{}, err
	}
	return domain.User{
		Email:        ent.RowKey,
		Name:         ent.Name,
		Role:         domain.Role(ent.Role),
		PasswordHash: ent.PasswordHash,
		CreatedAt:    ent.CreatedAt,
	}, nil
}

// GetUser returns nil when no account exists for email.
func (s *Storage) GetUser(ctx context.Context, email string) (*domain.User, error) {
	resp, err := s.userTable.GetEntity(ctx, userPartition, domain.NormalizeEmail(email), nil)
	if err != nil {
		if statusCode(err) == 404 {
			return nil, nil
		}
		return nil, err
	}
	u, err := decodeUserEntity(resp.Value)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Storage) InsertUser(ctx context.Context, u domain.User) error {
	payload, err := encodeUserEntity(u)
	if err != nil {
		return err
	}
	if _, err := s.userTable.AddEntity(ctx, payload, nil); err != nil {
		if statusCode(err) == 409 {
			return domain.ErrUserExists
		}
		return err
	}
	return nil
}

func (s *Storage) ReplaceUser(ctx context.Context, u domain.User) error {
	payload, err := encodeUserEntity(u)
	if err != nil {
		return err
	}
	et := azcore.ETagAny
	if _, err := s.userTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeReplace}); err != nil {
		if statusCode(err) == 404 {
			return domain.ErrUserNotFound
		}
		return err
	}
	return nil
}

func (s *Storage) ListUsers(ctx context.Context) ([]domain.User, error) {
	filter := "PartitionKey eq '" + userPartition + "'"
	pager := s.userTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	users := []domain.User{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			u, err := decodeUserEntity(e)
			if err != nil {
				return nil, err
			}
			users = append(users, u)
		}
	}
	return users, nil
}
