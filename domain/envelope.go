package domain

// ActivityEnvelope is the queue message announcing new activity on a task.
type ActivityEnvelope struct {
	TaskID    string             `json:"taskId"`
	Actor     string             `json:"actor"`
	Entries   []ActivityLogEntry `json:"entries"`
	Timestamp int64              `json:"timestamp"`
}

// NewActivityEnvelope stamps the envelope with a process-unique timestamp.
func NewActivityEnvelope(taskID, actor string, entries []ActivityLogEntry) ActivityEnvelope {
	return ActivityEnvelope{TaskID: taskID, Actor: actor, Entries: entries, Timestamp: nextTimestamp()}
}
