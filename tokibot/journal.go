package tokibot

import (
	"github.com/lmittmann/tint"
	"log/slog"
	"time"
)

type ActionType string

const (
	ActionCreate     ActionType = "create"
	ActionReply      ActionType = "reply"
	ActionDelete     ActionType = "delete"
	ActionBan        ActionType = "ban"
	ActionUnban      ActionType = "unban"
	ActionSanction   ActionType = "sanction"
	ActionUnsanction ActionType = "unsanction"
	ActionExpire     ActionType = "expire"
)

// ActionLogEntry is one append-only audit record. Which of the optional
// fields are set depends on Type.
type ActionLogEntry struct {
	Type         ActionType `json:"type"`
	ConfessionID int64      `json:"confession_id,omitempty"`
	SubjectID    Snowflake  `json:"subject_id,omitempty"`
	ActorID      Snowflake  `json:"actor_id,omitempty"`
	Timestamp    UnixTime   `json:"timestamp"`

	// DurationSeconds is set for timed bans
	DurationSeconds int64     `json:"duration,omitempty"`
	Until           *UnixTime `json:"until,omitempty"`
	ReplyTo         int64     `json:"reply_to,omitempty"`
	ThreadID        Snowflake `json:"thread_id,omitempty"`
	Reason          string    `json:"reason,omitempty"`
}

func (e ActionLogEntry) LogValue() slog.Value {
	return structToSlogValue(e)
}

type journalDocument struct {
	Actions []ActionLogEntry `json:"actions"`
}

func newJournalDocument() journalDocument {
	return journalDocument{Actions: []ActionLogEntry{}}
}

// Journal appends ActionLogEntry records to a JSON document.
type Journal struct {
	store  *Store
	path   string
	now    func() time.Time
	logger *slog.Logger
}

func NewJournal(store *Store, path string, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{store: store, path: path, now: time.Now, logger: logger}
}

// Record appends entry, stamping it with the current time if it has none.
// Journal writes are independent of the change they describe: a failure
// here is logged and returned, never rolled back into the caller's state.
func (j *Journal) Record(entry ActionLogEntry) error {
	if j == nil {
		return nil
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = NewUnixTime(j.now())
	}
	err := Update(
		j.store,
		j.path,
		newJournalDocument,
		func(doc *journalDocument) (bool, error) {
			doc.Actions = append(doc.Actions, entry)
			return true, nil
		},
	)
	if err != nil {
		j.logger.Warn("unable to journal action", "action", entry, tint.Err(err))
		return err
	}
	j.logger.Debug("journaled action", "action", entry)
	return nil
}

// Entries returns every journaled action, oldest first.
func (j *Journal) Entries() []ActionLogEntry {
	return Load(j.store, j.path, newJournalDocument).Actions
}
