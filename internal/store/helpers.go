package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/MsgQueue/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nilIfZero maps 0 to NULL for nullable millisecond columns.
func nilIfZero(ms int64) interface{} {
	if ms == 0 {
		return nil
	}
	return ms
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// entryPayload holds the structured fields of an entry in the payload column.
type entryPayload struct {
	MediaURLs     []string        `json:"mediaUrls,omitempty"`
	MentionedJIDs []string        `json:"mentionedJids,omitempty"`
	Payloads      json.RawMessage `json:"payloads,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

// entryRow mirrors one row of a <direction>_message_queue table.
type entryRow struct {
	ID                  string         `db:"id"`
	SessionID           string         `db:"session_id"`
	Channel             string         `db:"channel"`
	Address             string         `db:"address"`
	AccountID           sql.NullString `db:"account_id"`
	ChatID              sql.NullString `db:"chat_id"`
	ChatType            sql.NullString `db:"chat_type"`
	ThreadID            sql.NullString `db:"thread_id"`
	ReplyToID           sql.NullString `db:"reply_to_id"`
	Body                sql.NullString `db:"body"`
	Payload             sql.NullString `db:"payload"`
	BestEffort          int            `db:"best_effort"`
	GifPlayback         int            `db:"gif_playback"`
	Silent              int            `db:"silent"`
	Status              string         `db:"status"`
	CreatedAt           int64          `db:"created_at"`
	ProcessingStartedAt sql.NullInt64  `db:"processing_started_at"`
	RetryCount          int            `db:"retry_count"`
	MaxRetries          int            `db:"max_retries"`
	NextRetryAt         sql.NullInt64  `db:"next_retry_at"`
	Error               sql.NullString `db:"error"`
	ErrorHistory        sql.NullString `db:"error_history"`
}

// insertRow carries the bind values for an INSERT; NULL columns are nil.
type insertRow struct {
	ID, SessionID, Channel, Address                  string
	AccountID, ChatID, ChatType, ThreadID, ReplyToID interface{}
	Body, Payload, Error, ErrorHistory               interface{}
	BestEffort, GifPlayback, Silent                  int
	Status                                           string
	CreatedAt                                        int64
	ProcessingStartedAt, NextRetryAt                 interface{}
	RetryCount, MaxRetries                           int
}

func rowFromEntry(e models.QueueEntry) (insertRow, error) {
	var payload interface{}
	p := entryPayload{MediaURLs: e.MediaURLs, MentionedJIDs: e.MentionedJIDs, Payloads: e.Payloads, Metadata: e.Metadata}
	if len(p.MediaURLs) > 0 || len(p.MentionedJIDs) > 0 || len(p.Payloads) > 0 || len(p.Metadata) > 0 {
		data, err := json.Marshal(p)
		if err != nil {
			return insertRow{}, fmt.Errorf("failed to encode payload for %s: %w", e.ID, err)
		}
		payload = string(data)
	}
	history, err := encodeHistory(e.ErrorHistory)
	if err != nil {
		return insertRow{}, err
	}
	status := e.Status
	if status == "" {
		status = models.StatusPending
	}
	maxRetries := e.MaxRetries
	if maxRetries == 0 {
		maxRetries = models.DefaultMaxRetries
	}
	return insertRow{
		ID:                  e.ID,
		SessionID:           e.SessionID,
		Channel:             e.Channel,
		Address:             e.Address,
		AccountID:           nilIfEmpty(e.AccountID),
		ChatID:              nilIfEmpty(e.ChatID),
		ChatType:            nilIfEmpty(string(e.ChatType)),
		ThreadID:            nilIfEmpty(e.ThreadID),
		ReplyToID:           nilIfEmpty(e.ReplyToID),
		Body:                nilIfEmpty(e.Body),
		Payload:             payload,
		Error:               nilIfEmpty(e.LastError),
		ErrorHistory:        history,
		BestEffort:          boolInt(e.BestEffort),
		GifPlayback:         boolInt(e.GifPlayback),
		Silent:              boolInt(e.Silent),
		Status:              string(status),
		CreatedAt:           models.UnixMilli(e.EnqueuedAt),
		ProcessingStartedAt: nilIfZero(models.UnixMilli(e.ProcessingStartedAt)),
		NextRetryAt:         nilIfZero(models.UnixMilli(e.NextRetryAt)),
		RetryCount:          e.RetryCount,
		MaxRetries:          maxRetries,
	}, nil
}

func (r entryRow) toEntry(dir models.Direction) (models.QueueEntry, error) {
	e := models.QueueEntry{
		ID:                  r.ID,
		EnqueuedAt:          models.FromUnixMilli(r.CreatedAt),
		Direction:           dir,
		SessionID:           r.SessionID,
		Channel:             r.Channel,
		Address:             r.Address,
		AccountID:           r.AccountID.String,
		ChatID:              r.ChatID.String,
		ChatType:            models.ChatType(r.ChatType.String),
		ThreadID:            r.ThreadID.String,
		ReplyToID:           r.ReplyToID.String,
		Body:                r.Body.String,
		BestEffort:          r.BestEffort != 0,
		GifPlayback:         r.GifPlayback != 0,
		Silent:              r.Silent != 0,
		Status:              models.EntryStatus(r.Status),
		RetryCount:          r.RetryCount,
		MaxRetries:          r.MaxRetries,
		NextRetryAt:         models.FromUnixMilli(r.NextRetryAt.Int64),
		LastError:           r.Error.String,
		ProcessingStartedAt: models.FromUnixMilli(r.ProcessingStartedAt.Int64),
	}
	if r.Payload.Valid && r.Payload.String != "" {
		var p entryPayload
		if err := json.Unmarshal([]byte(r.Payload.String), &p); err != nil {
			return e, fmt.Errorf("%w: payload of %s: %v", models.ErrInvalidEntry, r.ID, err)
		}
		e.MediaURLs, e.MentionedJIDs, e.Payloads, e.Metadata = p.MediaURLs, p.MentionedJIDs, p.Payloads, p.Metadata
	}
	history, err := decodeHistory(r.ErrorHistory)
	if err != nil {
		return e, fmt.Errorf("%w: error history of %s: %v", models.ErrInvalidEntry, r.ID, err)
	}
	e.ErrorHistory = history
	return e, nil
}

// deadLetterRow mirrors one row of a <direction>_dead_letter table.
type deadLetterRow struct {
	ID              string         `db:"id"`
	SessionID       string         `db:"session_id"`
	OriginalMessage string         `db:"original_message"`
	FinalError      sql.NullString `db:"final_error"`
	ErrorHistory    sql.NullString `db:"error_history"`
	FailedAt        int64          `db:"failed_at"`
	RetryCount      int            `db:"retry_count"`
}

func (r deadLetterRow) toDeadLetter(dir models.Direction) (models.DeadLetterEntry, error) {
	dl := models.DeadLetterEntry{
		ID:         r.ID,
		FinalError: r.FinalError.String,
		FailedAt:   models.FromUnixMilli(r.FailedAt),
		RetryCount: r.RetryCount,
	}
	if err := json.Unmarshal([]byte(r.OriginalMessage), &dl.OriginalEntry); err != nil {
		return dl, fmt.Errorf("%w: original message of dead letter %s: %v", models.ErrInvalidEntry, r.ID, err)
	}
	dl.OriginalEntry.Direction = dir
	history, err := decodeHistory(r.ErrorHistory)
	if err != nil {
		return dl, fmt.Errorf("%w: error history of dead letter %s: %v", models.ErrInvalidEntry, r.ID, err)
	}
	dl.ErrorHistory = history
	return dl, nil
}

func encodeHistory(history []string) (interface{}, error) {
	if len(history) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(history)
	if err != nil {
		return nil, fmt.Errorf("failed to encode error history: %w", err)
	}
	return string(data), nil
}

func decodeHistory(s sql.NullString) ([]string, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var history []string
	if err := json.Unmarshal([]byte(s.String), &history); err != nil {
		return nil, err
	}
	return history, nil
}
