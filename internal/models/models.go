// Package models defines the data structures shared by the queue stores, lock managers,
// the recovery engine and the admin API.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultMaxRetries is the retry ceiling applied when an enqueue request does not set one.
const DefaultMaxRetries = 5

// MaxErrorHistory bounds the number of error strings kept on an entry.
const MaxErrorHistory = 20

// Direction selects one of the two independently persisted queues.
type Direction string

const (
	// DirectionInbound holds messages received from channels awaiting processing.
	DirectionInbound Direction = "inbound"
	// DirectionOutbound holds replies awaiting delivery.
	DirectionOutbound Direction = "outbound"
)

// Directions lists every supported direction in a stable order.
var Directions = []Direction{DirectionInbound, DirectionOutbound}

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionInbound || d == DirectionOutbound
}

// ParseDirection converts user input to a Direction.
func ParseDirection(s string) (Direction, error) {
	d := Direction(s)
	if !d.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownDirection, s)
	}
	return d, nil
}

// EntryStatus is the processing state of a queue entry.
type EntryStatus string

const (
	// StatusPending marks an entry that is waiting to be processed.
	StatusPending EntryStatus = "pending"
	// StatusProcessing marks an entry handed to a processing function.
	StatusProcessing EntryStatus = "processing"
)

// ChatType distinguishes direct and group conversations.
type ChatType string

const (
	ChatTypeDM    ChatType = "dm"
	ChatTypeGroup ChatType = "group"
)

// QueueEntry is a single durable message in a queue. Once enqueued it is owned by the store;
// callers receive copies.
type QueueEntry struct {
	ID         string
	EnqueuedAt time.Time
	Direction  Direction
	SessionID  string

	Channel string
	// Address is the sender for inbound entries and the recipient for outbound entries.
	Address       string
	AccountID     string
	ChatID        string
	ChatType      ChatType
	ThreadID      string
	ReplyToID     string
	Body          string
	MediaURLs     []string
	MentionedJIDs []string
	Payloads      json.RawMessage
	Metadata      map[string]any

	BestEffort  bool
	GifPlayback bool
	Silent      bool

	Status              EntryStatus
	RetryCount          int
	MaxRetries          int
	NextRetryAt         time.Time
	LastError           string
	ErrorHistory        []string
	ProcessingStartedAt time.Time
}

// Exhausted reports whether the entry has used up its retries.
func (e QueueEntry) Exhausted() bool {
	return e.RetryCount >= e.MaxRetries
}

// RecordError appends msg to the entry's error history, keeping the most recent entries.
func (e *QueueEntry) RecordError(msg string) {
	e.LastError = msg
	e.ErrorHistory = append(e.ErrorHistory, msg)
	if len(e.ErrorHistory) > MaxErrorHistory {
		e.ErrorHistory = e.ErrorHistory[len(e.ErrorHistory)-MaxErrorHistory:]
	}
}

// entryJSON is the on-disk shape of a QueueEntry. Timestamps are unix milliseconds and the
// address is written as "from" or "to" depending on direction.
type entryJSON struct {
	ID                  string          `json:"id"`
	EnqueuedAt          int64           `json:"enqueuedAt"`
	Direction           Direction       `json:"direction,omitempty"`
	Channel             string          `json:"channel"`
	From                string          `json:"from,omitempty"`
	To                  string          `json:"to,omitempty"`
	AccountID           string          `json:"accountId,omitempty"`
	SessionID           string          `json:"sessionId"`
	ChatID              string          `json:"chatId,omitempty"`
	ChatType            ChatType        `json:"chatType,omitempty"`
	ThreadID            string          `json:"threadId,omitempty"`
	ReplyToID           string          `json:"replyToId,omitempty"`
	Body                string          `json:"body,omitempty"`
	MediaURLs           []string        `json:"mediaUrls,omitempty"`
	MentionedJIDs       []string        `json:"mentionedJids,omitempty"`
	Payloads            json.RawMessage `json:"payloads,omitempty"`
	Metadata            map[string]any  `json:"metadata,omitempty"`
	BestEffort          bool            `json:"bestEffort,omitempty"`
	GifPlayback         bool            `json:"gifPlayback,omitempty"`
	Silent              bool            `json:"silent,omitempty"`
	Status              EntryStatus     `json:"status,omitempty"`
	RetryCount          int             `json:"retryCount"`
	MaxRetries          int             `json:"maxRetries"`
	NextRetryAt         int64           `json:"nextRetryAt,omitempty"`
	LastError           string          `json:"lastError,omitempty"`
	ErrorHistory        []string        `json:"errorHistory,omitempty"`
	ProcessingStartedAt int64           `json:"processingStartedAt,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e QueueEntry) MarshalJSON() ([]byte, error) {
	j := entryJSON{
		ID:                  e.ID,
		EnqueuedAt:          UnixMilli(e.EnqueuedAt),
		Direction:           e.Direction,
		Channel:             e.Channel,
		AccountID:           e.AccountID,
		SessionID:           e.SessionID,
		ChatID:              e.ChatID,
		ChatType:            e.ChatType,
		ThreadID:            e.ThreadID,
		ReplyToID:           e.ReplyToID,
		Body:                e.Body,
		MediaURLs:           e.MediaURLs,
		MentionedJIDs:       e.MentionedJIDs,
		Payloads:            e.Payloads,
		Metadata:            e.Metadata,
		BestEffort:          e.BestEffort,
		GifPlayback:         e.GifPlayback,
		Silent:              e.Silent,
		Status:              e.Status,
		RetryCount:          e.RetryCount,
		MaxRetries:          e.MaxRetries,
		NextRetryAt:         UnixMilli(e.NextRetryAt),
		LastError:           e.LastError,
		ErrorHistory:        e.ErrorHistory,
		ProcessingStartedAt: UnixMilli(e.ProcessingStartedAt),
	}
	if e.Direction == DirectionOutbound {
		j.To = e.Address
	} else {
		j.From = e.Address
	}
	return json.Marshal(j)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *QueueEntry) UnmarshalJSON(data []byte) error {
	var j entryJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*e = QueueEntry{
		ID:                  j.ID,
		EnqueuedAt:          FromUnixMilli(j.EnqueuedAt),
		Direction:           j.Direction,
		SessionID:           j.SessionID,
		Channel:             j.Channel,
		AccountID:           j.AccountID,
		ChatID:              j.ChatID,
		ChatType:            j.ChatType,
		ThreadID:            j.ThreadID,
		ReplyToID:           j.ReplyToID,
		Body:                j.Body,
		MediaURLs:           j.MediaURLs,
		MentionedJIDs:       j.MentionedJIDs,
		Payloads:            j.Payloads,
		Metadata:            j.Metadata,
		BestEffort:          j.BestEffort,
		GifPlayback:         j.GifPlayback,
		Silent:              j.Silent,
		Status:              j.Status,
		RetryCount:          j.RetryCount,
		MaxRetries:          j.MaxRetries,
		NextRetryAt:         FromUnixMilli(j.NextRetryAt),
		LastError:           j.LastError,
		ErrorHistory:        j.ErrorHistory,
		ProcessingStartedAt: FromUnixMilli(j.ProcessingStartedAt),
	}
	e.Address = j.From
	if e.Address == "" {
		e.Address = j.To
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	if e.MaxRetries == 0 {
		e.MaxRetries = DefaultMaxRetries
	}
	return nil
}

// EnqueueParams describes a message to be queued.
type EnqueueParams struct {
	SessionID     string          `json:"sessionId"`
	Channel       string          `json:"channel"`
	Address       string          `json:"address"`
	AccountID     string          `json:"accountId,omitempty"`
	ChatID        string          `json:"chatId,omitempty"`
	ChatType      ChatType        `json:"chatType,omitempty"`
	ThreadID      string          `json:"threadId,omitempty"`
	ReplyToID     string          `json:"replyToId,omitempty"`
	Body          string          `json:"body,omitempty"`
	MediaURLs     []string        `json:"mediaUrls,omitempty"`
	MentionedJIDs []string        `json:"mentionedJids,omitempty"`
	Payloads      json.RawMessage `json:"payloads,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	BestEffort    bool            `json:"bestEffort,omitempty"`
	GifPlayback   bool            `json:"gifPlayback,omitempty"`
	Silent        bool            `json:"silent,omitempty"`
	MaxRetries    int             `json:"maxRetries,omitempty"`
}

// Validate checks that the fields every store requires are present.
func (p EnqueueParams) Validate() error {
	switch {
	case p.SessionID == "":
		return fmt.Errorf("%w: sessionId is required", ErrInvalidEntry)
	case p.Channel == "":
		return fmt.Errorf("%w: channel is required", ErrInvalidEntry)
	case p.Address == "":
		return fmt.Errorf("%w: address is required", ErrInvalidEntry)
	case p.MaxRetries < 0:
		return fmt.Errorf("%w: maxRetries must not be negative", ErrInvalidEntry)
	}
	return nil
}

// NewEntry builds a pending entry from p. The caller supplies the id and enqueue time.
func (p EnqueueParams) NewEntry(id string, dir Direction, now time.Time) QueueEntry {
	maxRetries := p.MaxRetries
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}
	return QueueEntry{
		ID:            id,
		EnqueuedAt:    TruncateMilli(now),
		Direction:     dir,
		SessionID:     p.SessionID,
		Channel:       p.Channel,
		Address:       p.Address,
		AccountID:     p.AccountID,
		ChatID:        p.ChatID,
		ChatType:      p.ChatType,
		ThreadID:      p.ThreadID,
		ReplyToID:     p.ReplyToID,
		Body:          p.Body,
		MediaURLs:     p.MediaURLs,
		MentionedJIDs: p.MentionedJIDs,
		Payloads:      p.Payloads,
		Metadata:      p.Metadata,
		BestEffort:    p.BestEffort,
		GifPlayback:   p.GifPlayback,
		Silent:        p.Silent,
		Status:        StatusPending,
		MaxRetries:    maxRetries,
	}
}

// EnqueueResult reports the outcome of an enqueue. Enqueue never fails with a Go error;
// a rejected write yields Queued=false and a description in Error.
type EnqueueResult struct {
	ID     string `json:"id,omitempty"`
	Queued bool   `json:"queued"`
	Error  string `json:"error,omitempty"`
}

// DequeueResult is returned by DequeueNext. Entry is nil when nothing was claimed; Locked
// is true when a due entry existed but its session was held by another worker.
type DequeueResult struct {
	Entry  *QueueEntry `json:"entry,omitempty"`
	Locked bool        `json:"locked"`
}

// DeadLetterEntry is the write-once record of an entry that exhausted its retries.
type DeadLetterEntry struct {
	ID            string     `json:"id"`
	OriginalEntry QueueEntry `json:"originalEntry"`
	FinalError    string     `json:"finalError"`
	ErrorHistory  []string   `json:"errorHistory,omitempty"`
	FailedAt      time.Time  `json:"failedAt"`
	RetryCount    int        `json:"retryCount"`
}

// NewDeadLetter builds the dead-letter record for entry. The final error is appended to the
// history unless it repeats the last recorded error.
func NewDeadLetter(entry QueueEntry, finalErr string, now time.Time) DeadLetterEntry {
	history := append([]string(nil), entry.ErrorHistory...)
	if finalErr != "" && (len(history) == 0 || history[len(history)-1] != finalErr) {
		history = append(history, finalErr)
	}
	return DeadLetterEntry{
		ID:            entry.ID,
		OriginalEntry: entry,
		FinalError:    finalErr,
		ErrorHistory:  history,
		FailedAt:      TruncateMilli(now),
		RetryCount:    entry.RetryCount,
	}
}

// ProcessingLock is a time-bounded claim on a (session, direction) pair.
type ProcessingLock struct {
	SessionID string    `json:"sessionId"`
	Direction Direction `json:"direction"`
	WorkerID  string    `json:"workerId"`
	MessageID string    `json:"messageId,omitempty"`
	LockedAt  time.Time `json:"lockedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the lock may be taken over at now.
func (l ProcessingLock) Expired(now time.Time) bool {
	return l.ExpiresAt.Before(now)
}

// QueueMetrics is a point-in-time summary of one direction's queue.
type QueueMetrics struct {
	Direction       Direction `json:"direction"`
	Pending         int       `json:"pending"`
	Processing      int       `json:"processing"`
	DeadLetter      int       `json:"deadLetter"`
	OldestPendingAt time.Time `json:"oldestPendingAt,omitempty"`
}

// TruncateMilli drops sub-millisecond precision so timestamps survive a storage round trip.
func TruncateMilli(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.Truncate(time.Millisecond)
}

// UnixMilli returns t as unix milliseconds, or 0 for the zero time.
func UnixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMilli is the inverse of UnixMilli.
func FromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
