package notifier

import (
	"context"
	"time"
)

// Config controls the notification pipeline.
type Config struct {
	Enabled       bool
	ChatID        int64
	ThreadID      int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	DedupWindow   time.Duration
	PersistDedup  bool
}

// Message is one rendered notification.
type Message struct {
	ChatID   int64
	ThreadID int
	Text     string
}

// Sender delivers messages to a chat platform.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}
