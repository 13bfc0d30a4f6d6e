package session

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// PendingNotification tracks one notification awaiting delivery.ack.
type PendingNotification struct {
	MessageID     uint64
	Kind          string
	ResourceID    string
	Attempts      int
	QueuedAt      time.Time
	LastAttemptAt time.Time
	AckDeadlineAt time.Time
	LastError     string
}

// Outbox stores pending notifications by message_id.
type Outbox struct {
	mu    sync.RWMutex
	items map[uint64]PendingNotification
}

func NewOutbox() *Outbox {
	return &Outbox{
		items: make(map[uint64]PendingNotification),
	}
}

func (o *Outbox) Upsert(item PendingNotification) {
	if item.MessageID == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[item.MessageID] = item
}

func (o *Outbox) MarkAttempt(messageID uint64, at time.Time, lastErr string) (PendingNotification, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[messageID]
	if !ok {
		return PendingNotification{}, false
	}
	item.Attempts++
	item.LastAttemptAt = at
	item.LastError = strings.TrimSpace(lastErr)
	o.items[messageID] = item
	return item, true
}

// RecordError stores the failure of the latest attempt without counting a
// new one.
func (o *Outbox) RecordError(messageID uint64, lastErr string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if item, ok := o.items[messageID]; ok {
		item.LastError = strings.TrimSpace(lastErr)
		o.items[messageID] = item
	}
}

func (o *Outbox) Remove(messageID uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.items, messageID)
}

func (o *Outbox) Get(messageID uint64) (PendingNotification, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	item, ok := o.items[messageID]
	return item, ok
}

func (o *Outbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.items)
}

func (o *Outbox) List() []PendingNotification {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PendingNotification, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].MessageID < out[j].MessageID
	})
	return out
}
