package nudge

import (
	"context"
	"sync"
	"time"

	"jaquizy/internal/types"
)

// MemoryPromptLog is an in-process PromptLog. The desktop build uses it
// because prompt throttling is cosmetic there; losing the state on restart
// at worst shows one extra prompt.
type MemoryPromptLog struct {
	mu      sync.Mutex
	records map[string]types.PromptRecord
}

// NewMemoryPromptLog creates an empty MemoryPromptLog.
func NewMemoryPromptLog() *MemoryPromptLog {
	return &MemoryPromptLog{
		records: make(map[string]types.PromptRecord),
	}
}

// Last returns the user's prompt record, zero if never prompted.
func (m *MemoryPromptLog) Last(_ context.Context, userID string) (types.PromptRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[userID]
	if !ok {
		return types.PromptRecord{UserID: userID}, nil
	}
	return record, nil
}

// MarkShown records that a prompt was shown at the given time.
func (m *MemoryPromptLog) MarkShown(_ context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record := m.records[userID]
	record.UserID = userID
	record.LastShownAt = at.UTC()
	record.ShownCount++
	m.records[userID] = record
	return nil
}
