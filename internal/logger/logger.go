// Package logger provides the node's logging setup: a zap logger writing to
// stderr and to a thread-safe in-memory ring of recent messages that the API
// serves to dashboards.
package logger

import (
	"sync"
	"time"
)

// Message represents a single log message
type Message struct {
	Timestamp time.Time         `json:"timestamp"`
	Text      string            `json:"text"`
	Level     string            `json:"level"` // debug, info, warn, error
	Fields    map[string]string `json:"fields,omitempty"`
}

// Ring keeps the most recent log messages
type Ring struct {
	mu       sync.RWMutex
	messages []Message
	maxSize  int
}

// NewRing creates a ring with specified max message count
func NewRing(maxSize int) *Ring {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Ring{
		messages: make([]Message, 0, maxSize),
		maxSize:  maxSize,
	}
}

// Add appends a message, dropping the oldest once full
func (r *Ring) Add(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = append(r.messages, msg)

	// Keep only the last maxSize messages
	if len(r.messages) > r.maxSize {
		r.messages = r.messages[len(r.messages)-r.maxSize:]
	}
}

// GetRecent returns the most recent n messages (newest first)
func (r *Ring) GetRecent(n int) []Message {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > len(r.messages) || n < 0 {
		n = len(r.messages)
	}

	result := make([]Message, n)
	for i := 0; i < n; i++ {
		result[i] = r.messages[len(r.messages)-1-i]
	}

	return result
}

// GetAll returns all messages (newest first)
func (r *Ring) GetAll() []Message {
	return r.GetRecent(-1)
}

// Len returns the number of buffered messages
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.messages)
}
