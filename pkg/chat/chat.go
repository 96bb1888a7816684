// Package chat holds the server's in-memory chat history and its
// append-only disk log. Messages are plain UTF-8 text, with no rich
// formatting.
package chat

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Message is one chat line, as broadcast on the wire and as retained
// in history.
type Message struct {
	Username  string
	Text      string
	Timestamp time.Time
}

// MaxHistory bounds the in-memory ring so a long-lived server doesn't
// grow this without limit.
const MaxHistory = 1000

// History is the in-memory chat log plus an optional append-only disk
// mirror, bounded to the most recent MaxHistory messages.
type History struct {
	mu       sync.Mutex
	messages []Message
	file     *os.File
	writer   *bufio.Writer
}

// Open creates a History. If path is non-empty, every appended message
// is also written to it as "username:message\n", with any newlines in
// the message replaced by spaces.
func Open(path string) (*History, error) {
	h := &History{}
	if path == "" {
		return h, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("chat: open history file %s: %w", path, err)
	}
	h.file = f
	h.writer = bufio.NewWriter(f)
	return h, nil
}

// Append records a message in memory (trimming the oldest entry past
// MaxHistory) and, if a history file is open, flushes it to disk.
func (h *History) Append(msg Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.messages = append(h.messages, msg)
	if len(h.messages) > MaxHistory {
		h.messages = h.messages[len(h.messages)-MaxHistory:]
	}

	if h.writer == nil {
		return nil
	}
	flat := strings.ReplaceAll(strings.ReplaceAll(msg.Text, "\r\n", " "), "\n", " ")
	line := fmt.Sprintf("%s:%s\n", msg.Username, flat)
	if _, err := h.writer.WriteString(line); err != nil {
		return fmt.Errorf("chat: write history line: %w", err)
	}
	return h.writer.Flush()
}

// Recent returns a copy of up to n most recent messages, oldest first.
func (h *History) Recent(n int) []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n > len(h.messages) {
		n = len(h.messages)
	}
	out := make([]Message, n)
	copy(out, h.messages[len(h.messages)-n:])
	return out
}

// Close flushes and closes the history file, if one is open.
func (h *History) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.writer == nil {
		return nil
	}
	if err := h.writer.Flush(); err != nil {
		h.file.Close()
		return err
	}
	return h.file.Close()
}
