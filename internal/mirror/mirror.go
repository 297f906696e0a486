// Package mirror maintains a best-effort local backup of conversation
// turns alongside the primary session store. The mirror is a JSON file
// mapping session ids to ordered turn lists; it is never read on the
// serving path and the primary store stays authoritative when the two
// disagree.
//
// All file access funnels through a single writer goroutine, so
// concurrent sessions cannot interleave partial writes.
package mirror

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// Entry is one mirrored query/response pair.
type Entry struct {
	Query     string `json:"query"`
	Response  string `json:"response"`
	Timestamp string `json:"timestamp"`
}

// Strategy selects how sessions are partitioned across mirror files.
type Strategy int

const (
	// SharedFile keeps every session in one file.
	SharedFile Strategy = iota
	// PerUserFile keeps one file per user under a directory, so users
	// writing concurrently never touch the same file.
	PerUserFile
)

type opKind int

const (
	opAppend opKind = iota
	opRemove
)

type op struct {
	kind      opKind
	sessionID string
	userID    string
	entry     Entry
	reply     chan error
}

// Mirror is the file-backed conversation mirror.
type Mirror struct {
	path     string
	strategy Strategy
	ops      chan op
	done     chan struct{}

	mu     sync.Mutex
	closed bool
}

// New creates a Mirror at path and starts its writer goroutine. With
// PerUserFile, path is treated as a directory and created if missing;
// with SharedFile an empty mapping file is created if none exists.
func New(path string, strategy Strategy) (*Mirror, error) {
	if strategy == PerUserFile {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("mirror: create dir: %w", err)
		}
	} else {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
				return nil, fmt.Errorf("mirror: init file: %w", err)
			}
		}
	}

	m := &Mirror{
		path:     path,
		strategy: strategy,
		ops:      make(chan op, 64),
		done:     make(chan struct{}),
	}
	go m.writer()
	return m, nil
}

// Append records one turn for the given session. The error reports a
// mirror-local failure only; callers treat it as non-fatal.
func (m *Mirror) Append(sessionID, userID string, e Entry) error {
	return m.submit(op{kind: opAppend, sessionID: sessionID, userID: userID, entry: e})
}

// Remove drops all mirrored turns for the given session.
func (m *Mirror) Remove(sessionID, userID string) error {
	return m.submit(op{kind: opRemove, sessionID: sessionID, userID: userID})
}

// Close stops the writer goroutine after the queued operations drain.
// Later Append and Remove calls fail without touching the file.
func (m *Mirror) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.ops)
	m.mu.Unlock()
	<-m.done
}

func (m *Mirror) submit(o op) error {
	o.reply = make(chan error, 1)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("mirror: closed")
	}
	m.ops <- o
	m.mu.Unlock()

	return <-o.reply
}

func (m *Mirror) writer() {
	defer close(m.done)
	for o := range m.ops {
		var err error
		switch o.kind {
		case opAppend:
			err = m.apply(o, func(hist map[string][]Entry) {
				hist[o.sessionID] = append(hist[o.sessionID], o.entry)
			})
		case opRemove:
			err = m.apply(o, func(hist map[string][]Entry) {
				delete(hist, o.sessionID)
			})
		}
		o.reply <- err
	}
}

// apply loads the target file, mutates the session map, and writes it
// back. Load failures on a corrupt file reset to an empty map rather
// than wedging the mirror.
func (m *Mirror) apply(o op, mutate func(map[string][]Entry)) error {
	path := m.fileFor(o.userID)

	hist, err := load(path)
	if err != nil {
		log.Printf("[mirror] reset %s: %v", path, err)
		hist = make(map[string][]Entry)
	}

	mutate(hist)

	data, err := json.MarshalIndent(hist, "", "    ")
	if err != nil {
		return fmt.Errorf("mirror: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("mirror: write %s: %w", path, err)
	}
	return nil
}

func (m *Mirror) fileFor(userID string) string {
	if m.strategy == PerUserFile {
		return filepath.Join(m.path, userID+".json")
	}
	return m.path
}

func load(path string) (map[string][]Entry, error) {
	hist := make(map[string][]Entry)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return hist, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return hist, nil
	}
	if err := json.Unmarshal(data, &hist); err != nil {
		return nil, err
	}
	return hist, nil
}
