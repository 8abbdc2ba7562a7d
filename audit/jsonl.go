package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrSinkClosed is returned when appending to a closed file sink.
var ErrSinkClosed = errors.New("audit file is closed")

// FileSink appends events to a JSON lines file.
type FileSink struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// NewFileSink opens or creates the file at path, creating its directory if
// needed.
func NewFileSink(path string) (*FileSink, error) {
	if path == "" {
		return nil, fmt.Errorf("empty audit file path")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, err
	}

	return &FileSink{path: path, f: f}, nil
}

// Append writes the event as a single line.
func (s *FileSink) Append(_ context.Context, e *Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return ErrSinkClosed
	}

	_, err = s.f.Write(data)

	return err
}

// Events reads back every event of the loan, or of all loans if loanID is
// empty. Lines that fail to parse are skipped.
func (s *FileSink) Events(loanID string) ([]*Event, error) {
	s.mu.Lock()
	if s.f != nil {
		if err := s.f.Sync(); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	s.mu.Unlock()

	return ReadEvents(s.path, loanID)
}

// Close closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return nil
	}

	err := s.f.Close()
	s.f = nil

	return err
}

// ReadEvents parses an audit file written by FileSink.
func ReadEvents(path, loanID string) ([]*Event, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []*Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			log.Warnf("Skipping malformed audit line: %v", err)
			continue
		}

		if loanID == "" || e.LoanID == loanID {
			events = append(events, &e)
		}
	}

	return events, scanner.Err()
}
