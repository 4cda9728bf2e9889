package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/vango-dev/duet/pkg/protocol"
)

// FileStore keeps one append-only archive document per session in a
// directory. Files are named <sessionID>.json and can be read while a
// session is still writing to them.
type FileStore struct {
	mu      sync.Mutex
	dir     string
	writers map[string]*fileWriter
	closed  bool
}

// fileWriter tracks the document state of one session file.
type fileWriter struct {
	w        protocol.ArchiveWriter
	complete bool
}

// NewFileStore creates a file store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session: create archive dir: %w", err)
	}
	return &FileStore{
		dir:     dir,
		writers: make(map[string]*fileWriter),
	}, nil
}

// Dir returns the archive directory.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(sessionID string) (string, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) || sessionID == "." || sessionID == ".." {
		return "", fmt.Errorf("session: invalid session id %q", sessionID)
	}
	return filepath.Join(s.dir, sessionID+".json"), nil
}

// writer returns the writer for a session, recovering the state of an
// existing file the first time the session is touched by this process.
func (s *FileStore) writer(path, sessionID string) (*fileWriter, error) {
	if fw, ok := s.writers[sessionID]; ok {
		return fw, nil
	}

	fw := &fileWriter{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		a, err := protocol.ParseArchive(data)
		if err != nil {
			return nil, err
		}
		if !a.Complete {
			// Drop any partial trailing entry before appending after it.
			if err := s.rewrite(path, a.Events); err != nil {
				return nil, err
			}
		}
		fw.w.Resume(len(a.Events))
		fw.complete = a.Complete
	}
	s.writers[sessionID] = fw
	return fw, nil
}

// rewrite replaces the file with an open document holding events.
func (s *FileStore) rewrite(path string, events []protocol.Event) error {
	var w protocol.ArchiveWriter
	data, err := w.Append(events)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *FileStore) appendBytes(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Append adds events to the session's file.
func (s *FileStore) Append(ctx context.Context, sessionID string, events []protocol.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed{}
	}
	path, err := s.path(sessionID)
	if err != nil {
		return err
	}
	fw, err := s.writer(path, sessionID)
	if err != nil {
		return err
	}

	if fw.complete {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		a, err := protocol.ParseArchive(data)
		if err != nil {
			return err
		}
		if err := s.rewrite(path, a.Events); err != nil {
			return err
		}
		fw.complete = false
	}

	data, err := fw.w.Append(events)
	if err != nil {
		return err
	}
	return s.appendBytes(path, data)
}

// Complete appends the trailer to the session's file.
func (s *FileStore) Complete(ctx context.Context, sessionID string, channels []protocol.ChannelID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed{}
	}
	path, err := s.path(sessionID)
	if err != nil {
		return err
	}
	fw, err := s.writer(path, sessionID)
	if err != nil {
		return err
	}

	if fw.complete {
		// Replace the previous trailer.
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		a, err := protocol.ParseArchive(data)
		if err != nil {
			return err
		}
		if err := s.rewrite(path, a.Events); err != nil {
			return err
		}
	}

	data, err := fw.w.Trailer(channels)
	if err != nil {
		return err
	}
	if err := s.appendBytes(path, data); err != nil {
		return err
	}
	fw.complete = true
	return nil
}

// Read parses the session's file, recovering a truncated document.
func (s *FileStore) Read(ctx context.Context, sessionID string) (*protocol.Archive, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrStoreClosed{}
	}

	path, err := s.path(sessionID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return protocol.ParseArchive(data)
}

// Delete removes the session's file.
func (s *FileStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed{}
	}
	path, err := s.path(sessionID)
	if err != nil {
		return err
	}

	delete(s.writers, sessionID)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Close shuts down the store. Files are left in place.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.writers = nil
	return nil
}
