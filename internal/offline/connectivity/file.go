package connectivity

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FileSource derives connectivity from a flag file.
//
// The file being present means online unless its content is "offline", "0"
// or "false". A missing file means offline. This lets the host platform, a
// network manager hook, or a test toggle connectivity with a plain write.
type FileSource struct {
	path    string
	monitor *Monitor
	logger  *zap.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewFileSource creates a source for the flag file at path.
// The source must be started with Start (or Run) before it reports anything.
func NewFileSource(monitor *Monitor, path string, logger *zap.Logger) (*FileSource, error) {
	if monitor == nil {
		return nil, fmt.Errorf("monitor cannot be nil")
	}
	if path == "" {
		return nil, fmt.Errorf("flag file path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve flag file %s: %w", path, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileSource{
		path:    abs,
		monitor: monitor,
		logger:  logger.Named("flagfile"),
		watcher: watcher,
		done:    make(chan struct{}),
	}, nil
}

// ReadFlag classifies the current flag file contents.
func ReadFlag(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read flag file %s: %w", path, err)
	}

	switch strings.ToLower(strings.TrimSpace(string(data))) {
	case "offline", "0", "false":
		return false, nil
	default:
		return true, nil
	}
}

// Start begins watching the flag file's directory and applies the current
// state to the monitor immediately.
func (s *FileSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("flag file source already running")
	}

	// Watch the directory: the flag file itself may not exist yet, and
	// editors replace files by rename.
	dir := filepath.Dir(s.path)
	if err := s.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	s.apply()

	s.running = true
	s.wg.Add(1)
	go s.processEvents()

	s.logger.Info("watching connectivity flag file", zap.String("path", s.path))
	return nil
}

// Stop stops watching and blocks until the event loop has exited.
func (s *FileSource) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.done)

	if err := s.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Run starts the source and stops it when ctx is cancelled.
func (s *FileSource) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// IsRunning returns true if the source is currently watching.
func (s *FileSource) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *FileSource) processEvents() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			s.apply()

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("flag file watcher error", zap.Error(err))
		}
	}
}

func (s *FileSource) apply() {
	online, err := ReadFlag(s.path)
	if err != nil {
		s.logger.Warn("cannot classify flag file", zap.Error(err))
		return
	}
	s.monitor.Set(online)
}
