package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/hpcbootstrap/slurmctld-converger/controller/convergence"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"gopkg.in/yaml.v3"
)

type FileSourceOptions struct {
	Logger *zap.Logger
	Path   string
}

// FileSource serves operator settings from a flat JSON or YAML file and
// reloads them whenever the file changes.  A file which cannot be parsed
// keeps the previous settings in place.
type FileSource struct {
	logger *zap.Logger
	path   string
	watch  *fsnotify.Watcher

	lock        sync.Mutex
	settings    map[string]string
	subscribers map[uuid.UUID]func()
}

var _ convergence.SettingsSource = (*FileSource)(nil)

func NewFileSource(opts *FileSourceOptions) (*FileSource, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &FileSource{
		logger:      logger,
		path:        opts.Path,
		subscribers: make(map[uuid.UUID]func()),
	}

	settings, err := readSettingsFile(opts.Path)
	if err != nil {
		return nil, err
	}
	s.settings = settings

	watch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create settings watcher: %w", err)
	}

	// editors and config management replace files rather than writing them in
	// place, so the directory is watched and events are filtered by name
	err = watch.Add(filepath.Dir(opts.Path))
	if err != nil {
		_ = watch.Close()
		return nil, fmt.Errorf("failed to watch settings directory: %w", err)
	}
	s.watch = watch

	go s.watchLoop()

	return s, nil
}

func readSettingsFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	// JSON is a subset of YAML, so one decoder serves both formats
	settings := map[string]string{}
	err = yaml.Unmarshal(data, &settings)
	if err != nil {
		return nil, fmt.Errorf("failed to parse settings file: %w", err)
	}

	return settings, nil
}

func (s *FileSource) watchLoop() {
	target := filepath.Clean(s.path)

	for {
		select {
		case event, ok := <-s.watch.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}

			s.Reload()
		case err, ok := <-s.watch.Errors:
			if !ok {
				return
			}
			s.logger.Warn("settings watcher error", zap.Error(err))
		}
	}
}

// Reload rereads the file and notifies subscribers when the settings changed.
func (s *FileSource) Reload() {
	settings, err := readSettingsFile(s.path)
	if err != nil {
		s.logger.Error("failed to reload operator settings, keeping previous values", zap.Error(err))
		return
	}

	s.lock.Lock()
	if maps.Equal(settings, s.settings) {
		s.lock.Unlock()
		return
	}
	s.settings = settings
	callbacks := make([]func(), 0, len(s.subscribers))
	for _, cb := range s.subscribers {
		callbacks = append(callbacks, cb)
	}
	s.lock.Unlock()

	s.logger.Info("operator settings changed", zap.Int("keys", len(settings)))

	for _, cb := range callbacks {
		cb()
	}
}

func (s *FileSource) Settings() map[string]string {
	s.lock.Lock()
	settings := maps.Clone(s.settings)
	s.lock.Unlock()
	return settings
}

// OnChange registers cb to be invoked after every change.  The returned
// function removes the registration.
func (s *FileSource) OnChange(cb func()) func() {
	id := uuid.New()

	s.lock.Lock()
	s.subscribers[id] = cb
	s.lock.Unlock()

	return func() {
		s.lock.Lock()
		delete(s.subscribers, id)
		s.lock.Unlock()
	}
}

func (s *FileSource) Close() error {
	return s.watch.Close()
}
