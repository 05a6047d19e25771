package coordinator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/exp/slog"
	"gopkg.in/yaml.v3"
)

// quotaFile is the YAML layout read by FileQuotas:
//
//	default:
//	  throughput: 1048576
//	  qps: 0
//	topics:
//	  orders:
//	    throughput: 10485760
//	    qps: 500
type quotaFile struct {
	Default TopicLimits            `yaml:"default"`
	Topics  map[string]TopicLimits `yaml:"topics"`
}

// FileQuotas serves quotas from a YAML file and can reload it when it changes.
type FileQuotas struct {
	path string

	mu     sync.RWMutex
	quotas *StaticQuotas
}

// NewFileQuotas loads path. The file must exist and parse.
func NewFileQuotas(path string) (*FileQuotas, error) {
	f := &FileQuotas{path: path}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *FileQuotas) Limits(ctx context.Context, topic string) (TopicLimits, error) {
	f.mu.RLock()
	quotas := f.quotas
	f.mu.RUnlock()
	return quotas.Limits(ctx, topic)
}

// Reload reads the file again. On error the previous quotas stay in place.
func (f *FileQuotas) Reload() error {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("reading quota file: %w", err)
	}
	var parsed quotaFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("parsing quota file %s: %w", f.path, err)
	}

	quotas := NewStaticQuotas(parsed.Default)
	for topic, limits := range parsed.Topics {
		quotas.Set(topic, limits)
	}

	f.mu.Lock()
	f.quotas = quotas
	f.mu.Unlock()
	return nil
}

// Watch reloads the file whenever it is written or replaced, until ctx is done.
// The directory is watched so editors that rename over the file are picked up.
func (f *FileQuotas) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating quota file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watching %s: %w", f.path, err)
	}
	name := filepath.Clean(f.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("quota file watcher closed")
			}
			if filepath.Clean(event.Name) != name || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := f.Reload(); err != nil {
				slog.Error("Error reloading quota file, keeping previous quotas", slog.Any("error", err))
				continue
			}
			slog.Info("Reloaded quota file", slog.String("path", f.path))
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("quota file watcher closed")
			}
			slog.Error("Quota file watcher error", slog.Any("error", err))
		}
	}
}
