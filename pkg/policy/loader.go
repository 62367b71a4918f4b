package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/launchflow/launchflow/pkg/telemetry"
)

// Loader loads guardrail policies from .rego files and watches for changes.
type Loader struct {
	log     *telemetry.Logger
	watcher *fsnotify.Watcher
}

// NewLoader creates a policy loader.
func NewLoader(log *telemetry.Logger) *Loader {
	return &Loader{log: log.NewComponentLogger("policy-loader")}
}

// LoadDir loads every .rego file under a directory.
func (l *Loader) LoadDir(dir string) ([]Policy, error) {
	var policies []Policy
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".rego") {
			return nil
		}
		policy, err := l.loadFile(path)
		if err != nil {
			l.log.WithError(err).Warnf("skipping policy file %s", path)
			return nil
		}
		policies = append(policies, *policy)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk policy directory: %w", err)
	}
	l.log.Infof("loaded %d policies from %s", len(policies), dir)
	return policies, nil
}

// loadFile parses one .rego file into a Policy. Name comes from the file
// name, description from the leading comment block.
func (l *Loader) loadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: extractDescription(string(data)),
		Rego:        string(data),
		Severity:    SeverityError,
		Enabled:     true,
	}, nil
}

// Watch reloads the directory's policies into the engine whenever a .rego
// file changes. Events are debounced so an editor save storm triggers one
// reload. Returns after starting the background watcher.
func (l *Loader) Watch(ctx context.Context, dir string, apply func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	l.watcher = watcher

	go l.processEvents(ctx, dir, apply)
	l.log.Infof("watching %s for policy changes", dir)
	return nil
}

func (l *Loader) processEvents(ctx context.Context, dir string, apply func([]Policy) error) {
	var reloadTimer *time.Timer
	const reloadDelay = 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			l.watcher.Close()
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".rego") {
				continue
			}
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				policies, err := l.LoadDir(dir)
				if err != nil {
					l.log.WithError(err).Error("policy reload failed")
					return
				}
				if err := apply(policies); err != nil {
					l.log.WithError(err).Error("rejected reloaded policies")
				}
			})

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.log.WithError(err).Error("policy watcher error")
		}
	}
}

// extractDescription pulls the leading comment block out of Rego code.
func extractDescription(code string) string {
	var b strings.Builder
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
			if comment != "" {
				if b.Len() > 0 {
					b.WriteString(" ")
				}
				b.WriteString(comment)
			}
		} else if trimmed != "" {
			break
		}
	}
	return b.String()
}
