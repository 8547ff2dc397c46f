package approval

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"coderelay/internal/logging"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Policy extends the built-in classification table. Names listed under safe
// are auto-approved unless they collide with the built-in destructive set.
type Policy struct {
	Safe        []string `yaml:"safe"`
	Destructive []string `yaml:"destructive"`
}

// LoadPolicy reads a policy file. A missing file yields an empty policy.
func LoadPolicy(path string) (Policy, error) {
	var p Policy
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return p, fmt.Errorf("read policy %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse policy %s: %w", path, err)
	}
	return p, nil
}

// PolicyWatcher watches the policy file and reapplies it to a classifier on
// change. Rapid saves are debounced.
type PolicyWatcher struct {
	mu         sync.Mutex
	watcher    *fsnotify.Watcher
	classifier *Classifier
	path       string
	lastEvent  time.Time
	stopCh     chan struct{}
	doneCh     chan struct{}
	running    bool
}

// NewPolicyWatcher creates a watcher for the given policy path. The initial
// policy is loaded and applied immediately.
func NewPolicyWatcher(path string, classifier *Classifier) (*PolicyWatcher, error) {
	p, err := LoadPolicy(path)
	if err != nil {
		return nil, err
	}
	classifier.SetPolicy(p)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &PolicyWatcher{
		watcher:    w,
		classifier: classifier,
		path:       path,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; reload runs in a goroutine.
func (w *PolicyWatcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	// Watch the directory: editors replace files on save, which drops the
	// watch if the file itself is watched.
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch policy dir: %w", err)
	}

	go w.loop()
	return nil
}

func (w *PolicyWatcher) loop() {
	defer close(w.doneCh)
	const debounce = 500 * time.Millisecond

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			w.mu.Lock()
			if time.Since(w.lastEvent) < debounce {
				w.mu.Unlock()
				continue
			}
			w.lastEvent = time.Now()
			w.mu.Unlock()

			p, err := LoadPolicy(w.path)
			if err != nil {
				logging.Get(logging.CategoryApproval).Warn("policy reload failed: %v", err)
				continue
			}
			w.classifier.SetPolicy(p)
			logging.Approval("policy reloaded from %s", w.path)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryApproval).Warn("policy watcher error: %v", err)
		}
	}
}

// Stop terminates the watcher. Idempotent.
func (w *PolicyWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	w.watcher.Close()
	<-w.doneCh
}
