package routines

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.yaml.in/yaml/v3"
)

// Task statuses in the evolution backlog.
const (
	TaskPending    = "pending"
	TaskDispatched = "dispatched"
	TaskQueued     = "queued" // create deferred to the session queue
	TaskDone       = "done"
)

// Task is one improvement waiting for the nightly evolution routine.
type Task struct {
	ID           string    `yaml:"id"`
	Title        string    `yaml:"title"`
	Prompt       string    `yaml:"prompt"`
	Source       string    `yaml:"source,omitempty"`
	Status       string    `yaml:"status,omitempty"`
	SessionID    string    `yaml:"session_id,omitempty"`
	QueueEntryID string    `yaml:"queue_entry_id,omitempty"`
	DispatchedAt time.Time `yaml:"dispatched_at,omitempty"`
}

// Pending reports whether the task still needs a session.
func (t Task) Pending() bool {
	return t.Status == "" || t.Status == TaskPending
}

// Backlog is the YAML file the evolution routine consumes.
type Backlog struct {
	Tasks []Task `yaml:"tasks"`
}

// LoadBacklog reads path. A missing file is an empty backlog.
func LoadBacklog(path string) (*Backlog, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Backlog{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backlog: %w", err)
	}
	var b Backlog
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse backlog %s: %w", path, err)
	}
	return &b, nil
}

// Save writes the backlog through a temp file and rename.
func (b *Backlog) Save(path string) error {
	data, err := yaml.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode backlog: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".backlog-*.yaml")
	if err != nil {
		return fmt.Errorf("write backlog: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write backlog: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write backlog: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// NextPending returns the index of the first pending task, or -1.
func (b *Backlog) NextPending() int {
	for i, t := range b.Tasks {
		if t.Pending() {
			return i
		}
	}
	return -1
}
