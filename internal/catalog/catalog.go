// Package catalog serves the fixed set of study tasks and renders their
// descriptions for terminal and HTML output.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/promptlab/internal/storage"
)

// TaskStore defines the storage operations the Catalog needs.
// Implemented by storage.Store.
type TaskStore interface {
	GetTask(ctx context.Context, id int) (storage.Task, error)
	ListTasks(ctx context.Context) ([]storage.Task, error)
	UpsertTasks(ctx context.Context, tasks []storage.Task) error
}

// Catalog provides read access to tasks and an operator import path.
type Catalog struct {
	store TaskStore
}

func New(store TaskStore) *Catalog {
	return &Catalog{store: store}
}

// Get returns the task with the given id, or storage.ErrNotFound.
func (c *Catalog) Get(ctx context.Context, id int) (storage.Task, error) {
	if id <= 0 {
		return storage.Task{}, fmt.Errorf("task %d: %w", id, storage.ErrNotFound)
	}
	t, err := c.store.GetTask(ctx, id)
	if err != nil {
		return storage.Task{}, fmt.Errorf("task %d: %w", id, err)
	}
	return t, nil
}

// List returns all tasks ordered by id.
func (c *Catalog) List(ctx context.Context) ([]storage.Task, error) {
	tasks, err := c.store.ListTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	if tasks == nil {
		tasks = []storage.Task{}
	}
	return tasks, nil
}

// taskFile is the on-disk YAML layout:
//
//	tasks:
//	  - id: 1
//	    name: Warm-up
//	    description: "Line one\nLine **two**"
type taskFile struct {
	Tasks []storage.Task `yaml:"tasks"`
}

// ErrInvalidTaskFile is returned when an import file fails validation.
var ErrInvalidTaskFile = errors.New("invalid task file")

// Import parses a YAML task list from r and upserts every task in one
// batch. Nothing is written if any entry fails validation or the store
// rejects the batch.
func (c *Catalog) Import(ctx context.Context, r io.Reader) (int, error) {
	var f taskFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("%w: empty document", ErrInvalidTaskFile)
		}
		return 0, fmt.Errorf("%w: %v", ErrInvalidTaskFile, err)
	}

	seen := make(map[int]bool, len(f.Tasks))
	for i, t := range f.Tasks {
		switch {
		case t.ID <= 0:
			return 0, fmt.Errorf("%w: entry %d has id %d", ErrInvalidTaskFile, i, t.ID)
		case strings.TrimSpace(t.Name) == "":
			return 0, fmt.Errorf("%w: task %d has no name", ErrInvalidTaskFile, t.ID)
		case seen[t.ID]:
			return 0, fmt.Errorf("%w: duplicate task id %d", ErrInvalidTaskFile, t.ID)
		}
		seen[t.ID] = true
	}

	if err := c.store.UpsertTasks(ctx, f.Tasks); err != nil {
		return 0, fmt.Errorf("importing tasks: %w", err)
	}
	return len(f.Tasks), nil
}

// ImportFile is Import over the file at path.
func (c *Catalog) ImportFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening task file: %w", err)
	}
	defer f.Close()
	return c.Import(ctx, f)
}

var boldPattern = regexp.MustCompile(`\*\*(.+?)\*\*`)

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

// unescapeNewlines turns the two-character sequence `\n` into a newline.
func unescapeNewlines(desc string) string {
	return strings.ReplaceAll(desc, `\n`, "\n")
}

// PlainDescription renders desc for a terminal: escaped newlines become real
// ones and bold markers are dropped.
func PlainDescription(desc string) string {
	if desc == "" {
		return ""
	}
	return boldPattern.ReplaceAllString(unescapeNewlines(desc), "$1")
}

// HTMLDescription renders desc as an HTML fragment safe to embed in a page.
func HTMLDescription(desc string) string {
	if desc == "" {
		return ""
	}
	text := htmlEscaper.Replace(unescapeNewlines(desc))
	text = boldPattern.ReplaceAllString(text, "<strong>$1</strong>")
	return strings.ReplaceAll(text, "\n", "<br />")
}
