package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/avvvet/intentpilot/internal/effects"
	"github.com/avvvet/intentpilot/internal/models"
)

// Task commands
const (
	cmdCreate       = "task/create"
	cmdComplete     = "task/complete"
	cmdDelete       = "task/delete"
	cmdExport       = "tasks/export"
	cmdExportDone   = "tasks/export_done"
	cmdExportFailed = "tasks/export_failed"
)

var errUnknownTask = errors.New("unknown task")

type Task struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Done  bool   `json:"done"`
}

type export struct {
	Format string `json:"format"`
	Tasks  int    `json:"tasks"`
	Body   string `json:"-"`
}

// taskApp is a small in-memory todo list driven entirely by commands.
type taskApp struct {
	mu        sync.Mutex
	tasks     []Task
	nextID    int
	exporting bool
	exports   []export

	exportDelay time.Duration
	// emit reports the end of an export. It is set once the dispatcher
	// exists.
	emit func(ctx context.Context, cmd models.Command) error
}

func newTaskApp() *taskApp {
	return &taskApp{nextID: 1, exportDelay: 200 * time.Millisecond}
}

func taskCatalog() models.Catalog {
	idSchema := json.RawMessage(`{"type":"object","properties":{"id":{"type":"string","minLength":1}},"required":["id"]}`)
	return models.Catalog{
		cmdCreate: {
			Description:  "Create a new task with the given title",
			Keywords:     []string{"add", "new", "create"},
			ParamsSchema: json.RawMessage(`{"type":"object","properties":{"title":{"type":"string","minLength":1}},"required":["title"]}`),
		},
		cmdComplete: {
			Description:  "Mark an existing task as done, by id",
			Keywords:     []string{"done", "finish", "complete"},
			ParamsSchema: idSchema,
		},
		cmdDelete: {
			Description:  "Delete an existing task, by id",
			Keywords:     []string{"remove", "delete"},
			ParamsSchema: idSchema,
		},
		cmdExport: {
			Description:  "Export all tasks in the background",
			Keywords:     []string{"export", "backup"},
			ParamsSchema: json.RawMessage(`{"type":"object","properties":{"format":{"type":"string","enum":["json","text"]}}}`),
		},
	}
}

// exportDeclaration tells the tracker how an export starts and ends.
func exportDeclaration() effects.Declaration {
	return effects.Declaration{
		Start: []string{cmdExport},
		End:   []string{cmdExportDone},
		Fail:  []string{cmdExportFailed},
	}
}

func (a *taskApp) Apply(ctx context.Context, cmd models.Command) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	payload, _ := cmd.Payload.(map[string]any)
	switch cmd.Type {
	case cmdCreate:
		title, _ := payload["title"].(string)
		a.tasks = append(a.tasks, Task{ID: fmt.Sprintf("t%d", a.nextID), Title: title})
		a.nextID++
	case cmdComplete:
		i, err := a.indexOf(payload)
		if err != nil {
			return err
		}
		a.tasks[i].Done = true
	case cmdDelete:
		i, err := a.indexOf(payload)
		if err != nil {
			return err
		}
		a.tasks = append(a.tasks[:i], a.tasks[i+1:]...)
	case cmdExport:
		format, _ := payload["format"].(string)
		if format == "" {
			format = "json"
		}
		a.exporting = true
		go a.runExport(format, append([]Task(nil), a.tasks...))
	case cmdExportDone:
		a.exporting = false
		if e, ok := cmd.Payload.(export); ok {
			a.exports = append(a.exports, e)
		}
	case cmdExportFailed:
		a.exporting = false
	default:
		return fmt.Errorf("unsupported command %s", cmd.Type)
	}
	return nil
}

func (a *taskApp) indexOf(payload map[string]any) (int, error) {
	id, _ := payload["id"].(string)
	for i, t := range a.tasks {
		if t.ID == id {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %q", errUnknownTask, id)
}

func (a *taskApp) runExport(format string, tasks []Task) {
	time.Sleep(a.exportDelay)

	var body string
	switch format {
	case "text":
		lines := make([]string, len(tasks))
		for i, t := range tasks {
			mark := " "
			if t.Done {
				mark = "x"
			}
			lines[i] = fmt.Sprintf("[%s] %s %s", mark, t.ID, t.Title)
		}
		body = strings.Join(lines, "\n")
	default:
		data, _ := json.Marshal(tasks)
		body = string(data)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.emit != nil {
		_ = a.emit(ctx, models.Command{
			Type:    cmdExportDone,
			Payload: export{Format: format, Tasks: len(tasks), Body: body},
		})
	}
}

// Snapshot is the state shown to the backend.
func (a *taskApp) Snapshot() any {
	a.mu.Lock()
	defer a.mu.Unlock()

	tasks := make([]Task, len(a.tasks))
	copy(tasks, a.tasks)
	return map[string]any{
		"tasks":     tasks,
		"exporting": a.exporting,
		"exports":   len(a.exports),
	}
}

func (a *taskApp) lastExport() (export, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.exports) == 0 {
		return export{}, false
	}
	return a.exports[len(a.exports)-1], true
}
