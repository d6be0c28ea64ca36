package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/avvvet/intentpilot/internal/config"
	"github.com/avvvet/intentpilot/internal/dispatch"
	"github.com/avvvet/intentpilot/internal/effects"
	"github.com/avvvet/intentpilot/internal/handlers"
	"github.com/avvvet/intentpilot/internal/llm"
	"github.com/avvvet/intentpilot/internal/memory"
	"github.com/avvvet/intentpilot/internal/models"
)

// recentTurns is how many of the latest interactions are replayed as chat
// history on every question.
const recentTurns = 3

// session wires one task list to the runtime.
type session struct {
	app        *taskApp
	tracker    *effects.Tracker
	dispatcher *dispatch.Dispatcher
	handler    *handlers.IntentHandler
	store      *memory.Store
	retrieval  int
	logger     *logrus.Entry
}

func newSession(backend llm.Backend, store *memory.Store, cfg *config.Config, logger *logrus.Logger) *session {
	app := newTaskApp()

	tracker := effects.New(
		effects.WithTimeout(cfg.EffectTimeout),
		effects.WithLogger(config.Component(logger, "effects")),
	)
	tracker.Declare(exportDeclaration())

	d := dispatch.New(taskCatalog(), app,
		dispatch.WithRecorder(store),
		dispatch.WithTracker(tracker),
		dispatch.WithLogger(config.Component(logger, "dispatch")),
	)
	app.emit = d.Emit

	return &session{
		app:        app,
		tracker:    tracker,
		dispatcher: d,
		handler:    handlers.NewIntentHandler(backend, config.Component(logger, "runtime")),
		store:      store,
		retrieval:  cfg.RetrievalLimit,
		logger:     config.Component(logger, "taskbot"),
	}
}

// ask resolves input against the current task list and applies the result.
func (s *session) ask(ctx context.Context, input string) (*models.CompletionResponse, error) {
	params := models.QueryParams{Query: input}

	if s.retrieval > 0 {
		entries, err := s.store.RetrieveSimilar(ctx, input, s.retrieval)
		if err != nil {
			s.logger.WithError(err).Warn("Failed to retrieve similar interactions")
		} else if params.Conversations, err = memory.FormatHistory(ctx, entries); err != nil {
			s.logger.WithError(err).Warn("Failed to format history")
		}
	}

	if recent, err := s.recent(ctx); err != nil {
		s.logger.WithError(err).Warn("Failed to load recent interactions")
	} else {
		params.History = memory.Messages(recent)
	}

	return s.dispatcher.Run(ctx, s.handler, params)
}

func (s *session) recent(ctx context.Context) ([]memory.Entry, error) {
	entries, err := s.store.All(ctx)
	if err != nil {
		return nil, err
	}
	if len(entries) > recentTurns {
		entries = entries[len(entries)-recentTurns:]
	}
	return entries, nil
}

func (s *session) close() {
	s.tracker.Close()
}

func printResponse(w io.Writer, resp *models.CompletionResponse) {
	if len(resp.Pipeline) == 0 {
		fmt.Fprintln(w, resp.Message)
		printAction(w, "  ", resp.Action)
		return
	}

	if resp.Message != "" {
		fmt.Fprintln(w, resp.Message)
	}
	for i, step := range resp.Pipeline {
		fmt.Fprintf(w, "%d. [%s] %s\n", i+1, step.Intent, step.Message)
		printAction(w, "     ", step.Action)
	}
}

func printAction(w io.Writer, indent string, cmd *models.Command) {
	if cmd == nil {
		return
	}
	line := indent + "-> " + cmd.Type
	if cmd.Payload != nil {
		if data, err := json.Marshal(cmd.Payload); err == nil {
			line += " " + string(data)
		}
	}
	fmt.Fprintln(w, line)
}

func printTasks(w io.Writer, app *taskApp) {
	snapshot := app.Snapshot().(map[string]any)
	tasks := snapshot["tasks"].([]Task)
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No tasks.")
		return
	}
	var b strings.Builder
	for _, t := range tasks {
		mark := " "
		if t.Done {
			mark = "x"
		}
		fmt.Fprintf(&b, "[%s] %s %s\n", mark, t.ID, t.Title)
	}
	fmt.Fprint(w, b.String())
}
