package transport

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/avvvet/intentpilot/internal/memory"
	"github.com/avvvet/intentpilot/internal/models"
	"github.com/avvvet/intentpilot/internal/schema"
)

// Querier resolves a single query.
type Querier interface {
	Query(ctx context.Context, params models.QueryParams) (*models.CompletionResponse, error)
}

// Request is the body accepted by every transport.
type Request struct {
	Query   string         `json:"query"`
	State   any            `json:"state,omitempty"`
	Actions models.Catalog `json:"actions,omitempty"`
	// Conversations is nil when the caller wants the service to retrieve
	// related history itself.
	Conversations *string `json:"conversations,omitempty"`
}

// EntryView is a stored interaction without its vector.
type EntryView struct {
	ID        string    `json:"id"`
	Query     string    `json:"query"`
	Response  string    `json:"response"`
	State     any       `json:"state,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func viewOf(e memory.Entry) EntryView {
	return EntryView{
		ID:        e.ID,
		Query:     e.Metadata.Query,
		Response:  e.Metadata.Response,
		State:     e.Metadata.State,
		Timestamp: e.Timestamp,
	}
}

// Service is the transport-independent part of the boundary: it fills in
// defaults, retrieves context and records finished turns.
type Service struct {
	querier        Querier
	store          *memory.Store
	catalog        models.Catalog
	retrievalLimit int
	timeout        time.Duration
	logger         *logrus.Entry

	wg sync.WaitGroup
}

type ServiceOption func(*Service)

// WithCatalog sets the catalog used when a request carries none.
func WithCatalog(catalog models.Catalog) ServiceOption {
	return func(s *Service) { s.catalog = catalog }
}

func WithStore(store *memory.Store) ServiceOption {
	return func(s *Service) { s.store = store }
}

func WithRetrievalLimit(n int) ServiceOption {
	return func(s *Service) { s.retrievalLimit = n }
}

// WithTimeout bounds every query. Zero leaves the caller's deadline alone.
func WithTimeout(d time.Duration) ServiceOption {
	return func(s *Service) { s.timeout = d }
}

func WithLogger(logger *logrus.Entry) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewService(querier Querier, opts ...ServiceOption) *Service {
	s := &Service{
		querier:        querier,
		retrievalLimit: 5,
		logger:         logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolve answers req. The turn is recorded in the background once the
// query succeeded.
func (s *Service) Resolve(ctx context.Context, req Request) (*models.CompletionResponse, error) {
	params := models.QueryParams{
		Query:   req.Query,
		State:   req.State,
		Actions: req.Actions,
	}
	if params.Actions == nil {
		params.Actions = s.catalog
	}
	if req.Conversations != nil {
		params.Conversations = *req.Conversations
	} else {
		params.Conversations = s.related(ctx, req.Query)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	resp, err := s.querier.Query(ctx, params)
	if err != nil {
		return nil, err
	}
	resp = s.checkCommands(resp, params.Actions)

	s.record(req.Query, resp.Text(), req.State)
	return resp, nil
}

// checkCommands validates every command in resp against catalog. Valid
// commands are normalized; an action answer whose command is missing or
// invalid becomes the apology with a null action.
func (s *Service) checkCommands(resp *models.CompletionResponse, catalog models.Catalog) *models.CompletionResponse {
	out := *resp
	if out.Intent == models.IntentPipeline {
		out.Action = nil
		out.Pipeline = append([]models.StepResult(nil), resp.Pipeline...)
		for i := range out.Pipeline {
			step := &out.Pipeline[i]
			step.Message, step.Action = s.checkCommand(step.Intent, step.Message, step.Action, catalog)
		}
		return &out
	}
	out.Message, out.Action = s.checkCommand(out.Intent, out.Message, out.Action, catalog)
	return &out
}

func (s *Service) checkCommand(intent, message string, cmd *models.Command, catalog models.Catalog) (string, *models.Command) {
	if intent != models.IntentAction {
		return message, nil
	}
	if cmd == nil {
		s.logger.Warn("Action answer without a command")
		return models.InvalidActionMessage, nil
	}

	res := schema.ValidateCommand(*cmd, catalog)
	if !res.Valid {
		s.logger.WithField("type", cmd.Type).WithField("errors", res.Error()).Warn("Rejected command")
		return models.InvalidActionMessage, nil
	}
	normalized := res.Value.(models.Command)
	return message, &normalized
}

// related formats the entries most similar to query. Retrieval problems
// only cost context, so they are logged and swallowed.
func (s *Service) related(ctx context.Context, query string) string {
	if s.store == nil || s.retrievalLimit <= 0 {
		return ""
	}
	entries, err := s.store.RetrieveSimilar(ctx, query, s.retrievalLimit)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to retrieve similar interactions")
		return ""
	}
	text, err := memory.FormatHistory(ctx, entries)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to format history")
		return ""
	}
	return text
}

func (s *Service) record(query, response string, state any) {
	if s.store == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := s.store.StoreInteraction(ctx, query, response, state); err != nil {
			s.logger.WithError(err).Warn("Failed to record interaction")
		}
	}()
}

// History returns every stored interaction, oldest first.
func (s *Service) History(ctx context.Context) ([]EntryView, error) {
	views := []EntryView{}
	if s.store == nil {
		return views, nil
	}
	entries, err := s.store.All(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		views = append(views, viewOf(e))
	}
	return views, nil
}

// Flush waits for pending background recordings.
func (s *Service) Flush() {
	s.wg.Wait()
}

// Store returns the similarity store, or nil when none is configured.
func (s *Service) Store() *memory.Store {
	return s.store
}
