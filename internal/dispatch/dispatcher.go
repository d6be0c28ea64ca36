package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/avvvet/intentpilot/internal/effects"
	"github.com/avvvet/intentpilot/internal/handlers"
	"github.com/avvvet/intentpilot/internal/memory"
	"github.com/avvvet/intentpilot/internal/models"
	"github.com/avvvet/intentpilot/internal/schema"
)

var ErrInvalidCommand = errors.New("invalid command")

// Applier is the application's own state transition mechanism.
type Applier interface {
	Apply(ctx context.Context, cmd models.Command) error
	Snapshot() any
}

// Recorder persists a finished turn.
type Recorder interface {
	StoreInteraction(ctx context.Context, query, response string, state any) (memory.Entry, error)
}

// Querier resolves a query, calling back between pipeline steps.
type Querier interface {
	QueryWith(ctx context.Context, params models.QueryParams, onStep handlers.StepFunc) (*models.CompletionResponse, error)
}

// Dispatcher validates commands against the catalog before they reach
// the application, and records every turn.
type Dispatcher struct {
	catalog   models.Catalog
	applier   Applier
	recorder  Recorder
	tracker   *effects.Tracker
	validator *schema.Validator
	logger    *logrus.Entry

	// OnRecordError receives store failures. They never fail the turn.
	OnRecordError func(error)
}

type Option func(*Dispatcher)

func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

func WithTracker(t *effects.Tracker) Option {
	return func(d *Dispatcher) { d.tracker = t }
}

func WithLogger(logger *logrus.Entry) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func New(catalog models.Catalog, applier Applier, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		catalog:   catalog,
		applier:   applier,
		validator: schema.NewValidator(),
		logger:    logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Catalog returns the commands this dispatcher accepts.
func (d *Dispatcher) Catalog() models.Catalog {
	return d.catalog
}

// Validate checks cmd against the catalog and returns its normalized form.
func (d *Dispatcher) Validate(cmd any) (models.Command, error) {
	res := d.validator.ValidateCommand(cmd, d.catalog)
	if !res.Valid {
		return models.Command{}, fmt.Errorf("%w: %s", ErrInvalidCommand, res.Error())
	}
	return res.Value.(models.Command), nil
}

// Dispatch validates cmd and applies the normalized command. Validation
// failures wrap ErrInvalidCommand and leave the state untouched.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd any) (models.Command, error) {
	normalized, err := d.Validate(cmd)
	if err != nil {
		return models.Command{}, err
	}
	if err := d.apply(ctx, normalized); err != nil {
		return models.Command{}, err
	}
	return normalized, nil
}

// Emit applies a command originating from the application itself, such
// as the completion of an asynchronous operation. It skips catalog
// validation but feeds the effect tracker.
func (d *Dispatcher) Emit(ctx context.Context, cmd models.Command) error {
	return d.apply(ctx, cmd)
}

func (d *Dispatcher) apply(ctx context.Context, cmd models.Command) error {
	if d.tracker == nil {
		if err := d.applier.Apply(ctx, cmd); err != nil {
			return fmt.Errorf("failed to apply %s: %w", cmd.Type, err)
		}
		d.logger.WithField("type", cmd.Type).Debug("Command applied")
		return nil
	}

	// Completions settle after the state change so waiters observe it.
	// Everything else is observed first, so an effect that ends while the
	// command is being applied still finds its start.
	var (
		obs      effects.Observation
		applyErr error
	)
	switch d.tracker.PhaseOf(cmd) {
	case effects.PhaseEnd, effects.PhaseFail:
		applyErr = d.applier.Apply(ctx, cmd)
		obs = d.tracker.Observe(cmd)
	default:
		obs = d.tracker.Observe(cmd)
		applyErr = d.applier.Apply(ctx, cmd)
		if applyErr != nil && obs.Started {
			d.tracker.Fail(obs.EffectID, applyErr)
		}
	}
	if applyErr != nil {
		return fmt.Errorf("failed to apply %s: %w", cmd.Type, applyErr)
	}

	log := d.logger.WithField("type", cmd.Type)
	if obs.Detected() {
		log = log.WithFields(logrus.Fields{"effectId": obs.EffectID, "effectSource": obs.Source})
	}
	log.Debug("Command applied")
	return nil
}

// Run resolves params with q and applies the result. Pipeline steps are
// applied as they resolve, so every step sees the state its predecessors
// produced. Missing catalog and state default to the dispatcher's own.
func (d *Dispatcher) Run(ctx context.Context, q Querier, params models.QueryParams) (*models.CompletionResponse, error) {
	if params.Actions == nil {
		params.Actions = d.catalog
	}
	if params.State == nil {
		params.State = d.applier.Snapshot()
	}

	resp, err := q.QueryWith(ctx, params, d.StepHook())
	if err != nil {
		return nil, err
	}

	if resp.Intent != models.IntentPipeline {
		if err := d.executeSingle(ctx, resp); err != nil {
			return nil, err
		}
	}

	d.record(ctx, params.Query, resp)
	return resp, nil
}

// StepHook applies each pipeline step as soon as it is resolved and
// hands the fresh state to the next one.
func (d *Dispatcher) StepHook() handlers.StepFunc {
	return func(ctx context.Context, index int, step *models.StepResult) (any, error) {
		if err := d.executeStep(ctx, step); err != nil {
			return nil, err
		}
		return d.applier.Snapshot(), nil
	}
}

// Execute applies an already resolved response and records the turn.
// Invalid commands are replaced by the apology message with a null action.
func (d *Dispatcher) Execute(ctx context.Context, query string, resp *models.CompletionResponse) (*models.CompletionResponse, error) {
	out := *resp
	if resp.Intent == models.IntentPipeline {
		out.Action = nil
		out.Pipeline = append([]models.StepResult(nil), resp.Pipeline...)
		for i := range out.Pipeline {
			if err := d.executeStep(ctx, &out.Pipeline[i]); err != nil {
				return nil, fmt.Errorf("pipeline step %d: %w", i+1, err)
			}
		}
	} else if err := d.executeSingle(ctx, &out); err != nil {
		return nil, err
	}

	d.record(ctx, query, &out)
	return &out, nil
}

func (d *Dispatcher) executeSingle(ctx context.Context, resp *models.CompletionResponse) error {
	step := models.StepResult{Intent: resp.Intent, Message: resp.Message, Reasoning: resp.Reasoning, Action: resp.Action}
	if err := d.executeStep(ctx, &step); err != nil {
		return err
	}
	resp.Message = step.Message
	resp.Action = step.Action
	return nil
}

func (d *Dispatcher) executeStep(ctx context.Context, step *models.StepResult) error {
	if step.Intent != models.IntentAction {
		step.Action = nil
		return nil
	}
	if step.Action == nil {
		d.logger.Warn("Action answer without a command")
		step.Message = models.InvalidActionMessage
		return nil
	}

	normalized, err := d.Dispatch(ctx, step.Action)
	if errors.Is(err, ErrInvalidCommand) {
		d.logger.WithError(err).WithField("type", step.Action.Type).Warn("Rejected command")
		step.Message = models.InvalidActionMessage
		step.Action = nil
		return nil
	}
	if err != nil {
		return err
	}
	step.Action = &normalized

	if d.tracker != nil {
		if err := d.tracker.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for effects: %w", err)
		}
	}
	return nil
}

func (d *Dispatcher) record(ctx context.Context, query string, resp *models.CompletionResponse) {
	if d.recorder == nil {
		return
	}
	if _, err := d.recorder.StoreInteraction(ctx, query, resp.Text(), d.applier.Snapshot()); err != nil {
		if d.OnRecordError != nil {
			d.OnRecordError(err)
			return
		}
		d.logger.WithError(err).Warn("Failed to record interaction")
	}
}
