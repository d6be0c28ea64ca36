package effects

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"github.com/avvvet/intentpilot/internal/models"
)

// Sources reported for effects found by Observe
const (
	SourceDeclared  = "declared"
	SourceRequestID = "request-id"
	SourceMarker    = "marker"
	SourceAwaitable = "awaitable"
	SourceNaming    = "naming"
)

// Meta keys read by Observe
const (
	MetaRequestID     = "requestId"
	MetaRequestStatus = "requestStatus"
	MetaEffect        = "effect"
	MetaEffectID      = "effectId"
)

// Awaitable payloads are tracked until Wait returns.
type Awaitable interface {
	Wait(ctx context.Context) error
}

// Declaration states explicitly which command types start and end an
// effect. Declared types take precedence over every heuristic.
type Declaration struct {
	Key   string
	Start []string
	End   []string
	// Fail lists end types that settle the effect as failed.
	Fail []string
}

type declaration struct {
	key   string
	phase Phase
}

// Phase is the lifecycle position a command signals.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseStart
	PhaseEnd
	PhaseFail
)

// Observation reports what Observe did with a command.
type Observation struct {
	EffectID string
	Source   string
	Started  bool
	Settled  bool
}

// Detected reports whether the command touched an effect.
func (o Observation) Detected() bool {
	return o.Started || o.Settled
}

// Declare registers an explicit start/end declaration.
func (t *Tracker) Declare(d Declaration) {
	key := d.Key
	if key == "" && len(d.Start) > 0 {
		key = d.Start[0]
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, typ := range d.Start {
		t.declared[typ] = declaration{key: key, phase: PhaseStart}
	}
	for _, typ := range d.End {
		t.declared[typ] = declaration{key: key, phase: PhaseEnd}
	}
	for _, typ := range d.Fail {
		t.declared[typ] = declaration{key: key, phase: PhaseFail}
	}
}

// Observe inspects a dispatched command and starts or settles the effect
// it signals. Detection order: declarations, request ids, explicit meta
// markers, awaitable payloads, then naming suffixes.
func (t *Tracker) Observe(cmd models.Command) Observation {
	t.mu.Lock()
	d, declared := t.declared[cmd.Type]
	t.mu.Unlock()
	if declared {
		return t.pair(SourceDeclared, "declared:"+d.key, d.phase)
	}

	if rid, ok := metaString(cmd.Meta, MetaRequestID); ok && rid != "" {
		if obs, ok := t.observeRequest(cmd, rid); ok {
			return obs
		}
	}

	if marker, ok := metaString(cmd.Meta, MetaEffect); ok {
		if obs, ok := t.observeMarker(cmd, marker); ok {
			return obs
		}
	}

	switch p := cmd.Payload.(type) {
	case Awaitable:
		id, _ := metaString(cmd.Meta, MetaEffectID)
		id = t.Track(id, SourceAwaitable, p.Wait)
		return Observation{EffectID: id, Source: SourceAwaitable, Started: true}
	case <-chan error:
		id, _ := metaString(cmd.Meta, MetaEffectID)
		id = t.TrackChan(id, SourceAwaitable, p)
		return Observation{EffectID: id, Source: SourceAwaitable, Started: true}
	case chan error:
		id, _ := metaString(cmd.Meta, MetaEffectID)
		id = t.TrackChan(id, SourceAwaitable, p)
		return Observation{EffectID: id, Source: SourceAwaitable, Started: true}
	}

	if base, ph := SplitLifecycle(cmd.Type); ph != PhaseNone {
		return t.pair(SourceNaming, "naming:"+base, ph)
	}
	return Observation{}
}

func (t *Tracker) observeRequest(cmd models.Command, rid string) (Observation, bool) {
	status, _ := metaString(cmd.Meta, MetaRequestStatus)
	ph := phaseOf(strings.ToLower(status))
	if ph == PhaseNone {
		_, ph = SplitLifecycle(cmd.Type)
	}

	switch ph {
	case PhaseStart:
		t.mu.Lock()
		id, exists := t.requests[rid]
		if !exists {
			id = t.beginLocked("", SourceRequestID, "")
			t.requests[rid] = id
		}
		t.mu.Unlock()
		return Observation{EffectID: id, Source: SourceRequestID, Started: !exists}, true
	case PhaseEnd, PhaseFail:
		t.mu.Lock()
		id, exists := t.requests[rid]
		t.mu.Unlock()
		if !exists {
			return Observation{Source: SourceRequestID}, true
		}
		return Observation{EffectID: id, Source: SourceRequestID, Settled: t.finish(id, ph)}, true
	}
	return Observation{}, false
}

func (t *Tracker) observeMarker(cmd models.Command, marker string) (Observation, bool) {
	ph := phaseOf(strings.ToLower(marker))
	if ph == PhaseNone {
		return Observation{}, false
	}

	if id, ok := metaString(cmd.Meta, MetaEffectID); ok && id != "" {
		if ph == PhaseStart {
			id = t.Begin(id, SourceMarker)
			return Observation{EffectID: id, Source: SourceMarker, Started: true}, true
		}
		return Observation{EffectID: id, Source: SourceMarker, Settled: t.finish(id, ph)}, true
	}

	base, _ := SplitLifecycle(cmd.Type)
	if base == "" {
		base = strings.ToLower(cmd.Type)
	}
	return t.pair(SourceMarker, "marker:"+base, ph), true
}

// PhaseOf reports the lifecycle phase cmd signals, using the same
// detection order as Observe, without touching any effect.
func (t *Tracker) PhaseOf(cmd models.Command) Phase {
	t.mu.Lock()
	d, declared := t.declared[cmd.Type]
	t.mu.Unlock()
	if declared {
		return d.phase
	}

	if rid, ok := metaString(cmd.Meta, MetaRequestID); ok && rid != "" {
		status, _ := metaString(cmd.Meta, MetaRequestStatus)
		if ph := phaseOf(strings.ToLower(status)); ph != PhaseNone {
			return ph
		}
	}
	if marker, ok := metaString(cmd.Meta, MetaEffect); ok {
		if ph := phaseOf(strings.ToLower(marker)); ph != PhaseNone {
			return ph
		}
	}

	switch cmd.Payload.(type) {
	case Awaitable, <-chan error, chan error:
		return PhaseStart
	}

	_, ph := SplitLifecycle(cmd.Type)
	return ph
}

// pair starts an effect on key, or settles the oldest pending one.
func (t *Tracker) pair(source, key string, ph Phase) Observation {
	switch ph {
	case PhaseStart:
		t.mu.Lock()
		id := t.beginLocked("", source, key)
		t.mu.Unlock()
		return Observation{EffectID: id, Source: source, Started: true}
	case PhaseEnd, PhaseFail:
		t.mu.Lock()
		queue := t.queues[key]
		var id string
		if len(queue) > 0 {
			id = queue[0]
		}
		t.mu.Unlock()
		if id == "" {
			return Observation{Source: source}
		}
		return Observation{EffectID: id, Source: source, Settled: t.finish(id, ph)}
	}
	return Observation{}
}

var errLifecycleFailure = errors.New("failure signal observed")

func (t *Tracker) finish(id string, ph Phase) bool {
	if ph == PhaseFail {
		return t.settle(id, StatusFailed, errLifecycleFailure)
	}
	return t.settle(id, StatusCompleted, nil)
}

var (
	startSuffixes = map[string]bool{
		"request": true, "requested": true, "start": true, "started": true,
		"pending": true, "begin": true, "loading": true,
	}
	endSuffixes = map[string]bool{
		"success": true, "succeeded": true, "fulfilled": true, "complete": true,
		"completed": true, "done": true, "end": true, "finished": true, "loaded": true,
	}
	failSuffixes = map[string]bool{
		"failure": true, "failed": true, "error": true, "rejected": true,
	}
)

func phaseOf(word string) Phase {
	switch {
	case startSuffixes[word]:
		return PhaseStart
	case endSuffixes[word]:
		return PhaseEnd
	case failSuffixes[word]:
		return PhaseFail
	}
	return PhaseNone
}

// SplitLifecycle splits a command type into its base and lifecycle suffix,
// for example "tasks/fetch/pending" or "FETCH_TASKS_SUCCESS" or
// "fetchTasksRequest". The base is lower-cased. A type without a known
// suffix yields an empty base.
func SplitLifecycle(commandType string) (string, Phase) {
	if i := strings.LastIndexAny(commandType, "/_.:-"); i > 0 && i < len(commandType)-1 {
		if ph := phaseOf(strings.ToLower(commandType[i+1:])); ph != PhaseNone {
			return strings.ToLower(commandType[:i]), ph
		}
	}

	// camelCase suffix within the last segment
	for i := len(commandType) - 1; i > 0; i-- {
		r := rune(commandType[i])
		if strings.ContainsRune("/_.:-", r) {
			break
		}
		if unicode.IsUpper(r) {
			if ph := phaseOf(strings.ToLower(commandType[i:])); ph != PhaseNone {
				return strings.ToLower(commandType[:i]), ph
			}
			break
		}
	}
	return "", PhaseNone
}

func metaString(meta map[string]any, key string) (string, bool) {
	if meta == nil {
		return "", false
	}
	s, ok := meta[key].(string)
	return s, ok
}
