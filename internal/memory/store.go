package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/embeddings"
)

// Listener is notified of every entry written to the store.
type Listener func(Entry)

type Options struct {
	// MaxEntries bounds the store; the oldest entries are evicted first.
	MaxEntries int
	// MaxAge drops entries older than this on Prune. Zero disables it.
	MaxAge time.Duration
}

// Store is the similarity-searchable interaction log.
type Store struct {
	backend  Backend
	embedder embeddings.Embedder
	opts     Options
	logger   *logrus.Entry
	now      func() time.Time

	mu        sync.RWMutex
	listeners map[int]Listener
	nextID    int
}

func NewStore(backend Backend, embedder embeddings.Embedder, opts Options, logger *logrus.Entry) *Store {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{
		backend:   backend,
		embedder:  embedder,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
		listeners: make(map[int]Listener),
	}
}

// StoreInteraction embeds query and appends the interaction.
func (s *Store) StoreInteraction(ctx context.Context, query, response string, state any) (Entry, error) {
	vector, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to embed query: %w", err)
	}

	snapshot, err := snapshotOf(state)
	if err != nil {
		return Entry{}, err
	}

	ts := s.now().UTC()
	entry := Entry{
		ID:     uuid.NewString(),
		Vector: vector,
		Metadata: Metadata{
			Query:     query,
			Response:  response,
			State:     snapshot,
			Timestamp: ts,
		},
		Timestamp: ts,
	}

	if err := s.backend.Put(ctx, entry); err != nil {
		return Entry{}, fmt.Errorf("failed to store interaction: %w", err)
	}
	if err := s.evict(ctx); err != nil {
		s.logger.WithError(err).Warn("Eviction failed")
	}

	s.logger.WithField("entryId", entry.ID).Debug("Interaction stored")
	s.notify(entry)
	return entry, nil
}

// RetrieveSimilar returns up to limit entries, most similar to query first.
// Entries with equal scores are ordered newest first.
func (s *Store) RetrieveSimilar(ctx context.Context, query string, limit int) ([]Entry, error) {
	if limit <= 0 {
		return []Entry{}, nil
	}

	entries, err := s.backend.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	if len(entries) == 0 {
		return []Entry{}, nil
	}

	vector, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	type scored struct {
		entry Entry
		score float64
	}
	results := make([]scored, 0, len(entries))
	for _, e := range entries {
		score, err := CosineSimilarity(vector, e.Vector)
		if err != nil {
			// written with a different embedder
			continue
		}
		results = append(results, scored{entry: e, score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].score == results[j].score {
			return results[i].entry.Timestamp.After(results[j].entry.Timestamp)
		}
		return results[i].score > results[j].score
	})

	if len(results) > limit {
		results = results[:limit]
	}
	out := make([]Entry, len(results))
	for i, r := range results {
		out[i] = r.entry
	}
	return out, nil
}

// All returns every entry, oldest first.
func (s *Store) All(ctx context.Context) ([]Entry, error) {
	return s.backend.List(ctx)
}

// Subscribe registers l for new entries and returns its unsubscribe func.
func (s *Store) Subscribe(l Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *Store) notify(entry Entry) {
	s.mu.RLock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.RUnlock()

	for _, l := range listeners {
		l(entry)
	}
}

// Prune applies both retention limits and reports how many entries were
// removed.
func (s *Store) Prune(ctx context.Context) (int, error) {
	entries, err := s.backend.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list entries: %w", err)
	}

	var stale []string
	if s.opts.MaxAge > 0 {
		cutoff := s.now().Add(-s.opts.MaxAge)
		for _, e := range entries {
			if e.Timestamp.Before(cutoff) {
				stale = append(stale, e.ID)
			}
		}
	}
	if excess := len(entries) - len(stale) - s.opts.MaxEntries; s.opts.MaxEntries > 0 && excess > 0 {
		// entries are oldest first and the stale ones are a prefix
		for _, e := range entries[len(stale) : len(stale)+excess] {
			stale = append(stale, e.ID)
		}
	}

	if len(stale) == 0 {
		return 0, nil
	}
	if err := s.backend.Delete(ctx, stale...); err != nil {
		return 0, err
	}

	s.logger.WithField("removed", len(stale)).Info("Similarity store pruned")
	return len(stale), nil
}

func (s *Store) evict(ctx context.Context) error {
	if s.opts.MaxEntries <= 0 {
		return nil
	}
	n, err := s.backend.Count(ctx)
	if err != nil {
		return err
	}
	if n <= s.opts.MaxEntries {
		return nil
	}

	entries, err := s.backend.List(ctx)
	if err != nil {
		return err
	}
	excess := len(entries) - s.opts.MaxEntries
	if excess <= 0 {
		return nil
	}
	ids := make([]string, excess)
	for i := range ids {
		ids[i] = entries[i].ID
	}
	return s.backend.Delete(ctx, ids...)
}

func (s *Store) Close() error {
	return s.backend.Close()
}

// snapshotOf detaches state from the caller by a JSON round trip.
func snapshotOf(state any) (any, error) {
	if state == nil {
		return nil, nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot state: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to snapshot state: %w", err)
	}
	return out, nil
}
