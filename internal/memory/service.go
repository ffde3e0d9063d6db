// Package memory ties the conversation store and the vector index together.
//
// Writes are serialized by a single mutex held from the record append until
// the new index generation is persisted and published. Reads load the
// current generation with one atomic pointer read and never block on writers.
package memory

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalambet/recall/internal/storage"
	"github.com/kalambet/recall/internal/vectorindex"
	"golang.org/x/sync/errgroup"
)

// Embedder computes a fixed-length embedding for a text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// BatchEmbedder is an Embedder that can embed many texts at once. Results
// are in input order.
type BatchEmbedder interface {
	Embedder
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Store is the subset of the conversation store the service needs.
type Store interface {
	Dimension() int
	Append(ctx context.Context, prompt, response string, embedding []float32) (int64, error)
	AppendBatch(ctx context.Context, convs []storage.NewConversation) ([]int64, error)
	GetAll(ctx context.Context) ([]storage.Conversation, error)
	GetMany(ctx context.Context, ids []int64) (map[int64]storage.Conversation, error)
	Count(ctx context.Context) (count int, lastID int64, err error)
}

// Config holds the service parameters.
type Config struct {
	Dimension   int
	IndexPath   string
	IndexKind   vectorindex.Kind
	EmbedPolicy EmbedPolicy
	Logger      *slog.Logger
}

// Memory is a retrieved conversation with its distance to the query.
type Memory struct {
	storage.Conversation
	Distance float32
}

// Pair is one conversation to record.
type Pair struct {
	Prompt   string
	Response string
}

// Stats describes the current state of the service.
type Stats struct {
	Records      int       `json:"records"`
	LastID       int64     `json:"last_id"`
	IndexEntries int       `json:"index_entries"`
	IndexKind    string    `json:"index_kind"`
	Dimension    int       `json:"dimension"`
	Generation   string    `json:"generation"`
	PublishedAt  time.Time `json:"published_at"`
	Stale        bool      `json:"stale"`
	IndexPath    string    `json:"index_path"`
	EmbedPolicy  string    `json:"embed_policy"`
}

type generation struct {
	index       vectorindex.Index
	publishedAt time.Time
}

// Service records conversations and answers similarity queries.
type Service struct {
	store    Store
	embedder Embedder
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex // serializes writers
	current atomic.Pointer[generation]
	stale   atomic.Bool

	save func(path string, idx vectorindex.Index) error
}

// Open creates the service and brings the index up to date with the store.
// A missing, corrupt, mismatched, or out-of-date index file is rebuilt from
// the store rather than failing startup.
func Open(ctx context.Context, store Store, embedder Embedder, cfg Config) (*Service, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("invalid dimension %d", cfg.Dimension)
	}
	if store.Dimension() != cfg.Dimension {
		return nil, &DimensionError{Got: store.Dimension(), Want: cfg.Dimension}
	}
	if cfg.IndexKind == "" {
		cfg.IndexKind = vectorindex.KindFlat
	}
	if cfg.EmbedPolicy == "" {
		cfg.EmbedPolicy = PolicyPrompt
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		store:    store,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger,
		save:     vectorindex.Save,
	}
	if err := s.recover(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) recover(ctx context.Context) error {
	start := time.Now()
	idx, err := s.loadIndex(ctx)
	if err == nil {
		s.publish(idx)
		s.logger.Info("index loaded",
			"path", s.cfg.IndexPath,
			"entries", idx.Len(),
			"generation", idx.Generation(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Info("no index file, building from store", "path", s.cfg.IndexPath)
	} else {
		s.logger.Warn("index file unusable, rebuilding from store", "path", s.cfg.IndexPath, "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err = s.buildFromStore(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIndexRebuild, err)
	}
	if err := s.save(s.cfg.IndexPath, idx); err != nil {
		// The in-memory generation matches the store, so serve it and let
		// the next write or repair persist it.
		s.logger.Error("persisting rebuilt index", "path", s.cfg.IndexPath, "error", err)
		s.stale.Store(true)
	}
	s.publish(idx)
	s.logger.Info("index rebuilt",
		"entries", idx.Len(),
		"generation", idx.Generation(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// loadIndex reads the index file and checks that it covers exactly the
// records in the store.
func (s *Service) loadIndex(ctx context.Context) (vectorindex.Index, error) {
	idx, err := vectorindex.Load(s.cfg.IndexPath, s.cfg.IndexKind, s.cfg.Dimension)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrIndexLoad, err)
	}
	count, lastID, err := s.store.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: counting records: %w", ErrIndexLoad, err)
	}
	if idx.Len() != count || idx.MaxID() != lastID {
		return nil, fmt.Errorf("%w: index has %d entries up to id %d, store has %d up to id %d",
			ErrIndexLoad, idx.Len(), idx.MaxID(), count, lastID)
	}
	return idx, nil
}

func (s *Service) buildFromStore(ctx context.Context) (vectorindex.Index, error) {
	convs, err := s.store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading records: %w", err)
	}
	entries := make([]vectorindex.Entry, len(convs))
	for i, c := range convs {
		entries[i] = vectorindex.Entry{ID: c.ID, Vector: c.Embedding}
	}
	return vectorindex.Build(s.cfg.IndexKind, s.cfg.Dimension, entries)
}

func (s *Service) publish(idx vectorindex.Index) {
	s.current.Store(&generation{index: idx, publishedAt: time.Now().UTC()})
}

// Index returns the current generation.
func (s *Service) Index() vectorindex.Index {
	return s.current.Load().index
}

// Stale reports whether the index is behind the store and awaits a rebuild.
func (s *Service) Stale() bool {
	return s.stale.Load()
}

func (s *Service) embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProvider, err)
	}
	if err := s.checkVector(vec); err != nil {
		return nil, err
	}
	return vec, nil
}

// checkVector rejects vectors the index could not rank: wrong length, or a
// NaN or infinite component.
func (s *Service) checkVector(vec []float32) error {
	if len(vec) != s.cfg.Dimension {
		return &DimensionError{Got: len(vec), Want: s.cfg.Dimension}
	}
	if i := vectorindex.NonFinite(vec); i >= 0 {
		return fmt.Errorf("%w: component %d is %v", ErrProvider, i, vec[i])
	}
	return nil
}

// embedPairs embeds every pair under the embed policy, in one batch when
// the embedder supports it and concurrently otherwise.
func (s *Service) embedPairs(ctx context.Context, pairs []Pair) ([][]float32, error) {
	texts := make([]string, len(pairs))
	for i, p := range pairs {
		texts[i] = s.cfg.EmbedPolicy.Text(p.Prompt, p.Response)
	}

	if be, ok := s.embedder.(BatchEmbedder); ok {
		vecs, err := be.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrProvider, err)
		}
		if len(vecs) != len(texts) {
			return nil, fmt.Errorf("%w: got %d embeddings for %d conversations", ErrProvider, len(vecs), len(texts))
		}
		for i, v := range vecs {
			if err := s.checkVector(v); err != nil {
				return nil, fmt.Errorf("conversation %d: %w", i, err)
			}
		}
		return vecs, nil
	}

	vecs := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, text := range texts {
		g.Go(func() error {
			vec, err := s.embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("conversation %d: %w", i, err)
			}
			vecs[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vecs, nil
}

// RecordAndIndex stores a conversation and makes it searchable. On success
// the returned id is durable and the record is visible to every query that
// starts afterwards.
//
// When the record is stored but the index cannot be advanced, the id is
// returned together with an error matching ErrIndexRebuild.
func (s *Service) RecordAndIndex(ctx context.Context, prompt, response string) (int64, error) {
	vec, err := s.embed(ctx, s.cfg.EmbedPolicy.Text(prompt, response))
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.store.Append(ctx, prompt, response, vec)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}
	if err := s.advanceLocked(ctx, []vectorindex.Entry{{ID: id, Vector: vec}}); err != nil {
		return id, err
	}
	return id, nil
}

// RecordBatch stores several conversations in one transaction and advances
// the index once. Embeddings are computed before the writer lock is taken.
// Either every record is stored or none is.
func (s *Service) RecordBatch(ctx context.Context, pairs []Pair) ([]int64, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	vecs, err := s.embedPairs(ctx, pairs)
	if err != nil {
		return nil, err
	}

	convs := make([]storage.NewConversation, len(pairs))
	for i, p := range pairs {
		convs[i] = storage.NewConversation{Prompt: p.Prompt, Response: p.Response, Embedding: vecs[i]}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.store.AppendBatch(ctx, convs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}
	entries := make([]vectorindex.Entry, len(ids))
	for i, id := range ids {
		entries[i] = vectorindex.Entry{ID: id, Vector: vecs[i]}
	}
	if err := s.advanceLocked(ctx, entries); err != nil {
		return ids, err
	}
	return ids, nil
}

// advanceLocked derives, persists and publishes the generation that adds
// entries. A stale index is rebuilt from the store instead, which already
// holds entries. Must be called with s.mu held.
func (s *Service) advanceLocked(ctx context.Context, entries []vectorindex.Entry) error {
	var next vectorindex.Index
	var err error
	if s.stale.Load() {
		next, err = s.buildFromStore(ctx)
	} else {
		next = s.current.Load().index
		for _, e := range entries {
			if next, err = next.With(e); err != nil {
				break
			}
		}
	}
	if err == nil {
		err = s.save(s.cfg.IndexPath, next)
	}
	if err != nil {
		s.stale.Store(true)
		s.logger.Error("index update failed, marked stale", "error", err)
		return fmt.Errorf("%w: %w", ErrIndexRebuild, err)
	}

	s.publish(next)
	s.stale.Store(false)
	s.logger.Debug("index generation published", "entries", next.Len(), "generation", next.Generation())
	return nil
}

// RetrieveSimilar returns up to k stored conversations most similar to
// prompt, nearest first. An empty index yields an empty result.
func (s *Service) RetrieveSimilar(ctx context.Context, prompt string, k int) ([]Memory, error) {
	if k <= 0 {
		return []Memory{}, nil
	}
	vec, err := s.embed(ctx, prompt)
	if err != nil {
		return nil, err
	}

	idx := s.current.Load().index
	neighbors, err := idx.Query(vec, k)
	if err != nil {
		return nil, fmt.Errorf("querying index: %w", err)
	}
	if len(neighbors) == 0 {
		return []Memory{}, nil
	}

	ids := make([]int64, len(neighbors))
	for i, n := range neighbors {
		ids[i] = n.ID
	}
	records, err := s.store.GetMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading records: %w", err)
	}

	out := make([]Memory, 0, len(neighbors))
	for _, n := range neighbors {
		c, ok := records[n.ID]
		if !ok {
			// Ids are never deleted, so the store was changed behind our
			// back. Rebuilding from the store drops the dangling entry.
			s.stale.Store(true)
			s.logger.Error("indexed record missing from store, marked stale", "id", n.ID)
			return nil, fmt.Errorf("%w: id %d", ErrRecordMissing, n.ID)
		}
		out = append(out, Memory{Conversation: c, Distance: n.Distance})
	}
	return out, nil
}

// Repair rebuilds the index from the store, persists and publishes it.
func (s *Service) Repair(ctx context.Context) (Stats, error) {
	start := time.Now()
	s.mu.Lock()
	idx, err := s.buildFromStore(ctx)
	if err == nil {
		err = s.save(s.cfg.IndexPath, idx)
	}
	if err != nil {
		s.stale.Store(true)
		s.mu.Unlock()
		return Stats{}, fmt.Errorf("%w: %w", ErrIndexRebuild, err)
	}
	s.publish(idx)
	s.stale.Store(false)
	s.mu.Unlock()

	s.logger.Info("index repaired",
		"entries", idx.Len(),
		"generation", idx.Generation(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return s.Stats(ctx)
}

// Stats reports store and index counters.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	gen := s.current.Load()
	count, lastID, err := s.store.Count(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("counting records: %w", err)
	}
	return Stats{
		Records:      count,
		LastID:       lastID,
		IndexEntries: gen.index.Len(),
		IndexKind:    string(gen.index.Kind()),
		Dimension:    gen.index.Dim(),
		Generation:   gen.index.Generation().String(),
		PublishedAt:  gen.publishedAt,
		Stale:        s.stale.Load(),
		IndexPath:    s.cfg.IndexPath,
		EmbedPolicy:  string(s.cfg.EmbedPolicy),
	}, nil
}
