// Package vector provides the multi-head vector store: named collections
// with pinned dimensionality, session-scoped nearest-neighbour search,
// and concurrent fan-out across heads.
package vector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/mira/pkg/models"
)

// Stable head names. Others may be added, but these meanings are fixed.
const (
	HeadSemantic     = "semantic"
	HeadConversation = "conversation"
	HeadSummary      = "summary"
	HeadCode         = "code"
)

// ErrorKind classifies vector store failures.
type ErrorKind string

const (
	KindUnavailable       ErrorKind = "unavailable"
	KindDimensionMismatch ErrorKind = "dimension_mismatch"
	KindNotFound          ErrorKind = "not_found"
	KindBackend           ErrorKind = "backend"
)

// VectorError wraps a backend failure. Unavailable must not escape the
// recall or summarization layers; callers there degrade instead.
type VectorError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *VectorError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("vector: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("vector: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *VectorError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err is an Unavailable vector error.
func IsUnavailable(err error) bool {
	var ve *VectorError
	return errors.As(err, &ve) && ve.Kind == KindUnavailable
}

// Point is one stored vector with its recall payload.
type Point struct {
	ID        string
	EntryID   int64
	SessionID string
	Content   string
	Salience  float64
	Tags      []string
	Timestamp time.Time
	Vector    []float32
}

// Hit is one search result with its similarity score.
type Hit struct {
	Point Point
	Score float32
}

// Backend stores points for one or more named collections.
type Backend interface {
	EnsureCollection(ctx context.Context, name string, dim int) error
	Upsert(ctx context.Context, collection string, points []Point) error
	Query(ctx context.Context, collection, sessionID string, vec []float32, k int) ([]Hit, error)
	Scroll(ctx context.Context, collection string) ([]string, error)
	Delete(ctx context.Context, collection, pointID string) error
	Close() error
}

var pointNamespace = uuid.MustParse("7f6c3a52-8f04-49d1-9d06-1f25c1a0b9be")

// PointID derives the stable point id for an entry in a head. Qdrant
// requires UUID point ids, so the (head, entry) pair is hashed into one.
func PointID(head string, entryID int64) string {
	return uuid.NewSHA1(pointNamespace, []byte(head+":"+strconv.FormatInt(entryID, 10))).String()
}

// HeadResult groups SearchAll hits by the head they came from.
type HeadResult struct {
	Head string
	Hits []Hit
}

// Store is the multi-head vector surface. Dimensions are pinned per
// head at creation; writes of a different length fail with
// DimensionMismatch before reaching the backend.
type Store struct {
	backend Backend

	mu   sync.RWMutex
	dims map[string]int
}

// New wraps a backend in the multi-head store.
func New(backend Backend) *Store {
	return &Store{backend: backend, dims: make(map[string]int)}
}

// EnsureHead creates the named head with the given dimension, pinning it
// for all subsequent writes.
func (s *Store) EnsureHead(ctx context.Context, name string, dim int) error {
	if dim <= 0 {
		return &VectorError{Kind: KindBackend, Op: "ensure head", Err: fmt.Errorf("dimension must be positive, got %d", dim)}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.dims[name]; ok {
		if existing != dim {
			return &VectorError{Kind: KindDimensionMismatch, Op: "ensure head",
				Err: fmt.Errorf("head %s pinned at %d, requested %d", name, existing, dim)}
		}
		return nil
	}
	if err := s.backend.EnsureCollection(ctx, name, dim); err != nil {
		return err
	}
	s.dims[name] = dim
	return nil
}

// Heads returns the known head names.
func (s *Store) Heads() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	heads := make([]string, 0, len(s.dims))
	for name := range s.dims {
		heads = append(heads, name)
	}
	sort.Strings(heads)
	return heads
}

func (s *Store) checkDim(op, head string, vec []float32) error {
	s.mu.RLock()
	dim, ok := s.dims[head]
	s.mu.RUnlock()
	if !ok {
		return &VectorError{Kind: KindNotFound, Op: op, Err: fmt.Errorf("unknown head %s", head)}
	}
	if len(vec) != dim {
		return &VectorError{Kind: KindDimensionMismatch, Op: op,
			Err: fmt.Errorf("head %s pinned at %d, got vector of length %d", head, dim, len(vec))}
	}
	return nil
}

// Save stores one entry's vector in a head and returns the point id.
func (s *Store) Save(ctx context.Context, head string, entry *models.MessageEntry, vec []float32) (string, error) {
	ids, err := s.SaveBatch(ctx, head, []*models.MessageEntry{entry}, [][]float32{vec})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// SaveBatch stores several entries in one backend roundtrip.
func (s *Store) SaveBatch(ctx context.Context, head string, entries []*models.MessageEntry, vecs [][]float32) ([]string, error) {
	if len(entries) != len(vecs) {
		return nil, &VectorError{Kind: KindBackend, Op: "save batch",
			Err: fmt.Errorf("entries and vectors differ in length: %d vs %d", len(entries), len(vecs))}
	}
	points := make([]Point, 0, len(entries))
	ids := make([]string, 0, len(entries))
	for i, entry := range entries {
		if err := s.checkDim("save batch", head, vecs[i]); err != nil {
			return nil, err
		}
		salience := 0.0
		if entry.Analysis != nil {
			salience = entry.Analysis.Salience
		}
		id := PointID(head, entry.ID)
		points = append(points, Point{
			ID:        id,
			EntryID:   entry.ID,
			SessionID: entry.SessionID,
			Content:   entry.Content,
			Salience:  salience,
			Tags:      entry.Tags,
			Timestamp: entry.Timestamp,
			Vector:    vecs[i],
		})
		ids = append(ids, id)
	}
	if err := s.backend.Upsert(ctx, head, points); err != nil {
		return nil, err
	}
	return ids, nil
}

// Search runs a session-scoped nearest-neighbour query against one head.
func (s *Store) Search(ctx context.Context, head, sessionID string, vec []float32, k int) ([]Hit, error) {
	if err := s.checkDim("search", head, vec); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 10
	}
	return s.backend.Query(ctx, head, sessionID, vec, k)
}

// SearchAll fans out concurrently to every head whose dimension matches
// the query vector and merges results preserving per-head identity.
func (s *Store) SearchAll(ctx context.Context, sessionID string, vec []float32, kPerHead int) ([]HeadResult, error) {
	heads := s.Heads()
	results := make([]HeadResult, len(heads))

	g, gctx := errgroup.WithContext(ctx)
	for i, head := range heads {
		s.mu.RLock()
		dim := s.dims[head]
		s.mu.RUnlock()
		if dim != len(vec) {
			// Heads with other embedders are skipped, not failed.
			results[i] = HeadResult{Head: head}
			continue
		}
		g.Go(func() error {
			hits, err := s.backend.Query(gctx, head, sessionID, vec, kPerHead)
			if err != nil {
				return err
			}
			results[i] = HeadResult{Head: head, Hits: hits}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ScrollAllPoints lists every point id in a head, for orphan cleanup.
func (s *Store) ScrollAllPoints(ctx context.Context, head string) ([]string, error) {
	return s.backend.Scroll(ctx, head)
}

// Delete removes one point from a head.
func (s *Store) Delete(ctx context.Context, head, pointID string) error {
	return s.backend.Delete(ctx, head, pointID)
}

// Close releases the backend.
func (s *Store) Close() error { return s.backend.Close() }
