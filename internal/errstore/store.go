package errstore

import (
	"context"

	"github.com/haasonsaas/mira/internal/storage"
	"github.com/haasonsaas/mira/pkg/models"
)

// maxRawLength caps the stored raw error text.
const maxRawLength = 4096

// Store layers fingerprinting over the relational error-pattern and
// correction tables.
type Store struct {
	patterns    storage.ErrorPatternStore
	corrections storage.CorrectionStore
}

// New wraps the storage surfaces.
func New(patterns storage.ErrorPatternStore, corrections storage.CorrectionStore) *Store {
	return &Store{patterns: patterns, corrections: corrections}
}

// RecordFailure normalizes and upserts one failure, incrementing the
// occurrence count for repeats.
func (s *Store) RecordFailure(ctx context.Context, projectID, toolName, errText string) (*models.ErrorPattern, error) {
	raw := errText
	if len(raw) > maxRawLength {
		raw = raw[:maxRawLength]
	}
	return s.patterns.UpsertErrorPattern(ctx, &models.ErrorPattern{
		ProjectID:   projectID,
		ToolName:    toolName,
		Fingerprint: Fingerprint(errText),
		Template:    Normalize(errText),
		Raw:         raw,
	})
}

// ResolutionFor returns the stored resolution matching an error text,
// or a NotFound storage error.
func (s *Store) ResolutionFor(ctx context.Context, projectID, toolName, errText string) (string, error) {
	return s.patterns.FindResolution(ctx, projectID, toolName, Fingerprint(errText))
}

// Resolve records a resolution against an error text's fingerprint.
func (s *Store) Resolve(ctx context.Context, projectID, toolName, errText, resolution string) error {
	return s.patterns.ResolveErrorPattern(ctx, projectID, toolName, Fingerprint(errText), resolution)
}

// SimilarFixes matches a query's extracted error lines against resolved
// patterns in the project.
func (s *Store) SimilarFixes(ctx context.Context, projectID, query string, limit int) ([]models.ErrorFix, error) {
	fingerprints := ExtractFingerprints(query, 5)
	if len(fingerprints) == 0 {
		return nil, nil
	}
	patterns, err := s.patterns.SimilarPatterns(ctx, projectID, fingerprints, limit)
	if err != nil {
		return nil, err
	}
	fixes := make([]models.ErrorFix, 0, len(patterns))
	for _, p := range patterns {
		fixes = append(fixes, models.ErrorFix{Pattern: p, Resolution: p.Resolution})
	}
	return fixes, nil
}

// ActiveCorrections returns the injection slice for a turn: active
// corrections for the scope chain ordered most-specific first, capped
// at the injection budget.
func (s *Store) ActiveCorrections(ctx context.Context, projectID, sessionID string, budget int) ([]*models.Correction, error) {
	if budget <= 0 {
		budget = 5
	}
	return s.corrections.ListCorrections(ctx, projectID, sessionID, budget)
}
