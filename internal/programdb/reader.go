package programdb

import (
	"context"
	"errors"

	"github.com/hochfrequenz/evolve-orchestrator/internal/domain"
)

// Reader reads candidates from results locations, opening each database
// read-only for the duration of one call. A location without a database
// reads as empty.
type Reader struct{}

// Best returns the best candidate at location, or nil.
func (Reader) Best(ctx context.Context, location string) (*domain.CandidateSummary, error) {
	s, err := OpenReadOnly(location)
	if errors.Is(err, ErrNoStore) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return s.Best(ctx)
}

// Top returns up to n candidates at location.
func (Reader) Top(ctx context.Context, location string, n int) ([]domain.CandidateSummary, error) {
	s, err := OpenReadOnly(location)
	if errors.Is(err, ErrNoStore) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return s.Top(ctx, n)
}
