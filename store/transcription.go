package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/K3das/clementine/store/db"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	StatusStarted = "started"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

var ErrNotFound = fmt.Errorf("transcription not found")

// FindTranscription is GetTranscription with pgx.ErrNoRows mapped to ErrNotFound.
func (s *Store) FindTranscription(ctx context.Context, id uuid.UUID) (*db.Transcription, error) {
	transcription, err := s.GetTranscription(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("getting transcription: %w", err)
	}

	return &transcription, nil
}

// RecentTranscriptions lists the newest transcriptions, clamping limit to
// [1, MaxListLimit] and using DefaultListLimit when it is zero or negative.
func (s *Store) RecentTranscriptions(ctx context.Context, limit int) ([]db.Transcription, error) {
	transcriptions, err := s.ListTranscriptions(ctx, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("listing transcriptions: %w", err)
	}

	return transcriptions, nil
}

func ClampLimit(limit int) int32 {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return int32(limit)
	}
}
