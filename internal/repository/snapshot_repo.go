package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripcol/gateway/internal/model"
	"github.com/stripcol/gateway/internal/session"
)

// SnapshotRepository provides data access for session snapshots.
type SnapshotRepository struct {
	db *sql.DB
}

// NewSnapshotRepository creates a new SnapshotRepository.
func NewSnapshotRepository(db *sql.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// Save inserts or replaces the snapshot of snap.Code.
func (r *SnapshotRepository) Save(ctx context.Context, snap model.SessionSnapshot) error {
	var controller sql.NullString
	if snap.Controller != nil {
		raw, err := json.Marshal(snap.Controller)
		if err != nil {
			return fmt.Errorf("failed to serialize controller: %w", err)
		}
		controller = sql.NullString{String: string(raw), Valid: true}
	}

	aircraft := snap.Aircraft
	if aircraft == nil {
		aircraft = []json.RawMessage{}
	}
	aircraftJSON, err := json.Marshal(aircraft)
	if err != nil {
		return fmt.Errorf("failed to serialize aircraft: %w", err)
	}

	atcList := snap.ATCList
	if len(atcList) == 0 {
		atcList = json.RawMessage("[]")
	}

	updatedAt := snap.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	query := `
		INSERT INTO session_snapshots (code, controller, aircraft, atc_list, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			controller = excluded.controller,
			aircraft = excluded.aircraft,
			atc_list = excluded.atc_list,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		model.NormalizeCode(snap.Code),
		controller,
		string(aircraftJSON),
		string(atcList),
		updatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	return nil
}

// GetByCode retrieves the snapshot of code.
func (r *SnapshotRepository) GetByCode(ctx context.Context, code string) (*model.SessionSnapshot, error) {
	query := `
		SELECT code, controller, aircraft, atc_list, updated_at
		FROM session_snapshots
		WHERE code = ?
	`

	row := r.db.QueryRowContext(ctx, query, model.NormalizeCode(code))
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, model.ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return snap, nil
}

// List returns every stored snapshot ordered by code.
func (r *SnapshotRepository) List(ctx context.Context) ([]*model.SessionSnapshot, error) {
	query := `
		SELECT code, controller, aircraft, atc_list, updated_at
		FROM session_snapshots
		ORDER BY code
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*model.SessionSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return snaps, nil
}

// Delete removes the snapshot of code.
func (r *SnapshotRepository) Delete(ctx context.Context, code string) error {
	query := `DELETE FROM session_snapshots WHERE code = ?`

	result, err := r.db.ExecContext(ctx, query, model.NormalizeCode(code))
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrNoSession
	}

	return nil
}

// DeleteOlderThan removes snapshots not updated since cutoff and returns how
// many were removed.
func (r *SnapshotRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM session_snapshots WHERE updated_at < ?`

	result, err := r.db.ExecContext(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// Loader adapts the repository to session.Loader. Missing snapshots load as
// nil.
func (r *SnapshotRepository) Loader(ctx context.Context) session.Loader {
	return func(code string) (*model.SessionSnapshot, error) {
		snap, err := r.GetByCode(ctx, code)
		if errors.Is(err, model.ErrNoSession) {
			return nil, nil
		}
		return snap, err
	}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(s scanner) (*model.SessionSnapshot, error) {
	snap := &model.SessionSnapshot{}
	var controller sql.NullString
	var aircraftJSON, atcList string

	if err := s.Scan(&snap.Code, &controller, &aircraftJSON, &atcList, &snap.UpdatedAt); err != nil {
		return nil, err
	}

	if controller.Valid && controller.String != "" {
		snap.Controller = &model.ControllerInfo{}
		if err := json.Unmarshal([]byte(controller.String), snap.Controller); err != nil {
			return nil, fmt.Errorf("failed to parse controller: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(aircraftJSON), &snap.Aircraft); err != nil {
		return nil, fmt.Errorf("failed to parse aircraft: %w", err)
	}
	snap.ATCList = json.RawMessage(atcList)
	return snap, nil
}
