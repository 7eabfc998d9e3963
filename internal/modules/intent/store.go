// README: Driver intent store backed by PostgreSQL (one row per driver).
package intent

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"freight/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Upsert(ctx context.Context, in *DriverIntent) error {
	var lat, lng *float64
	if in.Current != nil {
		lat, lng = &in.Current.Lat, &in.Current.Lng
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO driver_intents (
			driver_id, current_lat, current_lng,
			intended_dest_lat, intended_dest_lng, intended_dest_address,
			available_from, available_to, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (driver_id) DO UPDATE SET
			current_lat = EXCLUDED.current_lat,
			current_lng = EXCLUDED.current_lng,
			intended_dest_lat = EXCLUDED.intended_dest_lat,
			intended_dest_lng = EXCLUDED.intended_dest_lng,
			intended_dest_address = EXCLUDED.intended_dest_address,
			available_from = EXCLUDED.available_from,
			available_to = EXCLUDED.available_to,
			updated_at = EXCLUDED.updated_at`,
		string(in.DriverID), lat, lng,
		in.IntendedDest.Lat, in.IntendedDest.Lng, in.IntendedDestAddress,
		in.AvailableFrom, in.AvailableTo, in.UpdatedAt,
	)
	return err
}

func (s *Store) Get(ctx context.Context, driverID types.ID) (*DriverIntent, error) {
	row := s.db.QueryRow(ctx, `
		SELECT driver_id, current_lat, current_lng,
		       intended_dest_lat, intended_dest_lng, intended_dest_address,
		       available_from, available_to, updated_at
		FROM driver_intents
		WHERE driver_id = $1`, string(driverID),
	)

	var (
		in       DriverIntent
		lat, lng *float64
	)
	err := row.Scan(
		&in.DriverID, &lat, &lng,
		&in.IntendedDest.Lat, &in.IntendedDest.Lng, &in.IntendedDestAddress,
		&in.AvailableFrom, &in.AvailableTo, &in.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrIntentNotFound
	}
	if err != nil {
		return nil, err
	}
	if lat != nil && lng != nil {
		in.Current = &types.Point{Lat: *lat, Lng: *lng}
	}
	in.AvailableFrom = in.AvailableFrom.UTC()
	in.AvailableTo = in.AvailableTo.UTC()
	in.UpdatedAt = in.UpdatedAt.UTC()
	return &in, nil
}

// MemoryStore keeps intents in a map.
type MemoryStore struct {
	mu      sync.RWMutex
	intents map[types.ID]DriverIntent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{intents: map[types.ID]DriverIntent{}}
}

func (m *MemoryStore) Upsert(_ context.Context, in *DriverIntent) error {
	cp := *in
	if in.Current != nil {
		p := *in.Current
		cp.Current = &p
	}
	m.mu.Lock()
	m.intents[in.DriverID] = cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, driverID types.ID) (*DriverIntent, error) {
	m.mu.RLock()
	in, ok := m.intents[driverID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrIntentNotFound
	}
	return &in, nil
}
