// README: Intent service validates and stores driver intents.
package intent

import (
	"context"
	"fmt"
	"time"

	"freight/internal/types"
)

var (
	ErrIntentNotFound = fmt.Errorf("driver intent %w", types.ErrNotFound)
	ErrDriverRole     = fmt.Errorf("%w: driver role required", types.ErrForbidden)
)

type Repository interface {
	Upsert(ctx context.Context, in *DriverIntent) error
	Get(ctx context.Context, driverID types.ID) (*DriverIntent, error)
}

type UpsertCommand struct {
	Current             *types.Point
	IntendedDest        types.Point
	IntendedDestAddress string
	AvailableFrom       time.Time
	AvailableTo         time.Time
}

type Service struct {
	store Repository
	now   func() time.Time
}

func NewService(store Repository) *Service {
	return &Service{store: store, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Service) Upsert(ctx context.Context, actor types.Actor, cmd UpsertCommand) (*DriverIntent, error) {
	if actor.Role != types.RoleDriver && actor.Role != types.RoleBoth {
		return nil, ErrDriverRole
	}
	if cmd.Current != nil && !cmd.Current.Valid() {
		return nil, fmt.Errorf("%w: current position out of range", types.ErrBadRequest)
	}
	if !cmd.IntendedDest.Valid() {
		return nil, fmt.Errorf("%w: intended destination out of range", types.ErrBadRequest)
	}
	if cmd.AvailableFrom.IsZero() || cmd.AvailableTo.IsZero() || cmd.AvailableTo.Before(cmd.AvailableFrom) {
		return nil, fmt.Errorf("%w: available_from must not be after available_to", types.ErrBadRequest)
	}

	in := &DriverIntent{
		DriverID:            actor.ID,
		Current:             cmd.Current,
		IntendedDest:        cmd.IntendedDest,
		IntendedDestAddress: cmd.IntendedDestAddress,
		AvailableFrom:       cmd.AvailableFrom.UTC(),
		AvailableTo:         cmd.AvailableTo.UTC(),
		UpdatedAt:           s.now(),
	}
	if err := s.store.Upsert(ctx, in); err != nil {
		return nil, err
	}
	return in, nil
}

func (s *Service) Get(ctx context.Context, driverID types.ID) (*DriverIntent, error) {
	return s.store.Get(ctx, driverID)
}
