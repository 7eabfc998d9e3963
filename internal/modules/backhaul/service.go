// README: Backhaul service resolves driver inputs, gathers candidates and scores them.
package backhaul

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"freight/internal/metrics"
	"freight/internal/modules/intent"
	"freight/internal/modules/negotiation"
	"freight/internal/types"
)

type ServiceLister interface {
	ListServices(ctx context.Context, f negotiation.ServiceFilter) ([]negotiation.Service, error)
}

type IntentReader interface {
	Get(ctx context.Context, driverID types.ID) (*intent.DriverIntent, error)
}

type CandidateIndex interface {
	IndexOpen(ctx context.Context, id types.ID, origin types.Point) error
	Unindex(ctx context.Context, id types.ID) error
	Nearby(ctx context.Context, p types.Point, radiusKm float64) ([]types.ID, error)
	Add(ctx context.Context, services []OpenService) error
	Rebuild(ctx context.Context, services []OpenService) error
}

type Config struct {
	DefaultRadiusKm float64
	MaxRadiusKm     float64
}

// Query asks for suggestions for one driver. When Caller is that driver,
// From and IntendedDest fall back to the stored intent; a zero RadiusKm
// means the default radius.
type Query struct {
	DriverID     types.ID
	Caller       types.ID
	From         *types.Point
	IntendedDest *types.Point
	RadiusKm     float64
}

// Service also keeps the open-service index in step with the negotiation
// engine. Index writes that fail make it stale: candidates come from a full
// listing until a catch-up or Reindex succeeds.
type Service struct {
	services ServiceLister
	intents  IntentReader
	index    CandidateIndex
	cfg      Config
	log      *zap.Logger

	missed atomic.Int64
}

// NewService builds the suggestion service; index may be nil, in which case
// every PUBLICADO service is a candidate.
func NewService(services ServiceLister, intents IntentReader, index CandidateIndex, cfg Config, log *zap.Logger) *Service {
	if cfg.DefaultRadiusKm <= 0 {
		cfg.DefaultRadiusKm = 200
	}
	if cfg.MaxRadiusKm <= 0 {
		cfg.MaxRadiusKm = 1000
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{services: services, intents: intents, index: index, cfg: cfg, log: log}
}

func (s *Service) Suggest(ctx context.Context, q Query) ([]Suggestion, error) {
	radius := q.RadiusKm
	if radius == 0 {
		radius = s.cfg.DefaultRadiusKm
	}
	if radius <= 0 || radius > s.cfg.MaxRadiusKm {
		return nil, fmt.Errorf("%w: radius_km must be in (0, %g]", types.ErrBadRequest, s.cfg.MaxRadiusKm)
	}

	from, dest, err := s.resolvePositions(ctx, q)
	if err != nil {
		return nil, err
	}

	candidates, err := s.candidates(ctx, from, radius)
	if err != nil {
		return nil, err
	}
	out := Score(candidates, from, dest, radius)

	metrics.BackhaulRequestsTotal.Inc()
	metrics.BackhaulSuggestions.Observe(float64(len(out)))
	return out, nil
}

func (s *Service) resolvePositions(ctx context.Context, q Query) (types.Point, types.Point, error) {
	var from, dest types.Point
	switch {
	case q.From != nil && q.IntendedDest != nil:
		from, dest = *q.From, *q.IntendedDest
	case q.Caller == "" || q.Caller != q.DriverID:
		// a stored intent reveals where the driver is; only the driver may use it
		return from, dest, fmt.Errorf("%w: from and intended destination are required", types.ErrBadRequest)
	default:
		in, err := s.intents.Get(ctx, q.DriverID)
		if errors.Is(err, types.ErrNotFound) {
			return from, dest, fmt.Errorf("%w: driver has no intent; pass from and intended destination", types.ErrBadRequest)
		}
		if err != nil {
			return from, dest, err
		}
		switch {
		case q.From != nil:
			from = *q.From
		case in.Current != nil:
			from = *in.Current
		default:
			return from, dest, fmt.Errorf("%w: driver intent has no current position", types.ErrBadRequest)
		}
		dest = in.IntendedDest
		if q.IntendedDest != nil {
			dest = *q.IntendedDest
		}
	}
	if !from.Valid() || !dest.Valid() {
		return from, dest, fmt.Errorf("%w: coordinates out of range", types.ErrBadRequest)
	}
	return from, dest, nil
}

// IndexOpen adds a PUBLICADO service to the index. A failure is counted so
// lookups stop trusting the index.
func (s *Service) IndexOpen(ctx context.Context, id types.ID, origin types.Point) error {
	if s.index == nil {
		return nil
	}
	err := s.index.IndexOpen(ctx, id, origin)
	if err != nil {
		s.missed.Add(1)
	}
	return err
}

// Unindex drops a service that left PUBLICADO. A leftover entry only costs a
// lookup since listings filter on status.
func (s *Service) Unindex(ctx context.Context, id types.ID) error {
	if s.index == nil {
		return nil
	}
	return s.index.Unindex(ctx, id)
}

// candidates narrows the open services through the index when it can be
// trusted. Otherwise all open services are listed and, if writes were missed,
// pushed back into the index.
func (s *Service) candidates(ctx context.Context, from types.Point, radiusKm float64) ([]negotiation.Service, error) {
	filter := negotiation.ServiceFilter{Status: negotiation.StatusPublished}
	if s.index == nil || !geoStorable(from) {
		return s.services.ListServices(ctx, filter)
	}

	missed := s.missed.Load()
	if missed == 0 {
		ids, err := s.index.Nearby(ctx, from, radiusKm)
		if err == nil {
			filter.IDs = ids
			if filter.IDs == nil {
				filter.IDs = []types.ID{}
			}
			return s.services.ListServices(ctx, filter)
		}
		s.log.Warn("backhaul index lookup failed, listing all open services", zap.Error(err))
	}

	open, err := s.services.ListServices(ctx, filter)
	if err != nil {
		return nil, err
	}
	if missed > 0 {
		if err := s.index.Add(ctx, openServices(open)); err != nil {
			s.log.Warn("backhaul index catch-up failed", zap.Error(err))
		} else {
			s.missed.CompareAndSwap(missed, 0)
		}
	}
	return open, nil
}

// Reindex loads every PUBLICADO service into the index.
func (s *Service) Reindex(ctx context.Context) error {
	if s.index == nil {
		return nil
	}
	missed := s.missed.Load()
	open, err := s.services.ListServices(ctx, negotiation.ServiceFilter{Status: negotiation.StatusPublished})
	if err != nil {
		return err
	}
	if err := s.index.Rebuild(ctx, openServices(open)); err != nil {
		return err
	}
	s.missed.CompareAndSwap(missed, 0)
	s.log.Info("backhaul index rebuilt", zap.Int("open_services", len(open)))
	return nil
}

func openServices(in []negotiation.Service) []OpenService {
	out := make([]OpenService, len(in))
	for i, svc := range in {
		out[i] = OpenService{ID: svc.ID, Origin: svc.Origin}
	}
	return out
}
