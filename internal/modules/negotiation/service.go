// README: Negotiation engine implements service/offer/assignment transitions, each in one store transaction.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"freight/internal/geo"
	"freight/internal/metrics"
	"freight/internal/types"
)

var (
	ErrServiceNotFound    = fmt.Errorf("service %w", types.ErrNotFound)
	ErrOfferNotFound      = fmt.Errorf("offer %w", types.ErrNotFound)
	ErrAssignmentNotFound = fmt.Errorf("assignment %w", types.ErrNotFound)

	ErrShipperRole       = fmt.Errorf("%w: shipper role required", types.ErrForbidden)
	ErrDriverRole        = fmt.Errorf("%w: driver role required", types.ErrForbidden)
	ErrNotOwner          = fmt.Errorf("%w: only the service creator may do this", types.ErrForbidden)
	ErrNotAssignedDriver = fmt.Errorf("%w: only the assigned driver may do this", types.ErrForbidden)
	ErrNotParticipant    = fmt.Errorf("%w: not a participant of this service", types.ErrForbidden)

	ErrNotEditable     = fmt.Errorf("%w: service status does not allow edits", types.ErrInvalidState)
	ErrServiceClosed   = fmt.Errorf("%w: service is not open for offers", types.ErrInvalidState)
	ErrNotCounter      = fmt.Errorf("%w: only counter offers can be accepted here", types.ErrInvalidState)
	ErrAlreadyAssigned = fmt.Errorf("%w: already assigned", types.ErrInvalidState)
	ErrConflict        = fmt.Errorf("%w: concurrent status change", types.ErrInvalidState)
)

// Repository is the transactional store owning services, offers and assignments.
// Reads outside InTx are best-effort snapshots.
type Repository interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	GetService(ctx context.Context, id types.ID) (*Service, error)
	ListServices(ctx context.Context, f ServiceFilter) ([]Service, error)
	ListOffers(ctx context.Context, serviceID types.ID) ([]Offer, error)
	LatestAssignmentByDriver(ctx context.Context, driverID types.ID) (*Assignment, error)
}

// Tx is the read-modify-write view of the store inside one transaction.
type Tx interface {
	AssignmentFinder
	LockService(ctx context.Context, id types.ID) (*Service, error)
	InsertService(ctx context.Context, svc *Service) error
	UpdateServiceContent(ctx context.Context, svc *Service) error
	UpdateServiceStatus(ctx context.Context, id types.ID, from, to ServiceStatus, version int) error
	GetOffer(ctx context.Context, id types.ID) (*Offer, error)
	InsertOffer(ctx context.Context, o *Offer) error
	ResolveOffers(ctx context.Context, serviceID, acceptedID types.ID) error
	FindAssignment(ctx context.Context, serviceID types.ID) (*Assignment, error)
	InsertAssignment(ctx context.Context, a *Assignment) error
	AppendEvent(ctx context.Context, e *Event) error
}

// Publisher receives committed status events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// OpenIndex tracks services that are still PUBLICADO for proximity lookups.
type OpenIndex interface {
	IndexOpen(ctx context.Context, id types.ID, origin types.Point) error
	Unindex(ctx context.Context, id types.ID) error
}

type Engine struct {
	store     Repository
	publisher Publisher
	index     OpenIndex
	log       *zap.Logger
	now       func() time.Time
}

// NewEngine wires the state machine to its store. publisher and index may be nil.
func NewEngine(store Repository, publisher Publisher, index OpenIndex, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		store:     store,
		publisher: publisher,
		index:     index,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type PostCommand struct {
	Title          string
	Description    string
	ServiceType    string
	OriginAddress  string
	Origin         types.Point
	DestAddress    string
	Dest           types.Point
	PickupWindow   Window
	DeliveryWindow Window
	OfferedPrice   types.Money
}

type PatchCommand struct {
	ServiceID    types.ID
	Title        *string
	Description  *string
	OfferedPrice *types.Money
}

type SubmitOfferCommand struct {
	ServiceID types.ID
	Kind      OfferKind
	Price     types.Money
	Message   *string
}

type CancelCommand struct {
	ServiceID types.ID
	Reason    *string
}

type ServiceFilter struct {
	Status    ServiceStatus
	CreatedBy types.ID
	IDs       []types.ID
	Near      *types.Point
	RadiusKm  float64
}

// Outcome is the result of a transition that may have produced an assignment.
type Outcome struct {
	Service    *Service
	Offer      *Offer
	Assignment *Assignment
}

// journal collects the status events written inside a transaction so they can
// be published once it commits.
type journal struct {
	events []Event
}

func (c PostCommand) validate() error {
	switch {
	case strings.TrimSpace(c.Title) == "":
		return fmt.Errorf("%w: title is required", types.ErrBadRequest)
	case !c.Origin.Valid() || !c.Dest.Valid():
		return fmt.Errorf("%w: coordinates out of range", types.ErrBadRequest)
	case !c.PickupWindow.Valid() || !c.DeliveryWindow.Valid():
		return fmt.Errorf("%w: time windows must have start <= end", types.ErrBadRequest)
	case !c.OfferedPrice.IsPositive():
		return fmt.Errorf("%w: offered price must be positive", types.ErrBadRequest)
	}
	return nil
}

func (c PatchCommand) validate() error {
	if c.Title != nil && strings.TrimSpace(*c.Title) == "" {
		return fmt.Errorf("%w: title cannot be empty", types.ErrBadRequest)
	}
	if c.OfferedPrice != nil && !c.OfferedPrice.IsPositive() {
		return fmt.Errorf("%w: offered price must be positive", types.ErrBadRequest)
	}
	return nil
}

func (c SubmitOfferCommand) validate() error {
	if !c.Kind.Valid() {
		return fmt.Errorf("%w: unknown offer kind %q", types.ErrBadRequest, c.Kind)
	}
	if !c.Price.IsPositive() {
		return fmt.Errorf("%w: price must be positive", types.ErrBadRequest)
	}
	return nil
}

func (s *Engine) PostService(ctx context.Context, actor types.Actor, cmd PostCommand) (*Service, error) {
	if !CanCreateService(actor.Role) {
		return nil, ErrShipperRole
	}
	if err := cmd.validate(); err != nil {
		return nil, err
	}

	svc := &Service{
		ID:             types.NewID(),
		CreatedBy:      actor.ID,
		Title:          cmd.Title,
		Description:    cmd.Description,
		ServiceType:    cmd.ServiceType,
		OriginAddress:  cmd.OriginAddress,
		Origin:         cmd.Origin,
		DestAddress:    cmd.DestAddress,
		Dest:           cmd.Dest,
		PickupWindow:   cmd.PickupWindow,
		DeliveryWindow: cmd.DeliveryWindow,
		OfferedPrice:   cmd.OfferedPrice,
		Status:         StatusPublished,
		CreatedAt:      s.now(),
	}

	var j journal
	err := s.store.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertService(ctx, svc); err != nil {
			return err
		}
		return s.record(ctx, tx, &j, svc.ID, StatusNone, StatusPublished, &actor.ID, nil)
	})
	if err != nil {
		return nil, err
	}
	metrics.ServicesPostedTotal.Inc()
	s.afterCommit(ctx, &j, svc)
	return svc, nil
}

func (s *Engine) PatchService(ctx context.Context, actor types.Actor, cmd PatchCommand) (*Service, error) {
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	var svc *Service
	err := s.store.InTx(ctx, func(tx Tx) error {
		var err error
		svc, err = tx.LockService(ctx, cmd.ServiceID)
		if err != nil {
			return err
		}
		if !CanEditService(actor.ID, svc) {
			if svc.CreatedBy != actor.ID {
				return ErrNotOwner
			}
			return ErrNotEditable
		}
		if cmd.Title != nil {
			svc.Title = *cmd.Title
		}
		if cmd.Description != nil {
			svc.Description = *cmd.Description
		}
		if cmd.OfferedPrice != nil {
			svc.OfferedPrice = *cmd.OfferedPrice
		}
		return tx.UpdateServiceContent(ctx, svc)
	})
	if err != nil {
		return nil, err
	}
	return svc, nil
}

// SubmitOffer records a driver's bid. An ACCEPT offer is accepted in the same
// transaction, so the caller gets the assignment back in one call.
func (s *Engine) SubmitOffer(ctx context.Context, actor types.Actor, cmd SubmitOfferCommand) (*Outcome, error) {
	if !CanSubmitOffer(actor.Role) {
		return nil, ErrDriverRole
	}
	if err := cmd.validate(); err != nil {
		return nil, err
	}

	var (
		j   journal
		out Outcome
	)
	err := s.store.InTx(ctx, func(tx Tx) error {
		svc, err := tx.LockService(ctx, cmd.ServiceID)
		if err != nil {
			return err
		}
		if !svc.OpenForOffers() {
			return ErrServiceClosed
		}
		offer := &Offer{
			ID:        types.NewID(),
			ServiceID: svc.ID,
			DriverID:  actor.ID,
			Kind:      cmd.Kind,
			Price:     cmd.Price,
			Message:   cmd.Message,
			Status:    OfferPending,
			CreatedAt: s.now(),
		}
		if err := tx.InsertOffer(ctx, offer); err != nil {
			return err
		}
		if svc.Status == StatusPublished {
			if err := s.transition(ctx, tx, &j, svc, StatusNegotiating, &actor.ID, nil); err != nil {
				return err
			}
		}
		out.Service, out.Offer = svc, offer
		if cmd.Kind == OfferAccept {
			out.Assignment, err = s.accept(ctx, tx, &j, svc, offer, actor.ID)
			return err
		}
		return nil
	})
	if err != nil {
		s.countRaceLoss(err)
		return nil, err
	}
	metrics.OffersSubmittedTotal.WithLabelValues(string(cmd.Kind)).Inc()
	s.afterCommit(ctx, &j, out.Service)
	return &out, nil
}

// AcceptOffer is the creator's explicit acceptance of a counter offer.
func (s *Engine) AcceptOffer(ctx context.Context, actor types.Actor, offerID types.ID) (*Outcome, error) {
	var (
		j   journal
		out Outcome
	)
	err := s.store.InTx(ctx, func(tx Tx) error {
		offer, err := tx.GetOffer(ctx, offerID)
		if err != nil {
			return err
		}
		svc, err := tx.LockService(ctx, offer.ServiceID)
		if err != nil {
			return err
		}
		if !CanAcceptCounter(actor.ID, svc) {
			return ErrNotOwner
		}
		if offer.Kind != OfferCounter {
			return ErrNotCounter
		}
		out.Service, out.Offer = svc, offer
		out.Assignment, err = s.accept(ctx, tx, &j, svc, offer, actor.ID)
		return err
	})
	if err != nil {
		s.countRaceLoss(err)
		return nil, err
	}
	s.afterCommit(ctx, &j, out.Service)
	return &out, nil
}

// accept resolves every offer of the service, creates the assignment and moves
// the service to ACEITO. The existing-assignment check runs under the service
// row lock; the unique constraint on assignments.service_id backs it up.
func (s *Engine) accept(ctx context.Context, tx Tx, j *journal, svc *Service, offer *Offer, actorID types.ID) (*Assignment, error) {
	_, err := tx.FindAssignment(ctx, svc.ID)
	if err == nil {
		return nil, ErrAlreadyAssigned
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}
	if !CanTransition(svc.Status, StatusAccepted) {
		return nil, fmt.Errorf("%w: cannot accept offers while %s", types.ErrInvalidState, svc.Status)
	}
	if err := tx.ResolveOffers(ctx, svc.ID, offer.ID); err != nil {
		return nil, err
	}
	offer.Status = OfferAccepted

	a := &Assignment{
		ID:              types.NewID(),
		ServiceID:       svc.ID,
		DriverID:        offer.DriverID,
		AcceptedOfferID: offer.ID,
		AcceptedAt:      s.now(),
	}
	if err := tx.InsertAssignment(ctx, a); err != nil {
		return nil, err
	}
	if err := s.transition(ctx, tx, j, svc, StatusAccepted, &actorID, nil); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Engine) Collect(ctx context.Context, actor types.Actor, serviceID types.ID) (*Service, error) {
	return s.advance(ctx, actor, serviceID, StatusAccepted, StatusCollected)
}

func (s *Engine) Deliver(ctx context.Context, actor types.Actor, serviceID types.ID) (*Service, error) {
	return s.advance(ctx, actor, serviceID, StatusCollected, StatusDelivered)
}

// advance moves an assigned service one step, only from exactly the expected status.
func (s *Engine) advance(ctx context.Context, actor types.Actor, serviceID types.ID, from, to ServiceStatus) (*Service, error) {
	if !CanSubmitOffer(actor.Role) {
		return nil, ErrDriverRole
	}
	var (
		j   journal
		svc *Service
	)
	err := s.store.InTx(ctx, func(tx Tx) error {
		ok, err := CanActOnAssignment(ctx, tx, actor.ID, serviceID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotAssignedDriver
		}
		svc, err = tx.LockService(ctx, serviceID)
		if err != nil {
			return err
		}
		if svc.Status != from {
			return fmt.Errorf("%w: service is %s, expected %s", types.ErrInvalidState, svc.Status, from)
		}
		return s.transition(ctx, tx, &j, svc, to, &actor.ID, nil)
	})
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, &j, svc)
	return svc, nil
}

// Cancel moves a service that has not been accepted yet into CANCELADO. Only
// the creator may do it; offers are left untouched.
func (s *Engine) Cancel(ctx context.Context, actor types.Actor, cmd CancelCommand) (*Service, error) {
	var (
		j   journal
		svc *Service
	)
	err := s.store.InTx(ctx, func(tx Tx) error {
		var err error
		svc, err = tx.LockService(ctx, cmd.ServiceID)
		if err != nil {
			return err
		}
		if svc.CreatedBy != actor.ID {
			return ErrNotOwner
		}
		return s.transition(ctx, tx, &j, svc, StatusCancelled, &actor.ID, cmd.Reason)
	})
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, &j, svc)
	return svc, nil
}

func (s *Engine) GetService(ctx context.Context, id types.ID) (*Service, error) {
	return s.store.GetService(ctx, id)
}

// ListServices returns services matching the filter; when Near is set only
// services whose origin lies within RadiusKm are kept.
func (s *Engine) ListServices(ctx context.Context, f ServiceFilter) ([]Service, error) {
	services, err := s.store.ListServices(ctx, f)
	if err != nil {
		return nil, err
	}
	if f.Near == nil {
		return services, nil
	}
	out := services[:0]
	for _, svc := range services {
		if geo.HaversineKm(*f.Near, svc.Origin) <= f.RadiusKm {
			out = append(out, svc)
		}
	}
	return out, nil
}

// ListOffers is visible to the service creator and to drivers who have offered.
func (s *Engine) ListOffers(ctx context.Context, actor types.Actor, serviceID types.ID) ([]Offer, error) {
	svc, err := s.store.GetService(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	offers, err := s.store.ListOffers(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if actor.ID == svc.CreatedBy {
		return offers, nil
	}
	for _, o := range offers {
		if o.DriverID == actor.ID {
			return offers, nil
		}
	}
	return nil, ErrNotParticipant
}

func (s *Engine) MyServices(ctx context.Context, actor types.Actor) ([]Service, error) {
	if !CanCreateService(actor.Role) {
		return nil, ErrShipperRole
	}
	return s.store.ListServices(ctx, ServiceFilter{CreatedBy: actor.ID})
}

// MyAssignment returns the driver's most recent assignment and its service,
// or nils when the driver was never assigned.
func (s *Engine) MyAssignment(ctx context.Context, actor types.Actor) (*Assignment, *Service, error) {
	if !CanSubmitOffer(actor.Role) {
		return nil, nil, ErrDriverRole
	}
	a, err := s.store.LatestAssignmentByDriver(ctx, actor.ID)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	svc, err := s.store.GetService(ctx, a.ServiceID)
	if err != nil {
		return nil, nil, err
	}
	return a, svc, nil
}

// transition applies one arrow of AllowedTransitions with the optimistic
// status guard and writes the audit event in the same transaction.
func (s *Engine) transition(ctx context.Context, tx Tx, j *journal, svc *Service, to ServiceStatus, actorID *types.ID, reason *string) error {
	if !CanTransition(svc.Status, to) {
		return fmt.Errorf("%w: %s -> %s", types.ErrInvalidState, svc.Status, to)
	}
	if err := tx.UpdateServiceStatus(ctx, svc.ID, svc.Status, to, svc.StatusVersion); err != nil {
		return err
	}
	from := svc.Status
	svc.Status = to
	svc.StatusVersion++
	return s.record(ctx, tx, j, svc.ID, from, to, actorID, reason)
}

func (s *Engine) record(ctx context.Context, tx Tx, j *journal, id types.ID, from, to ServiceStatus, actorID *types.ID, reason *string) error {
	e := Event{
		ServiceID:  id,
		FromStatus: from,
		ToStatus:   to,
		ActorID:    actorID,
		Reason:     reason,
		CreatedAt:  s.now(),
	}
	if err := tx.AppendEvent(ctx, &e); err != nil {
		return err
	}
	j.events = append(j.events, e)
	return nil
}

// afterCommit fans committed events out to the publisher and the open-service
// index. Failures are logged only: both are best-effort views of the store.
func (s *Engine) afterCommit(ctx context.Context, j *journal, svc *Service) {
	for _, e := range j.events {
		metrics.StatusTransitionsTotal.WithLabelValues(string(e.ToStatus)).Inc()
		if e.ToStatus == StatusAccepted {
			metrics.AssignmentsCreatedTotal.Inc()
		}
		if s.publisher != nil {
			if err := s.publisher.Publish(ctx, e); err != nil {
				s.log.Warn("publish service event",
					zap.String("service_id", string(e.ServiceID)),
					zap.String("to", string(e.ToStatus)),
					zap.Error(err))
			}
		}
		if s.index == nil {
			continue
		}
		var err error
		switch {
		case e.ToStatus == StatusPublished:
			err = s.index.IndexOpen(ctx, svc.ID, svc.Origin)
		case e.FromStatus == StatusPublished:
			err = s.index.Unindex(ctx, svc.ID)
		}
		if err != nil {
			s.log.Warn("update open service index", zap.String("service_id", string(svc.ID)), zap.Error(err))
		}
	}
}

func (s *Engine) countRaceLoss(err error) {
	if errors.Is(err, ErrAlreadyAssigned) {
		metrics.AcceptRacesLostTotal.Inc()
	}
}
