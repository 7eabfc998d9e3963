// README: Service, offer and assignment aggregates with their status definitions.
package negotiation

import (
	"time"

	"freight/internal/types"
)

type ServiceStatus string

const (
	StatusNone        ServiceStatus = ""
	StatusPublished   ServiceStatus = "PUBLICADO"
	StatusNegotiating ServiceStatus = "EM_NEGOCIACAO"
	StatusAccepted    ServiceStatus = "ACEITO"
	StatusCollected   ServiceStatus = "COLETADO"
	StatusDelivered   ServiceStatus = "ENTREGUE"
	StatusCancelled   ServiceStatus = "CANCELADO"
)

type OfferKind string

const (
	OfferAccept  OfferKind = "ACCEPT"
	OfferCounter OfferKind = "COUNTER"
)

func (k OfferKind) Valid() bool {
	return k == OfferAccept || k == OfferCounter
}

type OfferStatus string

const (
	OfferPending  OfferStatus = "PENDING"
	OfferAccepted OfferStatus = "ACCEPTED"
	OfferRejected OfferStatus = "REJECTED"
)

// Window is a closed time interval.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) Valid() bool {
	return !w.Start.IsZero() && !w.End.IsZero() && !w.End.Before(w.Start)
}

type Service struct {
	ID             types.ID
	CreatedBy      types.ID
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
	Status         ServiceStatus
	StatusVersion  int
	CreatedAt      time.Time
}

type Offer struct {
	ID        types.ID
	ServiceID types.ID
	DriverID  types.ID
	Kind      OfferKind
	Price     types.Money
	Message   *string
	Status    OfferStatus
	CreatedAt time.Time
}

// Assignment is created once per service, on acceptance, and never changes afterwards.
type Assignment struct {
	ID              types.ID
	ServiceID       types.ID
	DriverID        types.ID
	AcceptedOfferID types.ID
	AcceptedAt      time.Time
}

type Event struct {
	ID         int64
	ServiceID  types.ID
	FromStatus ServiceStatus
	ToStatus   ServiceStatus
	ActorID    *types.ID
	Reason     *string
	CreatedAt  time.Time
}

// AllowedTransitions represents the service status flow as code. Every arrow
// points forward; ENTREGUE and CANCELADO are terminal.
var AllowedTransitions = map[ServiceStatus][]ServiceStatus{
	StatusPublished:   {StatusNegotiating, StatusAccepted, StatusCancelled},
	StatusNegotiating: {StatusAccepted, StatusCancelled},
	StatusAccepted:    {StatusCollected},
	StatusCollected:   {StatusDelivered},
}

func CanTransition(from, to ServiceStatus) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// Editable reports whether content fields may still change.
func (s *Service) Editable() bool {
	return s.Status == StatusPublished || s.Status == StatusNegotiating
}

// OpenForOffers reports whether a driver may still submit an offer.
func (s *Service) OpenForOffers() bool {
	switch s.Status {
	case StatusAccepted, StatusCancelled, StatusDelivered:
		return false
	default:
		return true
	}
}
