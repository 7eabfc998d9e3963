// README: Request and response bodies; prices travel as decimal numbers.
package handlers

import (
	"time"

	"freight/internal/modules/backhaul"
	"freight/internal/modules/intent"
	"freight/internal/modules/negotiation"
	"freight/internal/types"
)

type serviceReq struct {
	Title               string    `json:"title" binding:"required"`
	Description         string    `json:"description"`
	ServiceType         string    `json:"service_type"`
	OriginAddress       string    `json:"origin_address"`
	OriginLat           *float64  `json:"origin_lat" binding:"required"`
	OriginLng           *float64  `json:"origin_lng" binding:"required"`
	DestAddress         string    `json:"dest_address"`
	DestLat             *float64  `json:"dest_lat" binding:"required"`
	DestLng             *float64  `json:"dest_lng" binding:"required"`
	PickupWindowStart   time.Time `json:"pickup_window_start" binding:"required"`
	PickupWindowEnd     time.Time `json:"pickup_window_end" binding:"required"`
	DeliveryWindowStart time.Time `json:"delivery_window_start" binding:"required"`
	DeliveryWindowEnd   time.Time `json:"delivery_window_end" binding:"required"`
	OfferedPrice        float64   `json:"offered_price" binding:"required"`
}

func (r serviceReq) command() negotiation.PostCommand {
	return negotiation.PostCommand{
		Title:          r.Title,
		Description:    r.Description,
		ServiceType:    r.ServiceType,
		OriginAddress:  r.OriginAddress,
		Origin:         types.Point{Lat: *r.OriginLat, Lng: *r.OriginLng},
		DestAddress:    r.DestAddress,
		Dest:           types.Point{Lat: *r.DestLat, Lng: *r.DestLng},
		PickupWindow:   negotiation.Window{Start: r.PickupWindowStart, End: r.PickupWindowEnd},
		DeliveryWindow: negotiation.Window{Start: r.DeliveryWindowStart, End: r.DeliveryWindowEnd},
		OfferedPrice:   types.MoneyFromFloat(r.OfferedPrice, types.DefaultCurrency),
	}
}

type servicePatchReq struct {
	Title        *string  `json:"title"`
	Description  *string  `json:"description"`
	OfferedPrice *float64 `json:"offered_price"`
}

type offerReq struct {
	Kind    string  `json:"kind" binding:"required"`
	Price   float64 `json:"price" binding:"required"`
	Message *string `json:"message"`
}

// statusActionReq carries the optional reason of a status action.
type statusActionReq struct {
	Reason *string `json:"reason"`
}

type intentReq struct {
	CurrentLat          *float64  `json:"current_lat"`
	CurrentLng          *float64  `json:"current_lng"`
	IntendedDestLat     *float64  `json:"intended_dest_lat" binding:"required"`
	IntendedDestLng     *float64  `json:"intended_dest_lng" binding:"required"`
	IntendedDestAddress string    `json:"intended_dest_address"`
	AvailableFrom       time.Time `json:"available_from" binding:"required"`
	AvailableTo         time.Time `json:"available_to" binding:"required"`
}

type serviceResp struct {
	ID                  types.ID                  `json:"id"`
	CreatedBy           types.ID                  `json:"created_by_user_id"`
	Title               string                    `json:"title"`
	Description         string                    `json:"description"`
	ServiceType         string                    `json:"service_type"`
	OriginAddress       string                    `json:"origin_address"`
	OriginLat           float64                   `json:"origin_lat"`
	OriginLng           float64                   `json:"origin_lng"`
	DestAddress         string                    `json:"dest_address"`
	DestLat             float64                   `json:"dest_lat"`
	DestLng             float64                   `json:"dest_lng"`
	PickupWindowStart   time.Time                 `json:"pickup_window_start"`
	PickupWindowEnd     time.Time                 `json:"pickup_window_end"`
	DeliveryWindowStart time.Time                 `json:"delivery_window_start"`
	DeliveryWindowEnd   time.Time                 `json:"delivery_window_end"`
	OfferedPrice        float64                   `json:"offered_price"`
	Currency            string                    `json:"currency"`
	Status              negotiation.ServiceStatus `json:"status"`
	CreatedAt           time.Time                 `json:"created_at"`
}

func toServiceResp(s *negotiation.Service) serviceResp {
	return serviceResp{
		ID:                  s.ID,
		CreatedBy:           s.CreatedBy,
		Title:               s.Title,
		Description:         s.Description,
		ServiceType:         s.ServiceType,
		OriginAddress:       s.OriginAddress,
		OriginLat:           s.Origin.Lat,
		OriginLng:           s.Origin.Lng,
		DestAddress:         s.DestAddress,
		DestLat:             s.Dest.Lat,
		DestLng:             s.Dest.Lng,
		PickupWindowStart:   s.PickupWindow.Start,
		PickupWindowEnd:     s.PickupWindow.End,
		DeliveryWindowStart: s.DeliveryWindow.Start,
		DeliveryWindowEnd:   s.DeliveryWindow.End,
		OfferedPrice:        s.OfferedPrice.Float(),
		Currency:            s.OfferedPrice.Currency,
		Status:              s.Status,
		CreatedAt:           s.CreatedAt,
	}
}

func toServiceList(in []negotiation.Service) []serviceResp {
	out := make([]serviceResp, len(in))
	for i := range in {
		out[i] = toServiceResp(&in[i])
	}
	return out
}

type offerResp struct {
	ID        types.ID                `json:"id"`
	ServiceID types.ID                `json:"service_id"`
	DriverID  types.ID                `json:"driver_user_id"`
	Kind      negotiation.OfferKind   `json:"kind"`
	Price     float64                 `json:"price"`
	Message   *string                 `json:"message"`
	Status    negotiation.OfferStatus `json:"status"`
	CreatedAt time.Time               `json:"created_at"`
}

func toOfferResp(o *negotiation.Offer) offerResp {
	return offerResp{
		ID:        o.ID,
		ServiceID: o.ServiceID,
		DriverID:  o.DriverID,
		Kind:      o.Kind,
		Price:     o.Price.Float(),
		Message:   o.Message,
		Status:    o.Status,
		CreatedAt: o.CreatedAt,
	}
}

type assignmentResp struct {
	ID              types.ID  `json:"id"`
	ServiceID       types.ID  `json:"service_id"`
	DriverID        types.ID  `json:"driver_user_id"`
	AcceptedOfferID types.ID  `json:"accepted_offer_id"`
	AcceptedAt      time.Time `json:"accepted_at"`
}

func toAssignmentResp(a *negotiation.Assignment) *assignmentResp {
	if a == nil {
		return nil
	}
	return &assignmentResp{
		ID:              a.ID,
		ServiceID:       a.ServiceID,
		DriverID:        a.DriverID,
		AcceptedOfferID: a.AcceptedOfferID,
		AcceptedAt:      a.AcceptedAt,
	}
}

type outcomeResp struct {
	Offer      offerResp       `json:"offer"`
	Service    serviceResp     `json:"service"`
	Assignment *assignmentResp `json:"assignment"`
}

func toOutcomeResp(o *negotiation.Outcome) outcomeResp {
	return outcomeResp{
		Offer:      toOfferResp(o.Offer),
		Service:    toServiceResp(o.Service),
		Assignment: toAssignmentResp(o.Assignment),
	}
}

type intentResp struct {
	DriverID            types.ID  `json:"driver_user_id"`
	CurrentLat          *float64  `json:"current_lat"`
	CurrentLng          *float64  `json:"current_lng"`
	IntendedDestLat     float64   `json:"intended_dest_lat"`
	IntendedDestLng     float64   `json:"intended_dest_lng"`
	IntendedDestAddress string    `json:"intended_dest_address"`
	AvailableFrom       time.Time `json:"available_from"`
	AvailableTo         time.Time `json:"available_to"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func toIntentResp(in *intent.DriverIntent) intentResp {
	out := intentResp{
		DriverID:            in.DriverID,
		IntendedDestLat:     in.IntendedDest.Lat,
		IntendedDestLng:     in.IntendedDest.Lng,
		IntendedDestAddress: in.IntendedDestAddress,
		AvailableFrom:       in.AvailableFrom,
		AvailableTo:         in.AvailableTo,
		UpdatedAt:           in.UpdatedAt,
	}
	if in.Current != nil {
		lat, lng := in.Current.Lat, in.Current.Lng
		out.CurrentLat, out.CurrentLng = &lat, &lng
	}
	return out
}

type suggestionResp struct {
	ServiceID        types.ID `json:"service_id"`
	Title            string   `json:"title"`
	OfferedPrice     float64  `json:"offered_price"`
	PickupDistanceKm float64  `json:"pickup_distance_km"`
	DetourDistanceKm float64  `json:"detour_distance_km"`
	OriginToDestKm   float64  `json:"origin_to_dest_km"`
	DestGapKm        float64  `json:"dest_gap_km"`
	Score            float64  `json:"score"`
}

func toSuggestionList(in []backhaul.Suggestion) []suggestionResp {
	out := make([]suggestionResp, len(in))
	for i, s := range in {
		out[i] = suggestionResp{
			ServiceID:        s.ServiceID,
			Title:            s.Title,
			OfferedPrice:     s.OfferedPrice.Float(),
			PickupDistanceKm: s.PickupDistanceKm,
			DetourDistanceKm: s.DetourDistanceKm,
			OriginToDestKm:   s.OriginToDestKm,
			DestGapKm:        s.DestGapKm,
			Score:            s.Score,
		}
	}
	return out
}
