// README: Backhaul scorer ranks open services for a driver heading back toward a destination.
package backhaul

import (
	"math"

	"freight/internal/geo"
	"freight/internal/modules/negotiation"
	"freight/internal/types"
)

const (
	MaxSuggestions = 10

	pickupWeight  = 1.2
	detourWeight  = 2.0
	priceWeight   = 1.0
	destGapWeight = 0.5
)

type Suggestion struct {
	ServiceID        types.ID
	Title            string
	OfferedPrice     types.Money
	PickupDistanceKm float64
	DetourDistanceKm float64
	OriginToDestKm   float64
	DestGapKm        float64
	Score            float64
}

// Score ranks PUBLICADO candidates whose origin lies within radiusKm of from.
// Distances and score are rounded to two decimals; equal scores keep input order.
func Score(candidates []negotiation.Service, from, intendedDest types.Point, radiusKm float64) []Suggestion {
	out := make([]Suggestion, 0, len(candidates))
	for _, c := range candidates {
		if c.Status != negotiation.StatusPublished {
			continue
		}
		pickup := geo.HaversineKm(from, c.Origin)
		if pickup > radiusKm {
			continue
		}
		trip := geo.HaversineKm(c.Origin, c.Dest)
		detour := pickup + trip - geo.HaversineKm(from, c.Dest)
		pricePerKm := c.OfferedPrice.Float() / math.Max(trip, 1)
		destGap := geo.HaversineKm(c.Dest, intendedDest)

		score := -(pickup * pickupWeight) - (detour * detourWeight) + (pricePerKm * priceWeight) - (destGap * destGapWeight)

		out = append(out, Suggestion{
			ServiceID:        c.ID,
			Title:            c.Title,
			OfferedPrice:     c.OfferedPrice,
			PickupDistanceKm: geo.Round2(pickup),
			DetourDistanceKm: geo.Round2(detour),
			OriginToDestKm:   geo.Round2(trip),
			DestGapKm:        geo.Round2(destGap),
			Score:            geo.Round2(score),
		})
	}

	geo.SortByDistance(out, func(s Suggestion) float64 { return -s.Score })
	if len(out) > MaxSuggestions {
		out = out[:MaxSuggestions]
	}
	return out
}
