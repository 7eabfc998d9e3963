// README: Driver handlers for pickup/delivery, intent and backhaul suggestions.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"freight/internal/http/middleware"
	"freight/internal/modules/backhaul"
	"freight/internal/modules/intent"
	"freight/internal/modules/negotiation"
	"freight/internal/types"
)

type DriverHandler struct {
	engine   *negotiation.Engine
	intents  *intent.Service
	backhaul *backhaul.Service
}

func NewDriverHandler(engine *negotiation.Engine, intents *intent.Service, backhaulSvc *backhaul.Service) *DriverHandler {
	return &DriverHandler{engine: engine, intents: intents, backhaul: backhaulSvc}
}

// Collect marks the service picked up; the path id is the service id.
func (h *DriverHandler) Collect(c *gin.Context) {
	svc, err := h.engine.Collect(c.Request.Context(), middleware.Caller(c), types.ID(c.Param("id")))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toServiceResp(svc))
}

func (h *DriverHandler) Deliver(c *gin.Context) {
	svc, err := h.engine.Deliver(c.Request.Context(), middleware.Caller(c), types.ID(c.Param("id")))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toServiceResp(svc))
}

// Assignment returns the service of the driver's latest assignment, or null.
func (h *DriverHandler) Assignment(c *gin.Context) {
	a, svc, err := h.engine.MyAssignment(c.Request.Context(), middleware.Caller(c))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	if a == nil || svc == nil {
		writeJSON(c, http.StatusOK, nil)
		return
	}
	writeJSON(c, http.StatusOK, toServiceResp(svc))
}

func (h *DriverHandler) PutIntent(c *gin.Context) {
	var req intentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if (req.CurrentLat == nil) != (req.CurrentLng == nil) {
		writeError(c, http.StatusBadRequest, "current_lat and current_lng go together")
		return
	}
	cmd := intent.UpsertCommand{
		IntendedDest:        types.Point{Lat: *req.IntendedDestLat, Lng: *req.IntendedDestLng},
		IntendedDestAddress: req.IntendedDestAddress,
		AvailableFrom:       req.AvailableFrom,
		AvailableTo:         req.AvailableTo,
	}
	if req.CurrentLat != nil {
		cmd.Current = &types.Point{Lat: *req.CurrentLat, Lng: *req.CurrentLng}
	}
	saved, err := h.intents.Upsert(c.Request.Context(), middleware.Caller(c), cmd)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toIntentResp(saved))
}

func (h *DriverHandler) GetIntent(c *gin.Context) {
	in, err := h.intents.Get(c.Request.Context(), types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toIntentResp(in))
}

// Backhaul serves GET /drivers/:id/backhaul_suggestions. Anyone may ask with
// explicit positions; only the driver themselves may fall back to their intent.
func (h *DriverHandler) Backhaul(c *gin.Context) {
	from, err := queryPoint(c, "from_lat", "from_lng")
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	dest, err := queryPoint(c, "dest_lat", "dest_lng")
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	radius, err := queryFloat(c, "radius_km", 0)
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	if radius == 0 && c.Query("radius_km") != "" {
		writeError(c, http.StatusBadRequest, "radius_km must be positive")
		return
	}

	out, err := h.backhaul.Suggest(c.Request.Context(), backhaul.Query{
		DriverID:     types.ID(c.Param("id")),
		Caller:       types.ID(middleware.CallerUID(c)),
		From:         from,
		IntendedDest: dest,
		RadiusKm:     radius,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toSuggestionList(out))
}
