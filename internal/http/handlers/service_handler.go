// README: Service handlers for posting, editing, cancelling and browsing services.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"freight/internal/http/middleware"
	"freight/internal/modules/negotiation"
	"freight/internal/types"
)

type ServiceHandler struct {
	engine              *negotiation.Engine
	listDefaultRadiusKm float64
}

func NewServiceHandler(engine *negotiation.Engine, listDefaultRadiusKm float64) *ServiceHandler {
	return &ServiceHandler{engine: engine, listDefaultRadiusKm: listDefaultRadiusKm}
}

// List serves GET /services?status=&near_lat=&near_lng=&radius_km=.
// Status defaults to PUBLICADO; radius only applies when a point is given.
func (h *ServiceHandler) List(c *gin.Context) {
	filter := negotiation.ServiceFilter{Status: negotiation.StatusPublished}
	if s := c.Query("status"); s != "" {
		filter.Status = negotiation.ServiceStatus(s)
	}
	near, err := queryPoint(c, "near_lat", "near_lng")
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	if near != nil {
		radius, err := queryFloat(c, "radius_km", h.listDefaultRadiusKm)
		if err != nil || radius <= 0 {
			writeError(c, http.StatusBadRequest, "radius_km must be a positive number")
			return
		}
		filter.Near, filter.RadiusKm = near, radius
	}

	services, err := h.engine.ListServices(c.Request.Context(), filter)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toServiceList(services))
}

func (h *ServiceHandler) Get(c *gin.Context) {
	svc, err := h.engine.GetService(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toServiceResp(svc))
}

func (h *ServiceHandler) Create(c *gin.Context) {
	var req serviceReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	svc, err := h.engine.PostService(c.Request.Context(), middleware.Caller(c), req.command())
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, toServiceResp(svc))
}

func (h *ServiceHandler) Patch(c *gin.Context) {
	var req servicePatchReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	cmd := negotiation.PatchCommand{
		ServiceID:   types.ID(c.Param("id")),
		Title:       req.Title,
		Description: req.Description,
	}
	if req.OfferedPrice != nil {
		price := types.MoneyFromFloat(*req.OfferedPrice, types.DefaultCurrency)
		cmd.OfferedPrice = &price
	}
	svc, err := h.engine.PatchService(c.Request.Context(), middleware.Caller(c), cmd)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toServiceResp(svc))
}

// Cancel accepts an optional {"reason": "..."} body.
func (h *ServiceHandler) Cancel(c *gin.Context) {
	var req statusActionReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
	}
	svc, err := h.engine.Cancel(c.Request.Context(), middleware.Caller(c), negotiation.CancelCommand{
		ServiceID: types.ID(c.Param("id")),
		Reason:    req.Reason,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toServiceResp(svc))
}

func (h *ServiceHandler) Mine(c *gin.Context) {
	services, err := h.engine.MyServices(c.Request.Context(), middleware.Caller(c))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toServiceList(services))
}
