// README: Offer handlers: submit, list and accept.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"freight/internal/http/middleware"
	"freight/internal/modules/negotiation"
	"freight/internal/types"
)

type OfferHandler struct {
	engine *negotiation.Engine
}

func NewOfferHandler(engine *negotiation.Engine) *OfferHandler {
	return &OfferHandler{engine: engine}
}

// Submit records an offer. An ACCEPT offer answers with the assignment too.
func (h *OfferHandler) Submit(c *gin.Context) {
	var req offerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	out, err := h.engine.SubmitOffer(c.Request.Context(), middleware.Caller(c), negotiation.SubmitOfferCommand{
		ServiceID: types.ID(c.Param("id")),
		Kind:      negotiation.OfferKind(req.Kind),
		Price:     types.MoneyFromFloat(req.Price, types.DefaultCurrency),
		Message:   req.Message,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, toOutcomeResp(out))
}

func (h *OfferHandler) List(c *gin.Context) {
	offers, err := h.engine.ListOffers(c.Request.Context(), middleware.Caller(c), types.ID(c.Param("id")))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	out := make([]offerResp, len(offers))
	for i := range offers {
		out[i] = toOfferResp(&offers[i])
	}
	writeJSON(c, http.StatusOK, out)
}

func (h *OfferHandler) Accept(c *gin.Context) {
	out, err := h.engine.AcceptOffer(c.Request.Context(), middleware.Caller(c), types.ID(c.Param("id")))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toOutcomeResp(out))
}
