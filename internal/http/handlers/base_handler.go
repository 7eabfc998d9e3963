// README: Base handler utilities (JSON helpers, error mapping, query parsing).
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"freight/internal/types"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// writeDomainError maps the error taxonomy onto status codes. Anything outside
// it is logged and hidden behind a 500.
func writeDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, types.ErrBadRequest):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, types.ErrForbidden):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, types.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, types.ErrInvalidState):
		writeError(c, http.StatusConflict, err.Error())
	default:
		zap.L().Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

// queryPoint reads a lat/lng pair from the query string. Both or neither must be present.
func queryPoint(c *gin.Context, latKey, lngKey string) (*types.Point, error) {
	latRaw, lngRaw := c.Query(latKey), c.Query(lngKey)
	if latRaw == "" && lngRaw == "" {
		return nil, nil
	}
	lat, err1 := strconv.ParseFloat(latRaw, 64)
	lng, err2 := strconv.ParseFloat(lngRaw, 64)
	if err1 != nil || err2 != nil {
		return nil, errors.New(latKey + " and " + lngKey + " must both be numbers")
	}
	p := types.Point{Lat: lat, Lng: lng}
	if !p.Valid() {
		return nil, errors.New(latKey + "/" + lngKey + " out of range")
	}
	return &p, nil
}

func queryFloat(c *gin.Context, key string, def float64) (float64, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.New(key + " must be a number")
	}
	return v, nil
}
