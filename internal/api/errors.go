package api

import (
	"errors"
	"net/http"

	"devicefarm/internal/config"
	"devicefarm/internal/pool"

	"github.com/gin-gonic/gin"
)

var ErrInvalidRequest = errors.New("invalid request")

func respondError(c *gin.Context, code int, err error) {
	c.JSON(code, ErrorResponse{
		Error: err.Error(),
		Code:  code,
	})
}

func respondErrorWithDetails(c *gin.Context, code int, err error, details string) {
	c.JSON(code, ErrorResponse{
		Error:   err.Error(),
		Code:    code,
		Details: details,
	})
}

func mapServiceError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, pool.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, pool.ErrNoCapacity), errors.Is(err, pool.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, pool.ErrDeviceBusy):
		return http.StatusConflict
	case errors.Is(err, pool.ErrInvalidAmount),
		errors.Is(err, config.ErrInvalidConfig),
		errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
