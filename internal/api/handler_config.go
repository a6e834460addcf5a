package api

import (
	"net/http"

	"devicefarm/internal/config"

	"github.com/gin-gonic/gin"
)

type ConfigHandler struct {
	store *config.Store
}

func NewConfigHandler(store *config.Store) *ConfigHandler {
	return &ConfigHandler{store: store}
}

func (h *ConfigHandler) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.Get())
}

// ReplaceConfig swaps the whole farm snapshot. Running devices keep the
// settings they were created with.
func (h *ConfigHandler) ReplaceConfig(c *gin.Context) {
	var cfg config.FarmConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, err.Error())
		return
	}

	if err := h.store.Set(cfg); err != nil {
		respondError(c, mapServiceError(err), err)
		return
	}
	c.JSON(http.StatusOK, h.store.Get())
}
