package api

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"classattend/internal/apperr"
)

// renderError writes err as {"error": ..., "details": ...} with the status
// its kind maps to.
func renderError(c *gin.Context, log zerolog.Logger, err error) {
	status := apperr.HTTPStatus(err)
	body := gin.H{"error": apperr.Message(err)}
	if d := apperr.Details(err); d != nil {
		body["details"] = d
	}
	if status >= 500 {
		log.Error().Err(err).Str("path", c.FullPath()).Int("status", status).Msg("request failed")
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, body)
}
