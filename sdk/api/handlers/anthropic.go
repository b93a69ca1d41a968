package handlers

import "github.com/gin-gonic/gin"

// Messages handles the Anthropic-compat POST /v1/messages.
func (h *Handler) Messages(c *gin.Context) {
	h.serveChat(c, "anthropic")
}
