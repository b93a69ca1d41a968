package handlers

import "github.com/gin-gonic/gin"

// GenerateContent handles the Gemini-compat POST
// /v1beta/models/:model/generateContent and its /streamGenerateContent
// sibling. The route path is not consulted: model and stream are both read
// from the JSON body, so a streamed response needs "stream":true there.
func (h *Handler) GenerateContent(c *gin.Context) {
	h.serveChat(c, "gemini")
}
