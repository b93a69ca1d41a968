package handlers

import "github.com/gin-gonic/gin"

// ChatCompletions handles the OpenAI-compat POST /v1/chat/completions.
func (h *Handler) ChatCompletions(c *gin.Context) {
	h.serveChat(c, "openai")
}
