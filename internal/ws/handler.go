package ws

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP handlers for WebSocket connections.
type Handler struct {
	hub *Hub
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// HandleUpgrade upgrades an HTTP connection to WebSocket.
// Paths: /ws/:symbol or /ws?symbols=AAPL,MSFT
//
// Clients change subscriptions by sending:
//   - {"action":"subscribe","symbols":["MSFT"]}
//   - {"action":"unsubscribe","symbols":["AAPL"]}
func (h *Handler) HandleUpgrade(c *gin.Context) {
	symbols := requestedSymbols(c)
	for _, s := range symbols {
		if !h.hub.source.Universe().Contains(s) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_symbol",
				"message": "unknown symbol: " + s,
			})
			return
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.hub.logger.Warnw("⚠️ WebSocket upgrade error", "error", err)
		return
	}

	client := NewClient(h.hub, conn, symbols)
	if !h.hub.Register(client) {
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

func requestedSymbols(c *gin.Context) []string {
	var out []string
	if s := c.Param("symbol"); s != "" {
		out = append(out, strings.ToUpper(s))
	}
	for _, s := range strings.Split(c.Query("symbols"), ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// HandleStats returns WebSocket connection statistics.
func (h *Handler) HandleStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.hub.Stats())
}
