package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/brentyi/viser-gradio-embed/internal/model"
	"github.com/brentyi/viser-gradio-embed/internal/proxy"
	"github.com/brentyi/viser-gradio-embed/internal/registry"
	"github.com/brentyi/viser-gradio-embed/internal/relay"
)

// ProxyHandler routes /proxy/{sessionId} traffic to the session's backend:
// plain HTTP requests through the forwarder, WebSocket upgrades through the
// relay.
type ProxyHandler struct {
	registry  *registry.Registry
	forwarder *proxy.Forwarder
	relay     *relay.Relay
}

// NewProxyHandler creates a new ProxyHandler.
func NewProxyHandler(reg *registry.Registry, forwarder *proxy.Forwarder, rl *relay.Relay) *ProxyHandler {
	return &ProxyHandler{
		registry:  reg,
		forwarder: forwarder,
		relay:     rl,
	}
}

// Root handles /proxy/:session - WebSocket upgrades are relayed to the
// backend's WebSocket endpoint, anything else is forwarded as an HTTP
// request for "/".
func (h *ProxyHandler) Root(c *gin.Context) {
	id := c.Param("session")

	if websocket.IsWebSocketUpgrade(c.Request) {
		h.relayWebSocket(c, id)
		return
	}

	h.forward(c, id, "/")
}

// Subpath handles /proxy/:session/*path - forwards the request to the same
// sub-path on the backend.
func (h *ProxyHandler) Subpath(c *gin.Context) {
	h.forward(c, c.Param("session"), c.Param("path"))
}

func (h *ProxyHandler) forward(c *gin.Context, id, path string) {
	port, err := h.registry.Port(id)
	if err != nil {
		sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+id+" not found")
		return
	}

	err = h.forwarder.Forward(c.Request.Context(), port, c.Writer, c.Request, path)
	if err != nil {
		if errors.Is(err, model.ErrBackendUnreachable) {
			sendError(c, http.StatusBadGateway, "BACKEND_UNREACHABLE", "Backend for session "+id+" is unreachable")
			return
		}
		// Headers may already be committed; log instead of overwriting the
		// response.
		log.Printf("proxy: session %s: %v", id, err)
	}
}

// relayWebSocket bridges the client connection to the backend's WebSocket.
// An unknown session is accepted and closed with code 1008 before any
// backend connection is attempted; a dead backend closes the client with
// 1011 inside the relay.
func (h *ProxyHandler) relayWebSocket(c *gin.Context, id string) {
	port, err := h.registry.Port(id)
	if err != nil {
		if err := relay.RejectNotFound(c.Writer, c.Request); err != nil {
			log.Printf("relay: session %s: %v", id, err)
		}
		return
	}

	if err := h.relay.Serve(c.Writer, c.Request, port); err != nil {
		log.Printf("relay: session %s: %v", id, err)
	}
}

// RegisterRoutes registers the proxy routes on the router root. Any HTTP
// method is accepted; paths and query strings are opaque to the proxy.
func (h *ProxyHandler) RegisterRoutes(r gin.IRouter) {
	r.Any("/proxy/:session", h.Root)
	r.Any("/proxy/:session/*path", h.Subpath)
}
