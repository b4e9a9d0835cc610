package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/montereylabs/duet/backend/internal/auth"
	"github.com/montereylabs/duet/backend/internal/gateway"
)

var (
	errMissingValidator = errors.New("session validator dependency required")
	errMissingGateway   = errors.New("gateway dependency required")
)

// Dependencies wires the HTTP surface to the synchronization core.
type Dependencies struct {
	Validator *auth.SessionValidator
	Gateway   *gateway.Gateway
	Logger    *zap.Logger
}

// NewHTTPHandler builds the gin router exposing the health check and the
// websocket upgrade endpoint.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		validator: deps.Validator,
		gateway:   deps.Gateway,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser origins are screened by the token check; the upgrade
			// itself accepts any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/ws", handler.handleWebsocket)

	return router, nil
}

type httpHandler struct {
	validator *auth.SessionValidator
	gateway   *gateway.Gateway
	logger    *zap.Logger
	upgrader  websocket.Upgrader
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleWebsocket(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Info("rejecting unauthenticated connection", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	h.gateway.HandleConnection(c.Request.Context(), conn, claims)
}
