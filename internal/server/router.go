package server

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/flowroom/internal/auth"
	"github.com/MarcoPoloResearchLab/flowroom/internal/collab"
	"github.com/MarcoPoloResearchLab/flowroom/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	workflowIDParam = "workflowId"
	userIDParam     = "userId"
	userNameParam   = "userName"
)

var (
	errMissingHub            = errors.New("collaboration hub dependency required")
	errMissingSessions       = errors.New("session validator required when sessions are mandatory")
	errMissingWorkflowID     = errors.New("workflow id is required")
	errInvalidSessionRequest = errors.New("session token missing or invalid")
)

// SessionValidator validates session tokens presented on upgrade.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	TokenFromRequest(r *http.Request) string
}

// CollaboratorDirectory maps validated claims onto a canonical collaborator.
type CollaboratorDirectory interface {
	ResolveCollaborator(claims auth.SessionClaims) (users.Collaborator, error)
}

// Dependencies wires the HTTP surface of the collaboration service.
type Dependencies struct {
	Hub            *collab.Hub
	Sessions       SessionValidator
	Directory      CollaboratorDirectory
	RequireSession bool
	AllowedOrigins []string
	Transport      TransportConfig
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router serving websocket upgrades and room queries.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.RequireSession && deps.Sessions == nil {
		return nil, errMissingSessions
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		hub:            deps.Hub,
		sessions:       deps.Sessions,
		directory:      deps.Directory,
		requireSession: deps.RequireSession,
		transport:      deps.Transport.withDefaults(),
		logger:         logger,
	}
	handler.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(deps.AllowedOrigins),
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/stats", handler.handleStats)
	router.GET("/rooms", handler.handleRooms)

	router.GET("/ws", handler.handleWebSocket)
	workflows := router.Group("/workflows/:" + workflowIDParam)
	workflows.GET("/ws", handler.handleWebSocket)
	workflows.GET("/state", handler.handleState)
	workflows.GET("/users", handler.handleUsers)

	return router, nil
}

type httpHandler struct {
	hub            *collab.Hub
	sessions       SessionValidator
	directory      CollaboratorDirectory
	requireSession bool
	upgrader       websocket.Upgrader
	transport      TransportConfig
	logger         *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.hub.Stats())
}

func (h *httpHandler) handleRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.hub.Rooms()})
}

func (h *httpHandler) handleState(c *gin.Context) {
	workflowID := strings.TrimSpace(c.Param(workflowIDParam))
	room, ok := h.hub.Room(workflowID)
	if !ok {
		c.JSON(http.StatusOK, collab.RoomState{WorkflowID: workflowID, Users: []collab.Participant{}})
		return
	}
	c.JSON(http.StatusOK, room.State())
}

func (h *httpHandler) handleUsers(c *gin.Context) {
	room, ok := h.hub.Room(c.Param(workflowIDParam))
	if !ok {
		c.JSON(http.StatusOK, collab.RoomUsers{Users: []collab.Participant{}})
		return
	}
	c.JSON(http.StatusOK, room.Users())
}

func (h *httpHandler) handleWebSocket(c *gin.Context) {
	workflowID := strings.TrimSpace(c.Param(workflowIDParam))
	if workflowID == "" {
		workflowID = strings.TrimSpace(c.Query(workflowIDParam))
	}
	if workflowID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": errMissingWorkflowID.Error()})
		return
	}

	identity, name, err := h.resolveParticipant(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	if err := h.upgradeAndJoin(c.Writer, c.Request, workflowID, identity, name); err != nil {
		c.Abort()
	}
}

// resolveParticipant derives identity and display name for an upgrade. A valid
// session pins the identity; otherwise the query parameters are used as given.
func (h *httpHandler) resolveParticipant(r *http.Request) (string, string, error) {
	query := r.URL.Query()
	identity := strings.TrimSpace(query.Get(userIDParam))
	name := strings.TrimSpace(query.Get(userNameParam))

	if h.sessions == nil {
		return identity, name, nil
	}

	if h.sessions.TokenFromRequest(r) == "" {
		if h.requireSession {
			return "", "", errInvalidSessionRequest
		}
		return identity, name, nil
	}

	claims, err := h.sessions.ValidateRequest(r)
	if err != nil {
		h.logger.Warn("session validation failed", zap.Error(err))
		if h.requireSession {
			return "", "", errInvalidSessionRequest
		}
		return identity, name, nil
	}

	identity = claims.UserID
	if displayName := strings.TrimSpace(claims.UserDisplayName); displayName != "" {
		name = displayName
	}
	if h.directory != nil {
		collaborator, err := h.directory.ResolveCollaborator(claims)
		if err != nil {
			h.logger.Warn("collaborator resolution failed", zap.String("user_id", claims.UserID), zap.Error(err))
		} else {
			identity = collaborator.UserID
			if collaborator.DisplayName != "" {
				name = collaborator.DisplayName
			}
		}
	}
	return identity, name, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if allowsAnyOrigin(allowedOrigins) {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

// originChecker mirrors the CORS origin list for websocket upgrades. Requests
// without an Origin header are same-origin or non-browser clients.
func originChecker(allowedOrigins []string) func(r *http.Request) bool {
	if allowsAnyOrigin(allowedOrigins) {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[strings.TrimRight(origin, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		parsed, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := allowed[parsed.Scheme+"://"+parsed.Host]
		return ok
	}
}

func allowsAnyOrigin(origins []string) bool {
	if len(origins) == 0 {
		return true
	}
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
	}
	return false
}
