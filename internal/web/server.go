// Package web serves the authenticated HTTP API and the duplex event
// stream. One surface, two shapes: JSON request/response for CRUD and
// queries, a WebSocket for live events and chat.
package web

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arctek/awc/bus"
	"github.com/arctek/awc/internal/db"
	"github.com/arctek/awc/kanban"
)

const requestTimeout = 30 * time.Second

// Supervisors is the slice of the orchestrator the API needs: live run
// counts for health and log tails for card views.
type Supervisors interface {
	LiveSupervisorCount() int
	LogTail(cardID string, n int) (string, bool)
}

// Server is the API server. Construct with NewServer, then Start.
type Server struct {
	store   *db.Store
	hub     *bus.Hub
	actions *bus.Router
	sup     Supervisors
	token   string
	logger  *slog.Logger

	engine *gin.Engine
	http   *http.Server
}

// NewServer wires the API around the store, the event hub and the action
// router. An empty token disables authentication; only do that locally.
func NewServer(store *db.Store, hub *bus.Hub, actions *bus.Router, sup Supervisors, token string, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		store:   store,
		hub:     hub,
		actions: actions,
		sup:     sup,
		token:   token,
		logger:  logger,
	}
	s.engine = s.buildEngine()
	return s
}

// Handler exposes the routing tree, mostly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) buildEngine() *gin.Engine {
	e := gin.New()
	e.Use(gin.Recovery(), s.requestLog())

	e.GET("/api/health", s.getHealth)
	e.GET("/ws", s.handleWS)

	api := e.Group("/api", s.requireAuth())
	{
		api.GET("/projects", s.listProjects)
		api.POST("/projects", s.createProject)
		api.GET("/projects/:id", s.getProject)
		api.PATCH("/projects/:id", s.updateProject)
		api.GET("/projects/:id/board", s.getBoard)
		api.GET("/projects/:id/next", s.getNextCard)
		api.GET("/projects/:id/documents", s.listDocuments)
		api.GET("/projects/:id/decisions", s.listDecisions)
		api.GET("/projects/:id/campaigns", s.listCampaigns)
		api.GET("/projects/:id/conversations", s.listConversations)
		api.GET("/projects/:id/messages", s.listProjectMessages)

		api.POST("/cards", s.createCard)
		api.GET("/cards/:id", s.getCard)
		api.PATCH("/cards/:id", s.updateCard)
		api.DELETE("/cards/:id", s.deleteCard)
		api.POST("/cards/:id/move", s.moveCard)
		api.POST("/cards/:id/skip", s.skipCard)
		api.POST("/cards/:id/assign", s.assignCard)
		api.POST("/cards/:id/status", s.setAgentStatus)
		api.POST("/cards/:id/start", s.startWork)
		api.POST("/cards/:id/complete", s.completeWork)
		api.POST("/cards/:id/resume", s.resumeCard)
		api.POST("/cards/:id/context", s.saveContext)
		api.GET("/cards/:id/logs", s.getCardLogs)

		api.POST("/documents", s.createDocument)
		api.GET("/documents/:id", s.getDocument)
		api.PATCH("/documents/:id", s.updateDocument)
		api.DELETE("/documents/:id", s.deleteDocument)

		api.POST("/decisions", s.createDecision)
		api.GET("/decisions/:id", s.getDecision)
		api.PATCH("/decisions/:id", s.reviseDecision)

		api.GET("/corrections", s.listCorrections)
		api.POST("/corrections", s.createCorrection)
		api.POST("/corrections/:id/active", s.setCorrectionActive)
		api.DELETE("/corrections/:id", s.deleteCorrection)

		api.POST("/campaigns", s.createCampaign)
		api.GET("/campaigns/:id", s.getCampaign)
		api.PATCH("/campaigns/:id", s.updateCampaign)

		api.POST("/conversations", s.createConversation)
		api.GET("/conversations/:id", s.getConversation)
		api.PATCH("/conversations/:id", s.updateConversation)
		api.GET("/conversations/:id/messages", s.listMessages)
		api.POST("/messages", s.createMessage)

		api.GET("/usage", s.getUsage)
		api.GET("/search", s.search)
		api.GET("/audit", s.listAudit)
	}
	return e
}

// Start blocks serving on addr until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  requestTimeout,
		WriteTimeout: requestTimeout,
		IdleTimeout:  120 * time.Second,
	}
	s.logger.Info("API server listening", "addr", addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// requireAuth checks the bearer credential. The WebSocket route accepts the
// token as a query parameter instead, since browser clients cannot set
// headers on an upgrade request.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.authorized(c.Request) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "missing or invalid bearer token"})
			return
		}
		c.Next()
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if presented == r.Header.Get("Authorization") {
		presented = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) == 1
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// ok writes the success envelope.
func ok(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"ok": true, "data": data})
}

// fail maps the error taxonomy onto HTTP statuses. Conflicts carry the
// entity's current updatedAt so the caller can refresh its precondition.
func (s *Server) fail(c *gin.Context, err error) {
	body := gin.H{"ok": false, "error": err.Error()}
	status := http.StatusInternalServerError

	var kerr *kanban.Error
	if errors.As(err, &kerr) {
		switch kerr.Kind {
		case kanban.KindValidation:
			status = http.StatusBadRequest
		case kanban.KindNotFound:
			status = http.StatusNotFound
		case kanban.KindConflict:
			status = http.StatusConflict
			if kerr.CurrentUpdatedAt != nil {
				body["currentUpdatedAt"] = kerr.CurrentUpdatedAt
			}
		case kanban.KindBusy:
			status = http.StatusTooManyRequests
		case kanban.KindTimeout:
			status = http.StatusGatewayTimeout
		}
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", "path", c.Request.URL.Path, "error", err)
		body["error"] = "internal error"
	}
	c.JSON(status, body)
}

// bind decodes the JSON body, turning decode errors into Validation.
func (s *Server) bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		s.fail(c, kanban.Validationf("invalid request body: %v", err))
		return false
	}
	return true
}
