package web

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arctek/awc/bus"
	"github.com/arctek/awc/internal/db"
	"github.com/arctek/awc/kanban"
)

// busCardEvent is the card.status frame published after API mutations.
func busCardEvent(card *kanban.KanbanCard, change string) bus.Event {
	return bus.Event{
		Type:      bus.EventCardStatus,
		ProjectID: card.ProjectID,
		CardID:    card.ID,
		Data: map[string]any{
			"change":      change,
			"column":      string(card.Column),
			"agentStatus": string(card.AgentStatus),
		},
	}
}

func (s *Server) getHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := s.store.DB().PingContext(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "store unreachable: " + err.Error()})
		return
	}
	supervisors := 0
	if s.sup != nil {
		supervisors = s.sup.LiveSupervisorCount()
	}
	ok(c, http.StatusOK, gin.H{
		"status":      "ok",
		"database":    "ok",
		"supervisors": supervisors,
	})
}

// --- projects ---

func (s *Server) listProjects(c *gin.Context) {
	projects, err := s.store.ListProjects(kanban.ProjectStatus(c.Query("status")))
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusOK, projects)
}

func (s *Server) createProject(c *gin.Context) {
	var p kanban.Project
	if !s.bind(c, &p) {
		return
	}
	if err := s.store.CreateProject(&p); err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusCreated, p)
}

func (s *Server) getProject(c *gin.Context) {
	p, err := s.store.GetProject(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusOK, p)
}

func (s *Server) updateProject(c *gin.Context) {
	var req struct {
		Name                *string               `json:"name"`
		Description         *string               `json:"description"`
		Status              *kanban.ProjectStatus `json:"status"`
		Color               *string               `json:"color"`
		AgentTimeoutMinutes *int                  `json:"agentTimeoutMinutes"`
		MaxConcurrentAgents *int                  `json:"maxConcurrentAgents"`
		RepoPath            *string               `json:"repoPath"`
	}
	if !s.bind(c, &req) {
		return
	}
	p, err := s.store.UpdateProject(c.Param("id"), db.ProjectUpdate{
		Name:                req.Name,
		Description:         req.Description,
		Status:              req.Status,
		Color:               req.Color,
		AgentTimeoutMinutes: req.AgentTimeoutMinutes,
		MaxConcurrentAgents: req.MaxConcurrentAgents,
		RepoPath:            req.RepoPath,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusOK, p)
}

// --- board & cards ---

func (s *Server) getBoard(c *gin.Context) {
	board, err := s.store.GetBoard(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusOK, board)
}

func (s *Server) getNextCard(c *gin.Context) {
	opts := kanban.SelectionOptions{
		SkipInteractive:  c.Query("skipInteractive") == "true",
		SkipLargeContext: c.Query("skipLargeContext") == "true",
		RetryBlocked:     c.Query("retryBlocked") == "true",
		Now:              kanban.Now(),
	}
	card, err := s.store.GetNextCard(c.Param("id"), opts)
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusOK, card)
}

func (s *Server) createCard(c *gin.Context) {
	var card kanban.KanbanCard
	if !s.bind(c, &card) {
		return
	}
	if err := s.store.CreateCard(&card); err != nil {
		s.fail(c, err)
		return
	}
	s.hub.Publish(busCardEvent(&card, "created"))
	ok(c, http.StatusCreated, card)
}

func (s *Server) getCard(c *gin.Context) {
	card, err := s.store.GetCard(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusOK, card)
}

func (s *Server) updateCard(c *gin.Context) {
	var req struct {
		Title             *string                    `json:"title"`
		Description       *string                    `json:"description"`
		Column            *kanban.Column             `json:"column"`
		Labels            *[]string                  `json:"labels"`
		DueDate           *time.Time                 `json:"dueDate"`
		ClearDueDate      bool                       `json:"clearDueDate"`
		LinkedDecisionIDs *[]string                  `json:"linkedDecisionIds"`
		LinkedMessageIDs  *[]string                  `json:"linkedMessageIds"`
		Priority          *int32                     `json:"priority"`
		CampaignID        *string                    `json:"campaignId"`
		Verification      *kanban.VerificationStatus `json:"verificationStatus"`
		IfUpdatedAt       *time.Time                 `json:"ifUpdatedAt"`
	}
	if !s.bind(c, &req) {
		return
	}
	card, err := s.store.UpdateCard(c.Param("id"), db.CardUpdate{
		Title:             req.Title,
		Description:       req.Description,
		Column:            req.Column,
		Labels:            req.Labels,
		DueDate:           req.DueDate,
		ClearDueDate:      req.ClearDueDate,
		LinkedDecisionIDs: req.LinkedDecisionIDs,
		LinkedMessageIDs:  req.LinkedMessageIDs,
		Priority:          req.Priority,
		CampaignID:        req.CampaignID,
		Verification:      req.Verification,
	}, req.IfUpdatedAt)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.hub.Publish(busCardEvent(card, "updated"))
	ok(c, http.StatusOK, card)
}

func (s *Server) deleteCard(c *gin.Context) {
	if err := s.store.DeleteCard(c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"deleted": c.Param("id")})
}

func (s *Server) moveCard(c *gin.Context) {
	var req struct {
		Column      kanban.Column `json:"column"`
		IfUpdatedAt *time.Time    `json:"ifUpdatedAt"`
	}
	if !s.bind(c, &req) {
		return
	}
	card, err := s.store.MoveCard(c.Param("id"), req.Column, req.IfUpdatedAt)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.hub.Publish(busCardEvent(card, "moved"))
	ok(c, http.StatusOK, card)
}

func (s *Server) skipCard(c *gin.Context) {
	card, err := s.store.SkipToBack(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusOK, card)
}

func (s *Server) assignCard(c *gin.Context) {
	var req struct {
		Agent string `json:"agent"`
	}
	if !s.bind(c, &req) {
		return
	}
	card, err := s.store.AssignAgent(c.Param("id"), req.Agent)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.hub.Publish(bus.Event{Type: bus.EventCardAssigned, ProjectID: card.ProjectID, CardID: card.ID,
		Data: map[string]any{"agent": req.Agent}})
	ok(c, http.StatusOK, card)
}

func (s *Server) setAgentStatus(c *gin.Context) {
	var req struct {
		Status kanban.AgentStatus `json:"status"`
		Reason string             `json:"reason"`
	}
	if !s.bind(c, &req) {
		return
	}
	card, err := s.store.UpdateAgentStatus(c.Param("id"), req.Status, req.Reason)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.hub.Publish(busCardEvent(card, "agent_status"))
	ok(c, http.StatusOK, card)
}

func (s *Server) startWork(c *gin.Context) {
	var req struct {
		Agent string `json:"agent"`
	}
	if !s.bind(c, &req) {
		return
	}
	card, err := s.store.StartWork(c.Param("id"), req.Agent)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.hub.Publish(busCardEvent(card, "started"))
	ok(c, http.StatusOK, card)
}

func (s *Server) completeWork(c *gin.Context) {
	card, err := s.store.CompleteWork(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.hub.Publish(busCardEvent(card, "completed"))
	ok(c, http.StatusOK, card)
}

func (s *Server) resumeCard(c *gin.Context) {
	card, err := s.store.ResumeCard(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusOK, card)
}

func (s *Server) saveContext(c *gin.Context) {
	var req struct {
		Snapshot  string `json:"snapshot"`
		SessionID string `json:"sessionId"`
	}
	if !s.bind(c, &req) {
		return
	}
	card, err := s.store.SaveContext(c.Param("id"), req.Snapshot, req.SessionID)
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusOK, card)
}

func (s *Server) getCardLogs(c *gin.Context) {
	n := intQuery(c, "n", 200)
	tail, live := s.sup.LogTail(c.Param("id"), n)
	if !live {
		s.fail(c, kanban.NotFoundf("no live agent for card %s", c.Param("id")))
		return
	}
	ok(c, http.StatusOK, gin.H{"log": tail})
}

// --- documents ---

func (s *Server) listDocuments(c *gin.Context) {
	docs, err := s.store.ListDocuments(c.Param("id"), kanban.DocumentType(c.Query("type")))
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusOK, docs)
}

func (s *Server) createDocument(c *gin.Context) {
	var doc kanban.ProjectDocument
	if !s.bind(c, &doc) {
		return
	}
	if err := s.store.CreateDocument(&doc); err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusCreated, doc)
}

func (s *Server) getDocument(c *gin.Context) {
	doc, err := s.store.GetDocument(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusOK, doc)
}

func (s *Server) updateDocument(c *gin.Context) {
	var req struct {
		Title   *string `json:"title"`
		Content *string `json:"content"`
	}
	if !s.bind(c, &req) {
		return
	}
	doc, err := s.store.UpdateDocument(c.Param("id"), req.Title, req.Content)
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusOK, doc)
}

func (s *Server) deleteDocument(c *gin.Context) {
	if err := s.store.DeleteDocument(c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"deleted": c.Param("id")})
}

// --- decisions ---

func (s *Server) listDecisions(c *gin.Context) {
	decisions, err := s.store.ListDecisions(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusOK, decisions)
}

func (s *Server) createDecision(c *gin.Context) {
	var d kanban.Decision
	if !s.bind(c, &d) {
		return
	}
	if err := s.store.CreateDecision(&d); err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusCreated, d)
}

func (s *Server) getDecision(c *gin.Context) {
	d, err := s.store.GetDecision(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusOK, d)
}

func (s *Server) reviseDecision(c *gin.Context) {
	var req struct {
		Title        *string   `json:"title"`
		Description  *string   `json:"description"`
		Alternatives *[]string `json:"alternatives"`
		Reasoning    *string   `json:"reasoning"`
		Tradeoffs    *string   `json:"tradeoffs"`
	}
	if !s.bind(c, &req) {
		return
	}
	d, err := s.store.ReviseDecision(c.Param("id"), db.DecisionUpdate{
		Title:        req.Title,
		Description:  req.Description,
		Alternatives: req.Alternatives,
		Reasoning:    req.Reasoning,
		Tradeoffs:    req.Tradeoffs,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusOK, d)
}

// --- corrections ---

func (s *Server) listCorrections(c *gin.Context) {
	corrections, err := s.store.ListCorrections(c.Query("projectId"), c.Query("active") == "true")
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusOK, corrections)
}

func (s *Server) createCorrection(c *gin.Context) {
	var corr kanban.SteeringCorrection
	if !s.bind(c, &corr) {
		return
	}
	if err := s.store.CreateCorrection(&corr); err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusCreated, corr)
}

func (s *Server) setCorrectionActive(c *gin.Context) {
	var req struct {
		Active bool `json:"active"`
	}
	if !s.bind(c, &req) {
		return
	}
	if err := s.store.SetCorrectionActive(c.Param("id"), req.Active); err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"id": c.Param("id"), "active": req.Active})
}

func (s *Server) deleteCorrection(c *gin.Context) {
	if err := s.store.DeleteCorrection(c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"deleted": c.Param("id")})
}

// --- campaigns ---

func (s *Server) listCampaigns(c *gin.Context) {
	campaigns, err := s.store.ListCampaigns(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusOK, campaigns)
}

func (s *Server) createCampaign(c *gin.Context) {
	var camp kanban.Campaign
	if !s.bind(c, &camp) {
		return
	}
	if err := s.store.CreateCampaign(&camp); err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusCreated, camp)
}

func (s *Server) getCampaign(c *gin.Context) {
	camp, err := s.store.GetCampaign(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusOK, camp)
}

func (s *Server) updateCampaign(c *gin.Context) {
	var req struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
		Status      *string `json:"status"`
	}
	if !s.bind(c, &req) {
		return
	}
	camp, err := s.store.UpdateCampaign(c.Param("id"), db.CampaignUpdate{
		Name:        req.Name,
		Description: req.Description,
		Status:      req.Status,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusOK, camp)
}

// --- conversations & messages ---

func (s *Server) listConversations(c *gin.Context) {
	conversations, err := s.store.ListConversations(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusOK, conversations)
}

func (s *Server) createConversation(c *gin.Context) {
	var conv kanban.Conversation
	if !s.bind(c, &conv) {
		return
	}
	if err := s.store.CreateConversation(&conv); err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusCreated, conv)
}

func (s *Server) getConversation(c *gin.Context) {
	conv, err := s.store.GetConversation(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusOK, conv)
}

func (s *Server) updateConversation(c *gin.Context) {
	var req struct {
		Status       *string `json:"status"`
		SessionID    *string `json:"sessionId"`
		ContextUsage *int    `json:"contextUsage"`
		Summary      *string `json:"summary"`
	}
	if !s.bind(c, &req) {
		return
	}
	conv, err := s.store.UpdateConversation(c.Param("id"), db.ConversationUpdate{
		Status:       req.Status,
		SessionID:    req.SessionID,
		ContextUsage: req.ContextUsage,
		Summary:      req.Summary,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusOK, conv)
}

func (s *Server) listMessages(c *gin.Context) {
	messages, err := s.store.ListMessages(c.Param("id"), intQuery(c, "limit", 100))
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusOK, messages)
}

func (s *Server) listProjectMessages(c *gin.Context) {
	messages, err := s.store.ListProjectMessages(c.Param("id"), intQuery(c, "limit", 100))
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusOK, messages)
}

func (s *Server) createMessage(c *gin.Context) {
	var m kanban.Message
	if !s.bind(c, &m) {
		return
	}
	if err := s.store.CreateMessage(&m); err != nil {
		s.fail(c, err)
		return
	}
	// Assistant text may carry workspace action blocks.
	if m.Role == kanban.RoleAssistant && s.actions != nil {
		s.actions.Apply(m.Content, m.ProjectID)
	}
	ok(c, http.StatusCreated, m)
}

// --- usage, search, audit ---

func (s *Server) getUsage(c *gin.Context) {
	since, err := timeQuery(c, "since")
	if err != nil {
		s.fail(c, err)
		return
	}
	report, err := s.store.UsageReport(c.Query("projectId"), since)
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusOK, report)
}

func (s *Server) search(c *gin.Context) {
	q := c.Query("q")
	if q == "" {
		s.fail(c, kanban.Validationf("query parameter q is required"))
		return
	}
	hits, err := s.store.Search(q, c.Query("projectId"), intQuery(c, "limit", 20))
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusOK, hits)
}

func (s *Server) listAudit(c *gin.Context) {
	since, err := timeQuery(c, "since")
	if err != nil {
		s.fail(c, err)
		return
	}
	entries, err := s.store.ListAudit(db.AuditFilter{
		EntityType: c.Query("entityType"),
		EntityID:   c.Query("entityId"),
		Action:     c.Query("action"),
		Actor:      c.Query("actor"),
		Since:      since,
		Limit:      intQuery(c, "limit", 0),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, http.StatusOK, entries)
}

// --- helpers ---

func intQuery(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func timeQuery(c *gin.Context, key string) (time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, kanban.Validationf("%s must be RFC 3339: %v", key, err)
	}
	return t, nil
}
