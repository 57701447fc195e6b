package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	eventdomain "github.com/smallbiznis/auditrail/internal/event/domain"
	"github.com/smallbiznis/auditrail/internal/failover"
	"github.com/smallbiznis/auditrail/internal/ingest"
	"github.com/smallbiznis/auditrail/internal/query"
	"github.com/smallbiznis/auditrail/pkg/db/pagination"
)

const HeaderBillingWarning = "X-Billing-Warning"

type eventView struct {
	ID          string             `json:"id"`
	CompanyID   string             `json:"companyId"`
	WorkspaceID string             `json:"workspaceId"`
	ProjectID   *string            `json:"projectId,omitempty"`
	Sequence    int64              `json:"sequence,omitempty"`
	Action      string             `json:"action"`
	Category    string             `json:"category"`
	Actor       *eventdomain.Actor `json:"actor,omitempty"`
	Target      json.RawMessage    `json:"target,omitempty"`
	Payload     json.RawMessage    `json:"payload"`
	Metadata    json.RawMessage    `json:"metadata,omitempty"`
	Changes     json.RawMessage    `json:"changes,omitempty"`
	Hash        string             `json:"hash,omitempty"`
	PrevHash    *string            `json:"prevHash"`
	CreatedAt   time.Time          `json:"createdAt"`
	Region      string             `json:"region"`
	Archived    bool               `json:"archived"`
}

func newEventView(e *eventdomain.AuditEvent) eventView {
	return eventView{
		ID:          e.ID.String(),
		CompanyID:   e.CompanyID.String(),
		WorkspaceID: e.WorkspaceID.String(),
		ProjectID:   e.ProjectID,
		Sequence:    e.Sequence,
		Action:      e.Action,
		Category:    e.Category,
		Actor:       e.Actor(),
		Target:      rawJSON(e.Target),
		Payload:     rawJSON(e.Payload),
		Metadata:    rawJSON(e.Metadata),
		Changes:     rawJSON(e.Changes),
		Hash:        e.Hash,
		PrevHash:    e.PrevHash,
		CreatedAt:   e.CreatedAt,
		Region:      e.Region,
		Archived:    e.Archived,
	}
}

func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}

type ingestResponse struct {
	Status failover.Status `json:"status"`
	Event  eventView       `json:"event"`
}

type batchRequest struct {
	Events []ingest.IngestRequest `json:"events"`
}

type batchItemResponse struct {
	Index  int           `json:"index"`
	Status string        `json:"status"`
	Code   int           `json:"code"`
	Event  *eventView    `json:"event,omitempty"`
	Error  *errorPayload `json:"error,omitempty"`
}

type listResponse struct {
	Data []eventView `json:"data"`
	Meta query.Meta  `json:"meta"`
}

// IngestEvent appends one event to the workspace chain. Committed events
// answer 201; events queued behind an unavailable region answer 202.
func (s *Server) IngestEvent(c *gin.Context) {
	tc, ok := tenantContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	workspaceID, ok := pathID(c, "workspace_id")
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, int64(s.maxBodyBytes()))
	var req ingest.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.WorkspaceID = workspaceID

	res, err := s.ingestSvc.Ingest(c.Request.Context(), tc, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	setRateLimitHeaders(c, res.RateLimit)
	if res.Billing != nil && res.Billing.SoftLimitTriggered {
		c.Header(HeaderBillingWarning, "soft_limit_reached")
	}
	c.JSON(ingestStatusCode(res.Status), ingestResponse{Status: res.Status, Event: newEventView(res.Event)})
}

// IngestEventBatch ingests up to 100 events. Each item reports its own
// outcome; one rejected item does not stop the rest.
func (s *Server) IngestEventBatch(c *gin.Context) {
	tc, ok := tenantContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	workspaceID, ok := pathID(c, "workspace_id")
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, int64(s.maxBodyBytes())*maxBatchBodyFactor)
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	items, err := s.ingestSvc.IngestBatch(c.Request.Context(), tc, workspaceID, req.Events)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	out := make([]batchItemResponse, 0, len(items))
	for _, item := range items {
		if item.Err != nil {
			status, payload := mapError(item.Err, s.cfg.Billing.HardLimitStatus)
			out = append(out, batchItemResponse{Index: item.Index, Status: "rejected", Code: status, Error: &payload})
			continue
		}
		view := newEventView(item.Result.Event)
		out = append(out, batchItemResponse{
			Index:  item.Index,
			Status: string(item.Result.Status),
			Code:   ingestStatusCode(item.Result.Status),
			Event:  &view,
		})
		setRateLimitHeaders(c, item.Result.RateLimit)
	}
	c.JSON(http.StatusMultiStatus, gin.H{"data": out})
}

func ingestStatusCode(status failover.Status) int {
	if status == failover.StatusQueued {
		return http.StatusAccepted
	}
	return http.StatusCreated
}

// ListEvents serves company and global scoped searches.
func (s *Server) ListEvents(c *gin.Context) {
	req, err := parseQueryRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if req.Scope == "" {
		req.Scope = query.ScopeCompany
	}
	s.runQuery(c, req)
}

// ListWorkspaceEvents searches a single workspace chain.
func (s *Server) ListWorkspaceEvents(c *gin.Context) {
	workspaceID, ok := pathID(c, "workspace_id")
	if !ok {
		return
	}
	req, err := parseQueryRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	req.Scope = query.ScopeWorkspace
	req.WorkspaceID = &workspaceID
	s.runQuery(c, req)
}

func (s *Server) runQuery(c *gin.Context, req query.Request) {
	tc, ok := tenantContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	resp, err := s.querySvc.Query(c.Request.Context(), tc, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	data := make([]eventView, 0, len(resp.Data))
	for i := range resp.Data {
		data = append(data, newEventView(&resp.Data[i]))
	}
	c.JSON(http.StatusOK, listResponse{Data: data, Meta: resp.Meta})
}

func parseQueryRequest(c *gin.Context) (query.Request, error) {
	var req query.Request

	from, err := parseOptionalTime(c.Query("from"), false)
	if err != nil {
		return req, newValidationError("from", "invalid_time", "invalid from")
	}
	to, err := parseOptionalTime(c.Query("to"), true)
	if err != nil {
		return req, newValidationError("to", "invalid_time", "invalid to")
	}
	page, err := parseOptionalInt(c.Query("page"))
	if err != nil {
		return req, newValidationError("page", "invalid_number", "invalid page")
	}
	limit, err := parseOptionalInt(c.Query("limit"))
	if err != nil {
		return req, newValidationError("limit", "invalid_number", "invalid limit")
	}
	workspaceID, err := parseOptionalSnowflakeID(c.Query("workspace_id"))
	if err != nil {
		return req, newValidationError("workspace_id", "invalid_id", "invalid workspace_id")
	}

	req = query.Request{
		Scope:       query.Scope(strings.ToLower(strings.TrimSpace(c.Query("scope")))),
		WorkspaceID: workspaceID,
		ProjectID:   optionalString(c, "project_id"),
		Action:      strings.TrimSpace(c.Query("action")),
		Category:    strings.TrimSpace(c.Query("category")),
		ActorID:     strings.TrimSpace(c.Query("actor_id")),
		ActorEmail:  strings.TrimSpace(c.Query("actor_email")),
		From:        from,
		To:          to,
		Page:        pagination.Page{Page: page, Limit: limit},
	}
	return req, nil
}

// GetEvent returns one event of the caller's company.
func (s *Server) GetEvent(c *gin.Context) {
	tc, ok := tenantContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	eventID, ok := pathID(c, "id")
	if !ok {
		return
	}

	event, err := s.querySvc.Get(c.Request.Context(), tc, eventID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, newEventView(event))
}

// VerifyWorkspace recomputes the workspace chain and reports the first
// broken link.
func (s *Server) VerifyWorkspace(c *gin.Context) {
	tc, ok := tenantContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	workspaceID, ok := pathID(c, "workspace_id")
	if !ok {
		return
	}

	res, err := s.querySvc.Verify(c.Request.Context(), tc, workspaceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) maxBodyBytes() int {
	if s.cfg.PayloadMaxBytes <= 0 {
		return defaultMaxBodyBytes
	}
	// payload, metadata and the envelope fields share the request body
	return s.cfg.PayloadMaxBytes*4 + 4096
}
