package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	apikeydomain "github.com/smallbiznis/auditrail/internal/apikey/domain"
	tenantdomain "github.com/smallbiznis/auditrail/internal/tenant/domain"
)

type createCompanyRequest struct {
	Name          string   `json:"name"`
	RetentionDays int      `json:"retentionDays"`
	DataRegion    string   `json:"dataRegion"`
	ReplicateTo   []string `json:"replicateTo"`
}

type createWorkspaceRequest struct {
	Name          string `json:"name"`
	RetentionDays *int   `json:"retentionDays"`
}

type workspaceRetentionRequest struct {
	RetentionDays *int `json:"retentionDays"`
}

type meterRequest struct {
	Limit int64 `json:"limit"`
}

func (s *Server) CreateCompany(c *gin.Context) {
	var req createCompanyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	company, err := s.tenantSvc.CreateCompany(c.Request.Context(), tenantdomain.CreateCompanyRequest{
		Name:          req.Name,
		RetentionDays: req.RetentionDays,
		DataRegion:    req.DataRegion,
		ReplicateTo:   req.ReplicateTo,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, company)
}

func (s *Server) GetCompany(c *gin.Context) {
	companyID, ok := pathID(c, "company_id")
	if !ok {
		return
	}
	company, err := s.tenantSvc.GetCompany(c.Request.Context(), companyID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, company)
}

func (s *Server) CreateWorkspace(c *gin.Context) {
	companyID, ok := pathID(c, "company_id")
	if !ok {
		return
	}
	var req createWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ws, err := s.tenantSvc.CreateWorkspace(c.Request.Context(), companyID, tenantdomain.CreateWorkspaceRequest{
		Name:          req.Name,
		RetentionDays: req.RetentionDays,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ws)
}

func (s *Server) ListWorkspaces(c *gin.Context) {
	companyID, ok := pathID(c, "company_id")
	if !ok {
		return
	}
	items, err := s.tenantSvc.ListWorkspaces(c.Request.Context(), companyID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": items})
}

// SetWorkspaceRetention sets or clears (null) the workspace override.
func (s *Server) SetWorkspaceRetention(c *gin.Context) {
	companyID, ok := pathID(c, "company_id")
	if !ok {
		return
	}
	workspaceID, ok := pathID(c, "workspace_id")
	if !ok {
		return
	}
	var req workspaceRetentionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.tenantSvc.SetWorkspaceRetention(c.Request.Context(), companyID, workspaceID, req.RetentionDays); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ConfigureMeter provisions the company's event meter for the current
// period.
func (s *Server) ConfigureMeter(c *gin.Context) {
	companyID, ok := pathID(c, "company_id")
	if !ok {
		return
	}
	var req meterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	meter, err := s.billingSvc.EnsureMeter(c.Request.Context(), companyID, req.Limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, meter)
}

// IssueCompanyAPIKey bootstraps the first key of a company.
func (s *Server) IssueCompanyAPIKey(c *gin.Context) {
	companyID, ok := pathID(c, "company_id")
	if !ok {
		return
	}
	var req apikeydomain.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if _, err := s.tenantSvc.GetCompany(c.Request.Context(), companyID); err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.apiKeySvc.Create(c.Request.Context(), companyID, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}
