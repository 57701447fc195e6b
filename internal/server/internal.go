package server

import (
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/auditrail/internal/failover"
	"github.com/smallbiznis/auditrail/internal/region"
	"github.com/smallbiznis/auditrail/internal/webhook"
	"go.uber.org/zap"
)

const recentVolumeWindow = 15 * time.Minute

type healthResponse struct {
	Regions            []failover.RegionHealth `json:"regions"`
	ReplicationBacklog int64                   `json:"replicationBacklog"`
	IndexBacklog       int64                   `json:"indexBacklog"`
	Deliveries         *webhook.Stats          `json:"deliveries,omitempty"`
	RecentVolume       int64                   `json:"recentVolume"`
	RecentWindow       string                  `json:"recentWindow"`
	CheckedAt          time.Time               `json:"checkedAt"`
}

// InternalHealth reports per-region state, the pending-write and index
// backfill backlogs, delivery handoff counters and recent ingestion volume.
func (s *Server) InternalHealth(c *gin.Context) {
	ctx := c.Request.Context()

	regions, err := s.failoverSvc.Snapshot(ctx)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	backlog, err := s.failoverSvc.Backlog(ctx)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	indexBacklog, err := s.failoverSvc.IndexBacklog(ctx)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	now := time.Now().UTC()
	resp := healthResponse{
		Regions:            regions,
		ReplicationBacklog: backlog,
		IndexBacklog:       indexBacklog,
		RecentWindow:       recentVolumeWindow.String(),
		CheckedAt:          now,
	}
	if s.deliveries != nil {
		stats := s.deliveries.Stats()
		resp.Deliveries = &stats
	}
	if s.volume != nil {
		volume, err := s.volume.RecentVolume(ctx, now.Add(-recentVolumeWindow))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		resp.RecentVolume = volume
	}

	status := http.StatusOK
	for _, r := range regions {
		if !r.Healthy {
			status = http.StatusServiceUnavailable
			break
		}
	}
	c.JSON(status, resp)
}

// InternalStats returns current-period billing usage for one company.
func (s *Server) InternalStats(c *gin.Context) {
	companyID, err := parseSnowflakeID(c.Query("company_id"))
	if err != nil {
		AbortWithError(c, newValidationError("company_id", "invalid_id", "company_id is required"))
		return
	}

	usage, err := s.billingSvc.Usage(c.Request.Context(), companyID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, usage)
}

// TriggerRegionFailover forces a region unhealthy. New writes queue until
// the region recovers.
func (s *Server) TriggerRegionFailover(c *gin.Context) {
	name, ok := s.regionParam(c)
	if !ok {
		return
	}

	var cause error
	if reason := strings.TrimSpace(c.Query("reason")); reason != "" {
		cause = errors.New(reason)
	}
	s.failoverSvc.TriggerFailover(name, cause)
	s.log.Warn("manual failover", zap.String("region", name))

	c.JSON(http.StatusAccepted, gin.H{"region": name, "state": failover.StateUnhealthy})
}

// RecoverRegion replays the region's queued writes now.
func (s *Server) RecoverRegion(c *gin.Context) {
	name, ok := s.regionParam(c)
	if !ok {
		return
	}

	report, err := s.failoverSvc.ProcessPendingWrites(c.Request.Context(), name)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) regionParam(c *gin.Context) (string, bool) {
	name := strings.TrimSpace(c.Param("region"))
	if name == "" || !slices.Contains(s.regions.Regions(), name) {
		AbortWithError(c, region.ErrUnknownRegion)
		return "", false
	}
	return name, true
}
