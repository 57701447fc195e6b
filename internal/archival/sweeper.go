// Package archival moves events past their retention window to cold
// storage. Events are flagged as candidates, exported as snappy-compressed
// JSON lines and then flagged archived; nothing else about them changes.
package archival

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang/snappy"
	"github.com/smallbiznis/auditrail/internal/clock"
	"github.com/smallbiznis/auditrail/internal/config"
	eventdomain "github.com/smallbiznis/auditrail/internal/event/domain"
	"github.com/smallbiznis/auditrail/internal/regionstore"
	tenantdomain "github.com/smallbiznis/auditrail/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const contentType = "application/x-ndjson+snappy"

type Tenants interface {
	ListCompanies(ctx context.Context) ([]tenantdomain.Company, error)
	ListWorkspaces(ctx context.Context, companyID snowflake.ID) ([]tenantdomain.Workspace, error)
}

type RegionResolver interface {
	Resolve(ctx context.Context, companyID snowflake.ID) (string, error)
}

type StorePool interface {
	Get(ctx context.Context, region string) (regionstore.Store, error)
	Regions() []string
}

type Params struct {
	fx.In

	Config  config.Config
	Log     *zap.Logger
	Clock   clock.Clock
	Tenants Tenants
	Regions RegionResolver
	Stores  StorePool
	Blobs   BlobStore `optional:"true"`
}

type Sweeper struct {
	cfg     config.ArchivalConfig
	log     *zap.Logger
	clock   clock.Clock
	tenants Tenants
	regions RegionResolver
	stores  StorePool
	blobs   BlobStore
}

// Report counts the work of one sweep.
type Report struct {
	Marked   int64
	Archived int
	Batches  int
}

func NewSweeper(p Params) *Sweeper {
	cfg := p.Config.Archival
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	return &Sweeper{
		cfg:     cfg,
		log:     p.Log.Named("archival"),
		clock:   p.Clock,
		tenants: p.Tenants,
		regions: p.Regions,
		stores:  p.Stores,
		blobs:   p.Blobs,
	}
}

func (s *Sweeper) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil {
			s.log.Warn("archival sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce marks every workspace's expired events and exports all pending
// candidates. Errors from individual companies or regions are joined and
// do not stop the rest of the sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	if s.blobs == nil {
		return report, ErrBucketRequired
	}

	var errs []error
	marked, err := s.markExpired(ctx)
	report.Marked = marked
	if err != nil {
		errs = append(errs, err)
	}

	for _, region := range s.stores.Regions() {
		archived, batches, err := s.exportRegion(ctx, region)
		report.Archived += archived
		report.Batches += batches
		if err != nil {
			errs = append(errs, fmt.Errorf("region %s: %w", region, err))
		}
	}

	if report.Marked > 0 || report.Archived > 0 {
		s.log.Info("archival sweep finished",
			zap.Int64("marked", report.Marked),
			zap.Int("archived", report.Archived),
			zap.Int("batches", report.Batches),
		)
	}
	return report, errors.Join(errs...)
}

func (s *Sweeper) markExpired(ctx context.Context) (int64, error) {
	companies, err := s.tenants.ListCompanies(ctx)
	if err != nil {
		return 0, err
	}

	now := s.clock.Now().UTC()
	var (
		total int64
		errs  []error
	)
	for i := range companies {
		company := &companies[i]
		region, err := s.regions.Resolve(ctx, company.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		store, err := s.stores.Get(ctx, region)
		if err != nil {
			errs = append(errs, fmt.Errorf("region %s: %w", region, err))
			continue
		}
		workspaces, err := s.tenants.ListWorkspaces(ctx, company.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		for j := range workspaces {
			ws := &workspaces[j]
			days := tenantdomain.EffectiveRetentionDays(company, ws)
			cutoff := now.AddDate(0, 0, -days)
			n, err := store.MarkArchivalCandidates(ctx, company.ID, &ws.ID, cutoff)
			if err != nil {
				errs = append(errs, fmt.Errorf("workspace %s: %w", ws.ID, err))
				continue
			}
			total += n
		}
	}
	return total, errors.Join(errs...)
}

func (s *Sweeper) exportRegion(ctx context.Context, region string) (int, int, error) {
	store, err := s.stores.Get(ctx, region)
	if err != nil {
		return 0, 0, err
	}

	archived, batches := 0, 0
	for {
		rows, err := store.ListArchivalCandidates(ctx, s.cfg.BatchSize)
		if err != nil {
			return archived, batches, err
		}
		if len(rows) == 0 {
			return archived, batches, nil
		}

		body, err := encodeBatch(rows)
		if err != nil {
			return archived, batches, err
		}
		key := batchKey(region, s.clock.Now().UTC(), rows)
		if err := s.blobs.Put(ctx, key, body, contentType); err != nil {
			return archived, batches, err
		}

		ids := make([]snowflake.ID, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
		}
		if err := store.MarkArchived(ctx, ids); err != nil {
			return archived, batches, err
		}

		archived += len(rows)
		batches++
		if len(rows) < s.cfg.BatchSize {
			return archived, batches, nil
		}
	}
}

// encodeBatch writes one JSON document per line and compresses the result.
func encodeBatch(rows []eventdomain.AuditEvent) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range rows {
		if err := enc.Encode(archivedEvent(&rows[i])); err != nil {
			return nil, err
		}
	}
	return snappy.Encode(nil, buf.Bytes()), nil
}

// DecodeBatch reverses encodeBatch.
func DecodeBatch(body []byte) ([]eventdomain.AuditEvent, error) {
	raw, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	var out []eventdomain.AuditEvent
	for dec.More() {
		var rec record
		if err := dec.Decode(&rec); err != nil {
			return nil, err
		}
		e := rec.AuditEvent
		e.SetActor(rec.Actor)
		out = append(out, e)
	}
	return out, nil
}

type record struct {
	eventdomain.AuditEvent
	Actor *eventdomain.Actor `json:"actor,omitempty"`
}

func archivedEvent(e *eventdomain.AuditEvent) record {
	return record{AuditEvent: *e, Actor: e.Actor()}
}

func batchKey(region string, at time.Time, rows []eventdomain.AuditEvent) string {
	return fmt.Sprintf("%s/%s/%s-%s.jsonl.snappy",
		region,
		at.Format("2006/01/02"),
		rows[0].ID,
		rows[len(rows)-1].ID,
	)
}
