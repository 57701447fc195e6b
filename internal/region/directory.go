// Package region maps companies to their home region and hands out one
// store per region.
package region

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/auditrail/internal/cache"
	"github.com/smallbiznis/auditrail/internal/config"
	tenantdomain "github.com/smallbiznis/auditrail/internal/tenant/domain"
	"go.uber.org/zap"
)

// CompanyLookup is the part of the tenant service the directory needs.
type CompanyLookup interface {
	GetCompany(ctx context.Context, id snowflake.ID) (*tenantdomain.Company, error)
}

// Directory resolves companies to regions. Resolutions are cached until
// Invalidate; they never expire on their own.
type Directory struct {
	companies CompanyLookup
	topology  *config.TopologyHolder
	log       *zap.Logger
	homes     cache.Cache[snowflake.ID, string]
}

func NewDirectory(companies CompanyLookup, topology *config.TopologyHolder, log *zap.Logger) *Directory {
	d := &Directory{
		companies: companies,
		topology:  topology,
		log:       log.Named("region.directory"),
		homes:     cache.NewTTLCache[snowflake.ID, string](),
	}
	topology.OnChange(func(config.Topology) {
		d.Invalidate()
	})
	return d
}

// Resolve returns the company's home region, or the default region when the
// company is unknown or its region is not served.
func (d *Directory) Resolve(ctx context.Context, companyID snowflake.ID) (string, error) {
	if home, ok := d.homes.Get(companyID); ok {
		return home, nil
	}

	topology := d.topology.Get()
	company, err := d.companies.GetCompany(ctx, companyID)
	if errors.Is(err, tenantdomain.ErrCompanyNotFound) {
		// not cached: the company may be provisioned later
		return topology.DefaultRegion, nil
	}
	if err != nil {
		return "", err
	}

	home := company.DataRegion
	if _, ok := topology.Lookup(home); !ok {
		if home != "" {
			d.log.Warn("company region not in topology, using default",
				zap.String("company_id", companyID.String()),
				zap.String("data_region", home),
			)
		}
		home = topology.DefaultRegion
	}

	d.homes.Set(companyID, home, 0)
	return home, nil
}

// Invalidate drops every cached resolution.
func (d *Directory) Invalidate() {
	d.homes.Purge()
}

func (d *Directory) Regions() []string {
	return d.topology.Get().Names()
}
