package seed

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/registry"
)

type fakeCatalog struct {
	codes map[string]bool
	saved []*domain.SiteProfile
}

func (f *fakeCatalog) UpsertSiteProfile(ctx context.Context, p *domain.SiteProfile) error {
	if f.codes[p.Code] {
		return &pgconn.PgError{Code: "23505", ConstraintName: "site_catalog_code_key"}
	}
	f.codes[p.Code] = true
	f.saved = append(f.saved, p)
	return nil
}

func TestLinkPartners(t *testing.T) {
	sites := []*domain.SiteProfile{
		{ID: "a", Skills: []string{"billing"}},
		{ID: "b", Skills: []string{"billing", "vip"}},
		{ID: "c", Skills: []string{"sales"}},
	}

	LinkPartners(sites)

	assert.ElementsMatch(t, []string{"b", "c"}, sites[0].Transfer.CanSendTo)
	assert.ElementsMatch(t, []string{"a", "c"}, sites[1].Transfer.CanReceiveFrom)
	assert.ElementsMatch(t, []string{"vip", "sales"}, sites[0].Transfer.CrossTrainableSkills)
	assert.ElementsMatch(t, []string{"sales"}, sites[1].Transfer.CrossTrainableSkills)
}

func TestSeedSites(t *testing.T) {
	catalog := &fakeCatalog{codes: make(map[string]bool)}

	n, err := SeedSites(context.Background(), catalog, 6)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	require.Len(t, catalog.saved, 6)

	ids := make([]string, 0, len(catalog.saved))
	for _, s := range catalog.saved {
		ids = append(ids, s.ID)
	}
	reg := registry.New(ids)

	codes := make(map[string]bool)
	for _, s := range catalog.saved {
		assert.False(t, codes[s.Code], "编号 %s 重复", s.Code)
		codes[s.Code] = true
		assert.NoError(t, reg.Register(*s))
		assert.Len(t, s.Transfer.CanSendTo, 5)
	}
}

func TestSeedSitesRejectsNonPositiveCount(t *testing.T) {
	_, err := SeedSites(context.Background(), &fakeCatalog{codes: make(map[string]bool)}, 0)
	assert.Error(t, err)
}
