package seed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/utils"
)

// maxCodeRetries 站点编号冲突时重新生成名称的次数
const maxCodeRetries = 5

type Catalog interface {
	UpsertSiteProfile(ctx context.Context, p *domain.SiteProfile) error
}

// LinkPartners 把所有站点两两设为调动伙伴，并把对方的技能登记为可交叉培训的技能
func LinkPartners(sites []*domain.SiteProfile) {
	for _, s := range sites {
		s.Transfer.CanSendTo = make([]string, 0, len(sites)-1)
		s.Transfer.CanReceiveFrom = make([]string, 0, len(sites)-1)
		s.Transfer.CrossTrainableSkills = make([]string, 0)

		seen := make(map[string]bool, len(s.Skills))
		for _, skill := range s.Skills {
			seen[skill] = true
		}

		for _, other := range sites {
			if other.ID == s.ID {
				continue
			}
			s.Transfer.CanSendTo = append(s.Transfer.CanSendTo, other.ID)
			s.Transfer.CanReceiveFrom = append(s.Transfer.CanReceiveFrom, other.ID)

			for _, skill := range other.Skills {
				if !seen[skill] {
					seen[skill] = true
					s.Transfer.CrossTrainableSkills = append(s.Transfer.CrossTrainableSkills, skill)
				}
			}
		}
	}
}

// SeedSites 生成 n 个随机站点并写入站点目录，返回成功写入的数量
func SeedSites(ctx context.Context, c Catalog, n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("站点数量必须为正数: %d", n)
	}

	sites := make([]*domain.SiteProfile, 0, n)
	for i := 1; i <= n; i++ {
		sites = append(sites, utils.GenerateRandomSite(i))
	}
	LinkPartners(sites)

	inserted := 0
	for _, site := range sites {
		if err := upsertWithFreshCode(ctx, c, site); err != nil {
			slog.Error("无法插入站点", "site", site.ID, "error", err)
			continue
		}
		inserted++
	}

	return inserted, nil
}

func upsertWithFreshCode(ctx context.Context, c Catalog, site *domain.SiteProfile) error {
	for attempt := 0; ; attempt++ {
		err := c.UpsertSiteProfile(ctx, site)
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.ConstraintName != "site_catalog_code_key" || attempt >= maxCodeRetries {
			return err
		}

		// 城市和后缀的组合有限，编号重复时换一个名称
		site.Name = utils.GenerateRandomSiteName()
		site.Code = fmt.Sprintf("%s-%d", utils.GenerateSiteCode(site.Name), attempt+1)
		slog.Warn("站点编号重复，重新生成", "site", site.ID, "code", site.Code)
	}
}
