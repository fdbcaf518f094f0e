package registry

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/utils"
)

var (
	ErrFrozen         = errors.New("站点档案已冻结，只能通过已批准的调动或紧急接管修改")
	ErrNotParticipant = errors.New("站点不属于本次协调会话")
)

// Registry 保存一次协调会话中所有参与站点的档案
// 进入全局优化阶段后档案被冻结，之后只能通过 ApplyTransfer 或 EmergencyAdjust 修改人员容量
type Registry struct {
	mu           sync.RWMutex
	participants []string
	profiles     map[string]*domain.SiteProfile
	frozen       bool
}

func New(participants []string) *Registry {
	p := slices.Clone(participants)
	sort.Strings(p)

	return &Registry{
		participants: p,
		profiles:     make(map[string]*domain.SiteProfile, len(p)),
	}
}

func (r *Registry) isParticipant(siteID string) bool {
	_, found := slices.BinarySearch(r.participants, siteID)
	return found
}

// Register 校验并登记一个站点档案，已存在的档案会被覆盖
func (r *Registry) Register(profile domain.SiteProfile) error {
	if err := utils.ValidateSiteProfile(&profile); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrFrozen
	}
	if !r.isParticipant(profile.ID) {
		return domain.NewValidationError("site.id", "站点 %s 不属于本次协调会话", profile.ID)
	}

	// 声明的调动伙伴必须也是本次会话的参与站点
	for _, partner := range profile.Transfer.CanSendTo {
		if !r.isParticipant(partner) {
			return domain.NewValidationError("site.transfer.canSendTo", "站点 %s 的调出伙伴 %s 不属于本次协调会话", profile.ID, partner)
		}
	}
	for _, partner := range profile.Transfer.CanReceiveFrom {
		if !r.isParticipant(partner) {
			return domain.NewValidationError("site.transfer.canReceiveFrom", "站点 %s 的调入伙伴 %s 不属于本次协调会话", profile.ID, partner)
		}
	}

	if profile.Code == "" && profile.Name != "" {
		profile.Code = utils.GenerateSiteCode(profile.Name)
	}

	c := profile.Clone()
	r.profiles[profile.ID] = &c

	return nil
}

// Complete 检查是否所有参与站点都已经登记
func (r *Registry) Complete() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.participants {
		if _, exists := r.profiles[id]; !exists {
			return domain.NewValidationError("sites", "站点 %s 缺少档案", id)
		}
	}
	return nil
}

func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

func (r *Registry) Participants() []string {
	return slices.Clone(r.participants)
}

func (r *Registry) Profile(siteID string) (domain.SiteProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.profiles[siteID]
	if !exists {
		return domain.SiteProfile{}, fmt.Errorf("%w: %s", ErrNotParticipant, siteID)
	}
	return p.Clone(), nil
}

// Snapshot 返回按站点 ID 排序的档案深拷贝，一代之内优化器只读取快照
func (r *Registry) Snapshot() []domain.SiteProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make([]domain.SiteProfile, 0, len(r.profiles))
	for _, id := range r.participants {
		if p, exists := r.profiles[id]; exists {
			snapshot = append(snapshot, p.Clone())
		}
	}
	return snapshot
}

// ApplyTransfer 在调动开始执行时更新两个站点的在岗人数
// 返回的 undo 按本次实际修改的数量撤销，调用方在调动记录保存失败时使用
func (r *Registry) ApplyTransfer(tr domain.TransferRequest) (undo func(), err error) {
	if tr.Status != domain.TransferApproved && tr.Status != domain.TransferInProgress {
		return nil, fmt.Errorf("调动 %s 的状态为 %s，不能修改站点容量", tr.ID, tr.Status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	source, exists := r.profiles[tr.SourceSite]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotParticipant, tr.SourceSite)
	}
	destination, exists := r.profiles[tr.DestinationSite]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotParticipant, tr.DestinationSite)
	}

	if source.CurrentStaffing < tr.Agents {
		return nil, &domain.CapacityError{
			SiteID:    source.ID,
			Direction: "out",
			Requested: tr.Agents,
			Committed: 0,
			Limit:     source.CurrentStaffing,
		}
	}

	sourceMax, destinationMax := source.MaxStaffing, destination.MaxStaffing

	source.CurrentStaffing -= tr.Agents
	destination.CurrentStaffing += tr.Agents

	// 永久调动同时修改两个站点的编制上限
	if tr.Type == domain.TransferPermanent {
		source.MaxStaffing = max(source.MinStaffing, source.MaxStaffing-tr.Agents)
		destination.MaxStaffing += tr.Agents
	}

	sourceMaxDelta := source.MaxStaffing - sourceMax
	destinationMaxDelta := destination.MaxStaffing - destinationMax

	undo = func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		// 紧急接管可能已经替换了档案，按 ID 重新查找
		if s, ok := r.profiles[tr.SourceSite]; ok {
			s.CurrentStaffing += tr.Agents
			s.MaxStaffing -= sourceMaxDelta
		}
		if d, ok := r.profiles[tr.DestinationSite]; ok {
			d.CurrentStaffing -= tr.Agents
			d.MaxStaffing -= destinationMaxDelta
		}
	}
	return undo, nil
}

// EmergencyAdjust 紧急接管期间由人工直接修改站点档案
func (r *Registry) EmergencyAdjust(siteID string, override bool, adjust func(p *domain.SiteProfile)) error {
	if !override {
		return ErrFrozen
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.profiles[siteID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotParticipant, siteID)
	}

	c := p.Clone()
	adjust(&c)
	c.ID = p.ID
	if err := utils.ValidateSiteProfile(&c); err != nil {
		return err
	}
	r.profiles[siteID] = &c

	return nil
}
