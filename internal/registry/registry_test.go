package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"
)

func profile(id string, current int, partners ...string) domain.SiteProfile {
	return domain.SiteProfile{
		ID:                  id,
		Name:                "广州客服中心",
		MinStaffing:         5,
		MaxStaffing:         30,
		CurrentStaffing:     current,
		ForecastDemand:      20,
		Skills:              []string{"billing"},
		ServiceLevelTarget:  0.8,
		ServiceLevelMinimum: 0.7,
		RegularRate:         30,
		OvertimeRate:        45,
		Transfer: domain.TransferCapability{
			CanSendTo:                partners,
			CanReceiveFrom:           partners,
			MaxAgentsTransferableOut: 5,
			MaxAgentsReceivable:      5,
		},
	}
}

func TestRegister(t *testing.T) {
	r := New([]string{"b", "a"})

	require.NoError(t, r.Register(profile("a", 10, "b")))
	assert.Error(t, r.Complete())

	require.NoError(t, r.Register(profile("b", 10, "a")))
	assert.NoError(t, r.Complete())

	p, err := r.Profile("a")
	require.NoError(t, err)
	assert.Equal(t, "guang-zhou-ke-fu-zhong-xin", p.Code)

	snapshot := r.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, "a", snapshot[0].ID)
	assert.Equal(t, []string{"a", "b"}, r.Participants())
}

func TestRegisterRejectsInvalidProfiles(t *testing.T) {
	r := New([]string{"a", "b"})

	var vErr *domain.ValidationError
	assert.ErrorAs(t, r.Register(profile("c", 10)), &vErr)
	assert.ErrorAs(t, r.Register(profile("a", 10, "z")), &vErr)

	bad := profile("a", 10)
	bad.MinStaffing = 40
	assert.ErrorAs(t, r.Register(bad), &vErr)
}

func TestFrozenRegistry(t *testing.T) {
	r := New([]string{"a"})
	require.NoError(t, r.Register(profile("a", 10)))
	r.Freeze()

	assert.True(t, r.Frozen())
	assert.ErrorIs(t, r.Register(profile("a", 12)), ErrFrozen)
	assert.ErrorIs(t, r.EmergencyAdjust("a", false, func(p *domain.SiteProfile) {}), ErrFrozen)

	require.NoError(t, r.EmergencyAdjust("a", true, func(p *domain.SiteProfile) {
		p.CurrentStaffing = 25
		p.ID = "ignored"
	}))
	p, err := r.Profile("a")
	require.NoError(t, err)
	assert.Equal(t, 25, p.CurrentStaffing)

	// 校验失败时保留原档案
	err = r.EmergencyAdjust("a", true, func(p *domain.SiteProfile) { p.MaxStaffing = 1 })
	assert.Error(t, err)
	p, _ = r.Profile("a")
	assert.Equal(t, 30, p.MaxStaffing)
}

func TestApplyTransfer(t *testing.T) {
	r := New([]string{"a", "b"})
	require.NoError(t, r.Register(profile("a", 10, "b")))
	require.NoError(t, r.Register(profile("b", 10, "a")))
	r.Freeze()

	tr := domain.TransferRequest{
		ID:              "t-1",
		SourceSite:      "a",
		DestinationSite: "b",
		Agents:          3,
		Type:            domain.TransferTemporary,
		Status:          domain.TransferPending,
	}
	_, err := r.ApplyTransfer(tr)
	assert.Error(t, err)

	tr.Status = domain.TransferInProgress
	_, err = r.ApplyTransfer(tr)
	require.NoError(t, err)

	a, _ := r.Profile("a")
	b, _ := r.Profile("b")
	assert.Equal(t, 7, a.CurrentStaffing)
	assert.Equal(t, 13, b.CurrentStaffing)
	assert.Equal(t, 30, b.MaxStaffing)

	tr.Type = domain.TransferPermanent
	_, err = r.ApplyTransfer(tr)
	require.NoError(t, err)
	a, _ = r.Profile("a")
	b, _ = r.Profile("b")
	assert.Equal(t, 27, a.MaxStaffing)
	assert.Equal(t, 33, b.MaxStaffing)

	tr.Agents = 50
	var capErr *domain.CapacityError
	_, err = r.ApplyTransfer(tr)
	assert.ErrorAs(t, err, &capErr)
}

func TestApplyTransferUndo(t *testing.T) {
	r := New([]string{"a", "b"})
	require.NoError(t, r.Register(profile("a", 10, "b")))
	require.NoError(t, r.Register(profile("b", 10, "a")))

	tr := domain.TransferRequest{
		ID:              "t-1",
		SourceSite:      "a",
		DestinationSite: "b",
		Agents:          4,
		Type:            domain.TransferPermanent,
		Status:          domain.TransferApproved,
	}
	undo, err := r.ApplyTransfer(tr)
	require.NoError(t, err)

	a, _ := r.Profile("a")
	assert.Equal(t, 6, a.CurrentStaffing)
	assert.Equal(t, 26, a.MaxStaffing)

	undo()

	a, _ = r.Profile("a")
	b, _ := r.Profile("b")
	assert.Equal(t, 10, a.CurrentStaffing)
	assert.Equal(t, 30, a.MaxStaffing)
	assert.Equal(t, 10, b.CurrentStaffing)
	assert.Equal(t, 30, b.MaxStaffing)
}

func TestProfileUnknownSite(t *testing.T) {
	r := New([]string{"a"})
	_, err := r.Profile("a")
	assert.ErrorIs(t, err, ErrNotParticipant)
}
