package domain

import "time"

type TransferType string

const (
	TransferPermanent TransferType = "PERMANENT"
	TransferTemporary TransferType = "TEMPORARY"
	TransferEmergency TransferType = "EMERGENCY"
	TransferTraining  TransferType = "TRAINING"
	TransferSurge     TransferType = "SURGE"
)

type TransferStatus string

const (
	TransferPending    TransferStatus = "PENDING"
	TransferApproved   TransferStatus = "APPROVED"
	TransferInProgress TransferStatus = "IN_PROGRESS"
	TransferCompleted  TransferStatus = "COMPLETED"
	TransferRejected   TransferStatus = "REJECTED"
	TransferCancelled  TransferStatus = "CANCELLED"
)

func (s TransferStatus) Terminal() bool {
	return s == TransferCompleted || s == TransferRejected || s == TransferCancelled
}

// Outstanding 表示调动已经批准但尚未结束，会占用站点的调动额度
func (s TransferStatus) Outstanding() bool {
	return s == TransferApproved || s == TransferInProgress
}

// TransferOrigin 调动请求的来源
type TransferOrigin string

const (
	OriginOptimizer    TransferOrigin = "OPTIMIZER"
	OriginEventHandler TransferOrigin = "EVENT_HANDLER"
	OriginManual       TransferOrigin = "MANUAL"
)

type TransferRequest struct {
	ID               string         `json:"id"`
	SessionID        string         `json:"sessionID"`
	SourceSite       string         `json:"sourceSite"`
	DestinationSite  string         `json:"destinationSite"`
	Agents           int            `json:"agents"`
	RequiredSkills   []string       `json:"requiredSkills"`
	WindowStart      time.Time      `json:"windowStart"`
	WindowEnd        time.Time      `json:"windowEnd"`
	Type             TransferType   `json:"type"`
	Status           TransferStatus `json:"status"`
	Origin           TransferOrigin `json:"origin"`
	ApprovalDeadline time.Time      `json:"approvalDeadline"`
	Approver         string         `json:"approver,omitempty"`
	Reason           string         `json:"reason,omitempty"` // 拒绝或取消的原因
	ExpectedImpact   Impact         `json:"expectedImpact"`
	ActualImpact     *Impact        `json:"actualImpact,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// Overlaps 判断两个调动的时间窗口是否重叠
func (t TransferRequest) Overlaps(start, end time.Time) bool {
	return t.WindowStart.Before(end) && start.Before(t.WindowEnd)
}
