package domain

import "time"

// ConstraintTightening 事件发生后对某个站点人员上下限的收紧
type ConstraintTightening struct {
	SiteID      string `json:"siteID"`
	MinStaffing int    `json:"minStaffing"`
	MaxStaffing int    `json:"maxStaffing"`
}

// ResponseAction 事件响应动作。接口包含未导出方法，因此只有本包中定义的动作类型可以实现它，
// 处理方对所有动作做类型分支即可覆盖全部情况
type ResponseAction interface {
	isResponseAction()
}

type Notify struct {
	Contact string
	Message string
}

type AssignApprover struct {
	Approver   string
	TransferID string
}

type UpdateCalendar struct {
	SiteID      string
	WindowStart time.Time
	WindowEnd   time.Time
}

// RequestReoptimization 在下一个代际边界上协作式地重新优化
type RequestReoptimization struct {
	SessionID string
}

// ReseedPopulation 立即中止当前代并以收紧后的约束重新播种
type ReseedPopulation struct {
	SessionID   string
	Tightenings []ConstraintTightening
}

type EnterEmergencyOverride struct {
	SessionID string
}

type ProposeTransfer struct {
	SourceSite      string
	DestinationSite string
	Agents          int
	Type            TransferType
}

func (Notify) isResponseAction()                 {}
func (AssignApprover) isResponseAction()         {}
func (UpdateCalendar) isResponseAction()         {}
func (RequestReoptimization) isResponseAction()  {}
func (ReseedPopulation) isResponseAction()       {}
func (EnterEmergencyOverride) isResponseAction() {}
func (ProposeTransfer) isResponseAction()        {}
