package domain

import "time"

type EventType string

const (
	EventDemandSpike        EventType = "DEMAND_SPIKE"
	EventAgentAbsence       EventType = "AGENT_ABSENCE"
	EventSystemFailure      EventType = "SYSTEM_FAILURE"
	EventServiceDegradation EventType = "SERVICE_DEGRADATION"
	EventTransferRequest    EventType = "TRANSFER_REQUEST"
	EventManualOverride     EventType = "MANUAL_OVERRIDE"
	EventWeatherDisruption  EventType = "WEATHER_DISRUPTION"
)

type Severity string

const (
	SeverityLow       Severity = "LOW"
	SeverityMedium    Severity = "MEDIUM"
	SeverityHigh      Severity = "HIGH"
	SeverityCritical  Severity = "CRITICAL"
	SeverityEmergency Severity = "EMERGENCY"
)

// Rank 返回严重程度的序号，未知的严重程度返回 0
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	case SeverityEmergency:
		return 5
	default:
		return 0
	}
}

func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

type EventState string

const (
	EventDetected   EventState = "DETECTED"
	EventAnalyzing  EventState = "ANALYZING"
	EventResponding EventState = "RESPONDING"
	EventEscalated  EventState = "ESCALATED"
	EventResolved   EventState = "RESOLVED"
	EventFailed     EventState = "FAILED"
)

func (s EventState) Closed() bool {
	return s == EventResolved || s == EventFailed
}

const MaxEscalationLevel = 5

// Impact 服务水平/成本/覆盖率的变化量
type Impact struct {
	ServiceLevelDelta float64 `json:"serviceLevelDelta"`
	CostDelta         float64 `json:"costDelta"`
	CoverageDelta     float64 `json:"coverageDelta"`
}

type Resolution struct {
	Method        string    `json:"method"`
	Effectiveness float64   `json:"effectiveness"` // 0~1
	ResolvedBy    string    `json:"resolvedBy"`
	ResolvedAt    time.Time `json:"resolvedAt"`
}

type OptimizationEvent struct {
	ID                 string           `json:"id"`
	SessionID          string           `json:"sessionID"`
	Type               EventType        `json:"type"`
	Severity           Severity         `json:"severity"`
	AffectedSites      []string         `json:"affectedSites"`
	Magnitude          int              `json:"magnitude"` // 需求变化或缺勤的坐席数量
	Description        string           `json:"description"`
	Impact             Impact           `json:"impact"`
	State              EventState       `json:"state"`
	EscalationLevel    int              `json:"escalationLevel"`
	ResolutionDeadline time.Time        `json:"resolutionDeadline"`
	Actions            []ResponseAction `json:"-"`
	Resolution         *Resolution      `json:"resolution,omitempty"`
	FailureReason      string           `json:"failureReason,omitempty"`
	DetectedAt         time.Time        `json:"detectedAt"`
	UpdatedAt          time.Time        `json:"updatedAt"`
}

// EscalationNotice 发送给升级联系人的通知
type EscalationNotice struct {
	EventID   string    `json:"eventID"`
	SessionID string    `json:"sessionID"`
	Severity  Severity  `json:"severity"`
	Level     int       `json:"level"`
	Contact   string    `json:"contact"`
	Deadline  time.Time `json:"deadline"`
	Message   string    `json:"message"`
	TimedOut  bool      `json:"timedOut"` // 为 true 时表示事件已经超过最高升级级别，需要人工介入
}
