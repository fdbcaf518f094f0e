package domain

import "time"

// 队列中传递的消息类型
const (
	MessageGenerationUpdate = "generation_update"
	MessageSolutions        = "solutions"
	MessageTransfer         = "transfer"
	MessageCalendarBlock    = "calendar_block"
	MessageEscalation       = "escalation"
	MessageDisruption       = "disruption"
)

type Message struct {
	Type string `json:"type"`
	To   string `json:"to,omitempty"`
	Data any    `json:"data"`
}

// SolutionsMessage 会话结束时发送给决策支持方的帕累托最优方案集合
type SolutionsMessage struct {
	SessionID string           `json:"sessionID"`
	Solutions []ParetoSolution `json:"solutions"`
}

// CalendarBlockMessage 要求排班日历锁定某个站点的时间段
type CalendarBlockMessage struct {
	SiteID      string    `json:"siteID"`
	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`
}

// DisruptionMessage 由监控系统投递到事件队列的扰动事件
type DisruptionMessage struct {
	SessionID       string    `json:"sessionID"`
	Type            EventType `json:"type"`
	Severity        Severity  `json:"severity"`
	AffectedSites   []string  `json:"affectedSites"`
	Magnitude       int       `json:"magnitude"`
	Description     string    `json:"description"`
	DeadlineMinutes int       `json:"deadlineMinutes"` // 为 0 时按严重程度使用默认期限
}
