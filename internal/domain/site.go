package domain

import "slices"

type TransferCapability struct {
	CanSendTo                []string `json:"canSendTo"`
	CanReceiveFrom           []string `json:"canReceiveFrom"`
	MaxAgentsTransferableOut int      `json:"maxAgentsTransferableOut"`
	MaxAgentsReceivable      int      `json:"maxAgentsReceivable"`
	CrossTrainableSkills     []string `json:"crossTrainableSkills"` // 经过交叉培训后可以承担的技能
}

// SiteProfile 表示某个站点在一次协调会话中的运营约束
type SiteProfile struct {
	ID                  string             `json:"id"`
	Name                string             `json:"name"`
	Code                string             `json:"code"`
	MinStaffing         int                `json:"minStaffing"`
	MaxStaffing         int                `json:"maxStaffing"`
	CurrentStaffing     int                `json:"currentStaffing"`
	ForecastDemand      int                `json:"forecastDemand"` // 预测所需坐席数量
	Skills              []string           `json:"skills"`
	SkillDemand         map[string]int     `json:"skillDemand"`
	ServiceLevelTarget  float64            `json:"serviceLevelTarget"`
	ServiceLevelMinimum float64            `json:"serviceLevelMinimum"`
	CurrentServiceLevel float64            `json:"currentServiceLevel"`
	RegularRate         float64            `json:"regularRate"`
	OvertimeRate        float64            `json:"overtimeRate"`
	Budget              float64            `json:"budget"` // 为 0 时表示不限制预算
	EmergencyReserve    int                `json:"emergencyReserve"`
	Transfer            TransferCapability `json:"transfer"`
}

// Clone 返回深拷贝，用于向优化器提供只读快照
func (p SiteProfile) Clone() SiteProfile {
	c := p
	c.Skills = slices.Clone(p.Skills)
	c.Transfer.CanSendTo = slices.Clone(p.Transfer.CanSendTo)
	c.Transfer.CanReceiveFrom = slices.Clone(p.Transfer.CanReceiveFrom)
	c.Transfer.CrossTrainableSkills = slices.Clone(p.Transfer.CrossTrainableSkills)
	if p.SkillDemand != nil {
		c.SkillDemand = make(map[string]int, len(p.SkillDemand))
		for k, v := range p.SkillDemand {
			c.SkillDemand[k] = v
		}
	}
	return c
}

func (p SiteProfile) CanSendTo(siteID string) bool {
	return slices.Contains(p.Transfer.CanSendTo, siteID)
}

func (p SiteProfile) CanReceiveFrom(siteID string) bool {
	return slices.Contains(p.Transfer.CanReceiveFrom, siteID)
}

// HasSkill 判断站点是否具备某项技能，crossTraining 为 true 时交叉培训技能也算在内
func (p SiteProfile) HasSkill(skill string, crossTraining bool) bool {
	if slices.Contains(p.Skills, skill) {
		return true
	}
	return crossTraining && slices.Contains(p.Transfer.CrossTrainableSkills, skill)
}
