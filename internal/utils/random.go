package utils

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/mozillazg/go-pinyin"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"
)

var commonCities = []string{
	"广州", "深圳", "珠海", "佛山", "东莞", "惠州", "中山", "江门",
	"长沙", "武汉", "成都", "重庆", "南宁", "福州", "厦门", "昆明",
}

var siteSuffixes = []string{"客服中心", "呼叫中心", "服务中心", "联络中心"}

var commonSkills = []string{"billing", "technical", "sales", "retention", "vip", "english", "cantonese"}

func GenerateRandomSiteName() string {
	return commonCities[rand.Intn(len(commonCities))] + siteSuffixes[rand.Intn(len(siteSuffixes))]
}

// GenerateSiteCode 将中文站点名称转换为拼音编码，例如 "广州客服中心" -> "guang-zhou-ke-fu-zhong-xin"
func GenerateSiteCode(name string) string {
	pinyinArray := pinyin.LazyConvert(name, nil)
	if len(pinyinArray) == 0 {
		// 名称中没有汉字时直接使用原名称
		return strings.ToLower(strings.Join(strings.Fields(name), "-"))
	}
	return strings.Join(pinyinArray, "-")
}

// 用 Fisher-Yates 洗牌算法选出随机的技能组合
func GenerateRandomSkills() []string {
	skills := make([]string, len(commonSkills))
	copy(skills, commonSkills)

	for i := len(skills) - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		skills[i], skills[j] = skills[j], skills[i]
	}

	n := rand.Intn(len(skills)-1) + 2

	return skills[:n]
}

// GenerateRandomSite 生成一个随机站点，调动伙伴需要调用方在生成所有站点后再补充
func GenerateRandomSite(index int) *domain.SiteProfile {
	name := GenerateRandomSiteName()
	minStaffing := rand.Intn(20) + 10
	maxStaffing := minStaffing + rand.Intn(40) + 10
	demand := minStaffing + rand.Intn(maxStaffing-minStaffing+1)
	skills := GenerateRandomSkills()

	skillDemand := make(map[string]int, len(skills))
	remaining := demand
	for i, skill := range skills {
		if i == len(skills)-1 {
			skillDemand[skill] = remaining
			break
		}
		n := rand.Intn(remaining/2 + 1)
		skillDemand[skill] = n
		remaining -= n
	}

	target := 0.8 + rand.Float64()*0.15
	regularRate := 30 + rand.Float64()*20

	return &domain.SiteProfile{
		ID:                  fmt.Sprintf("site-%02d", index),
		Name:                name,
		Code:                GenerateSiteCode(name),
		MinStaffing:         minStaffing,
		MaxStaffing:         maxStaffing,
		CurrentStaffing:     minStaffing + rand.Intn(maxStaffing-minStaffing+1),
		ForecastDemand:      demand,
		Skills:              skills,
		SkillDemand:         skillDemand,
		ServiceLevelTarget:  target,
		ServiceLevelMinimum: target - 0.1,
		CurrentServiceLevel: target - rand.Float64()*0.15,
		RegularRate:         regularRate,
		OvertimeRate:        regularRate * 1.5,
		EmergencyReserve:    rand.Intn(5),
		Transfer: domain.TransferCapability{
			MaxAgentsTransferableOut: rand.Intn(8) + 2,
			MaxAgentsReceivable:      rand.Intn(8) + 2,
		},
	}
}
