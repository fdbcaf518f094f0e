package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound          = errors.New("记录不存在")
	ErrInvalidTransition = errors.New("非法的状态转换")
)

// ValidationError 输入不合法，同步拒绝，不会创建任何记录
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("字段 %s 校验失败: %s", e.Field, e.Message)
}

func NewValidationError(field string, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// CapacityError 调动会使站点超出其调出或接收上限
type CapacityError struct {
	SiteID    string
	Direction string // "out" 或 "in"
	Requested int
	Committed int
	Limit     int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("站点 %s 的调动额度不足（方向 %s）：已占用 %d，本次申请 %d，上限 %d", e.SiteID, e.Direction, e.Committed, e.Requested, e.Limit)
}

type SkillMismatchError struct {
	SiteID  string
	Missing []string
}

func (e *SkillMismatchError) Error() string {
	return fmt.Sprintf("站点 %s 不具备所需技能: %s", e.SiteID, strings.Join(e.Missing, ", "))
}

// ConvergenceFailure 优化器在最大代数内没有达到收敛阈值
type ConvergenceFailure struct {
	Generations int
	BestFitness float64
	Threshold   float64
}

func (e *ConvergenceFailure) Error() string {
	return fmt.Sprintf("在 %d 代内未能收敛（阈值 %g，最佳适应度 %.4f）", e.Generations, e.Threshold, e.BestFitness)
}

// EvaluationFailure 单个染色体的适应度无法计算，只会导致该染色体被惩罚
type EvaluationFailure struct {
	Generation int
	Index      int
	Err        error
}

func (e *EvaluationFailure) Error() string {
	return fmt.Sprintf("第 %d 代第 %d 个染色体评估失败: %v", e.Generation, e.Index, e.Err)
}

func (e *EvaluationFailure) Unwrap() error {
	return e.Err
}

type EscalationTimeout struct {
	EventID string
	Level   int
}

func (e *EscalationTimeout) Error() string {
	return fmt.Sprintf("事件 %s 在最高升级级别 %d 仍未解决", e.EventID, e.Level)
}
