package domain

import "time"

type SessionStatus string

const (
	SessionInitializing          SessionStatus = "INITIALIZING"
	SessionAnalyzingSites        SessionStatus = "ANALYZING_SITES"
	SessionOptimizingGlobally    SessionStatus = "OPTIMIZING_GLOBALLY"
	SessionSynchronizingSites    SessionStatus = "SYNCHRONIZING_SITES"
	SessionValidatingConstraints SessionStatus = "VALIDATING_CONSTRAINTS"
	SessionImplementing          SessionStatus = "IMPLEMENTING"
	SessionMonitoring            SessionStatus = "MONITORING"
	SessionCompleted             SessionStatus = "COMPLETED"
	SessionFailed                SessionStatus = "FAILED"
	SessionEmergencyOverride     SessionStatus = "EMERGENCY_OVERRIDE"
)

// Terminal 表示会话是否已经结束
// EMERGENCY_OVERRIDE 不是终态，人工处理后可以恢复优化
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

type SelectionStrategy string

const (
	SelectionTournament SelectionStrategy = "TOURNAMENT"
	SelectionRoulette   SelectionStrategy = "ROULETTE"
	SelectionRank       SelectionStrategy = "RANK"
)

// ExhaustionPolicy 决定达到最大代数但仍未收敛时的行为
type ExhaustionPolicy string

const (
	ExhaustionFail      ExhaustionPolicy = "FAIL"
	ExhaustionBestSoFar ExhaustionPolicy = "BEST_SO_FAR"
)

// DuplicatePolicy 决定同一代中出现完全相同的染色体时的处理方式
type DuplicatePolicy string

const (
	DuplicateResample DuplicatePolicy = "RESAMPLE"
	DuplicateFlag     DuplicatePolicy = "FLAG"
)

// ObjectiveWeights 五个目标的权重，总和必须恰好为 100
type ObjectiveWeights struct {
	Coverage          int `json:"coverage"`
	Cost              int `json:"cost"`
	ServiceLevel      int `json:"serviceLevel"`
	ResourceSharing   int `json:"resourceSharing"`
	EmergencyResponse int `json:"emergencyResponse"`
}

func (w ObjectiveWeights) Sum() int {
	return w.Coverage + w.Cost + w.ServiceLevel + w.ResourceSharing + w.EmergencyResponse
}

// Values 按 coverage, cost, serviceLevel, resourceSharing, emergencyResponse 的顺序返回权重
func (w ObjectiveWeights) Values() [ObjectiveCount]float64 {
	return [ObjectiveCount]float64{
		float64(w.Coverage),
		float64(w.Cost),
		float64(w.ServiceLevel),
		float64(w.ResourceSharing),
		float64(w.EmergencyResponse),
	}
}

type AlgorithmToggles struct {
	ResourceSharing   bool              `json:"resourceSharing"`
	EmergencyOverride bool              `json:"emergencyOverride"`
	CrossTraining     bool              `json:"crossTraining"`
	Selection         SelectionStrategy `json:"selection"`
	ExhaustionPolicy  ExhaustionPolicy  `json:"exhaustionPolicy"`
	DuplicatePolicy   DuplicatePolicy   `json:"duplicatePolicy"`
}

type GeneticParameters struct {
	PopulationSize       int     `json:"populationSize"`
	MutationRate         float64 `json:"mutationRate"`
	CrossoverRate        float64 `json:"crossoverRate"`
	MaxGenerations       int     `json:"maxGenerations"`
	ConvergenceThreshold float64 `json:"convergenceThreshold"`
	ConvergenceWindow    int     `json:"convergenceWindow"`
	EliteCount           int     `json:"eliteCount"`
	TournamentSize       int     `json:"tournamentSize"`
	Seed                 int64   `json:"seed"` // 为 0 时使用当前时间作为随机种子
}

type CoordinationSession struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Sites             []string          `json:"sites"`
	PrimarySite       string            `json:"primarySite"`
	WindowStart       time.Time         `json:"windowStart"`
	WindowEnd         time.Time         `json:"windowEnd"`
	Weights           ObjectiveWeights  `json:"weights"`
	Toggles           AlgorithmToggles  `json:"toggles"`
	Genetic           GeneticParameters `json:"genetic"`
	Status            SessionStatus     `json:"status"`
	CurrentGeneration int               `json:"currentGeneration"`
	BestFitness       float64           `json:"bestFitness"`
	Epoch             int               `json:"epoch"` // 每次以收紧后的约束重新播种时加一
	FailureReason     string            `json:"failureReason,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// GenerationUpdate 每一代结束后对外发布的进度
type GenerationUpdate struct {
	SessionID   string        `json:"sessionID"`
	Status      SessionStatus `json:"status"`
	Generation  int           `json:"generation"`
	Epoch       int           `json:"epoch"`
	BestFitness float64       `json:"bestFitness"`
	Reseeded    bool          `json:"reseeded"`
	Timestamp   time.Time     `json:"timestamp"`
}
