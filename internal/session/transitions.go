package session

import "github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"

// 会话状态只能按照下表转换
var transitions = map[domain.SessionStatus][]domain.SessionStatus{
	domain.SessionInitializing: {
		domain.SessionAnalyzingSites,
		domain.SessionFailed,
	},
	domain.SessionAnalyzingSites: {
		domain.SessionOptimizingGlobally,
		domain.SessionFailed,
		domain.SessionEmergencyOverride,
	},
	domain.SessionOptimizingGlobally: {
		domain.SessionSynchronizingSites,
		domain.SessionFailed,
		domain.SessionEmergencyOverride,
	},
	domain.SessionSynchronizingSites: {
		domain.SessionValidatingConstraints,
		domain.SessionFailed,
		domain.SessionEmergencyOverride,
	},
	domain.SessionValidatingConstraints: {
		domain.SessionImplementing,
		domain.SessionFailed,
		domain.SessionEmergencyOverride,
	},
	domain.SessionImplementing: {
		domain.SessionMonitoring,
		domain.SessionFailed,
		domain.SessionEmergencyOverride,
	},
	domain.SessionMonitoring: {
		domain.SessionCompleted,
		domain.SessionFailed,
		domain.SessionEmergencyOverride,
	},
	domain.SessionEmergencyOverride: {
		domain.SessionAnalyzingSites,
		domain.SessionOptimizingGlobally,
		domain.SessionFailed,
	},
}

func CanTransition(from, to domain.SessionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
