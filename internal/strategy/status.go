package strategy

// Status is the controller's state-machine position. StatusIdle is the
// only resting state from which new work can be initiated; every
// adjustment holds a non-idle status until the venue callback lands.
type Status int

const (
	StatusIdle Status = iota
	StatusNeedKeep
	StatusKeeping
	StatusDepositing
	StatusWithdrawing
	StatusRebalancingUp
	StatusRebalancingDown
	StatusNeedRebalanceDown
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusNeedKeep:
		return "need_keep"
	case StatusKeeping:
		return "keeping"
	case StatusDepositing:
		return "depositing"
	case StatusWithdrawing:
		return "withdrawing"
	case StatusRebalancingUp:
		return "rebalancing_up"
	case StatusRebalancingDown:
		return "rebalancing_down"
	case StatusNeedRebalanceDown:
		return "need_rebalance_down"
	default:
		return "unknown"
	}
}

// InFlight reports whether an adjustment request is outstanding at the
// venue. NeedKeep and NeedRebalanceDown are resting states: work is
// known to be pending but nothing has been dispatched.
func (s Status) InFlight() bool {
	switch s {
	case StatusKeeping, StatusDepositing, StatusWithdrawing, StatusRebalancingUp, StatusRebalancingDown:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether moving from s to target is a legal
// state-machine edge. Self-transitions are allowed as no-ops.
func (s Status) CanTransitionTo(target Status) bool {
	if s == target {
		return true
	}
	switch s {
	case StatusIdle, StatusNeedKeep:
		// Resting states dispatch any work, or park as needing it.
		return true
	case StatusNeedRebalanceDown:
		return target == StatusRebalancingDown || target == StatusIdle || target == StatusNeedKeep
	case StatusKeeping, StatusDepositing, StatusWithdrawing, StatusRebalancingUp:
		return target == StatusIdle || target == StatusNeedKeep
	case StatusRebalancingDown:
		return target == StatusIdle || target == StatusNeedKeep || target == StatusNeedRebalanceDown
	default:
		return false
	}
}
