package domain

// RunStatus represents the lifecycle state of an optimization run
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed out of s
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed
}

// MutationType names the variation that produced a candidate
type MutationType string

const (
	MutationNone      MutationType = ""
	MutationInitial   MutationType = "initial"
	MutationRewrite   MutationType = "rewrite"
	MutationCrossover MutationType = "crossover"
)
