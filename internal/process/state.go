package process

// State is the lifecycle state of a supervised process.
type State string

const (
	StateRunning State = "running"
	StateExited  State = "exited"
	StateKilled  State = "killed"
	StateFailed  State = "failed"
)

// Terminal reports whether no further transitions can happen from s.
func (s State) Terminal() bool {
	return s == StateExited || s == StateKilled || s == StateFailed
}
