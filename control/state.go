package control

// State of a control session
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConfiguring
	StateNTPSync
	StateRunning
	StateAwaitFinishAck
	StateAwaitPullStats
	StateUploadStats
	StateShutDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConfiguring:
		return "configuring"
	case StateNTPSync:
		return "ntp_sync"
	case StateRunning:
		return "running"
	case StateAwaitFinishAck:
		return "await_finish_ack"
	case StateAwaitPullStats:
		return "await_pull_stats"
	case StateUploadStats:
		return "upload_stats"
	case StateShutDown:
		return "shut_down"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// WaitResult is what a command wait produced. A shutdown request is a
// regular outcome, not an error.
type WaitResult int

const (
	Continue WaitResult = iota
	ShutdownRequested
)
