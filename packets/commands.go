package packets

import "fmt"

// Command is a control channel command sent by the control server
type Command int32

const (
	CmdPushConfig Command = 1
	CmdPushStep   Command = 2
	CmdNTPSync    Command = 3
	CmdStartExp   Command = 4
	CmdPullStats  Command = 5
	CmdShutdown   Command = 6
)

// Status replies and notifications written by the client
const (
	StatusSuccess       int32 = 0
	StatusError         int32 = -1
	MsgExperimentFinish int32 = 7
)

func (c Command) String() string {
	switch c {
	case CmdPushConfig:
		return "PUSH_CONFIG"
	case CmdPushStep:
		return "PUSH_STEP"
	case CmdNTPSync:
		return "NTP_SYNC"
	case CmdStartExp:
		return "START_EXP"
	case CmdPullStats:
		return "PULL_STATS"
	case CmdShutdown:
		return "SHUTDOWN"
	}
	return fmt.Sprintf("UNKNOWN(%d)", int32(c))
}

// StatusFor maps a boolean outcome to its status reply
func StatusFor(success bool) int32 {
	if success {
		return StatusSuccess
	}
	return StatusError
}
