package control

import (
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/netsys-lab/edge-trace-client/config"
	"github.com/netsys-lab/edge-trace-client/packets"
	"github.com/netsys-lab/edge-trace-client/runstats"
	log "github.com/sirupsen/logrus"
)

// StepMetadata announces a step on PUSH_STEP
type StepMetadata struct {
	Index    int    `json:"index"`
	Size     int    `json:"size"`
	Checksum string `json:"checksum"`
}

// StatsUpload is the payload sent on PULL_STATS
type StatsUpload struct {
	ClientID     int              `json:"client_id"`
	ExperimentID string           `json:"experiment_id"`
	Ports        config.Ports     `json:"ports"`
	RunResults   *runstats.Record `json:"run_results"`
}

// Session is one control connection. It is owned by the goroutine
// running the client and never shared.
type Session struct {
	ID     string
	Config *config.ExperimentConfig

	conn net.Conn
	log  *log.Entry
}

func newSession(conn net.Conn) *Session {
	id := uuid.New().String()
	return &Session{
		ID:   id,
		conn: conn,
		log:  log.WithField("session", id),
	}
}

func (s *Session) readCommand() (packets.Command, error) {
	cmd, err := packets.ReadCommand(s.conn)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	s.log.Debugf("[ControlClient] Got command %s", cmd)
	return cmd, nil
}

// waitFor blocks for the next command. Only expected and SHUTDOWN are
// legal; anything else is answered with an error status and fails the
// session.
func (s *Session) waitFor(state State, expected packets.Command) (WaitResult, error) {
	cmd, err := s.readCommand()
	if err != nil {
		return Continue, err
	}
	switch cmd {
	case expected:
		return Continue, nil
	case packets.CmdShutdown:
		s.log.Info("[ControlClient] Got shutdown command!")
		return ShutdownRequested, nil
	}
	s.sendStatus(false)
	return Continue, unexpectedCommand(state, cmd, expected)
}

// sendStatus acknowledges the last command. Write errors surface on the
// next read, so they are only logged here.
func (s *Session) sendStatus(success bool) {
	if err := packets.WriteInt32(s.conn, packets.StatusFor(success)); err != nil {
		s.log.Warnf("[ControlClient] Could not send status: %v", err)
	}
}

func (s *Session) readPayload() ([]byte, error) {
	data, err := packets.ReadPayload(s.conn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return data, nil
}
