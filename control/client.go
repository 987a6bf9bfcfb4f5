// Package control drives a device through an experiment as commanded by
// the control server: configuration, clock synchronization, runs and
// stats upload.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/netsys-lab/edge-trace-client/config"
	"github.com/netsys-lab/edge-trace-client/ntpsync"
	"github.com/netsys-lab/edge-trace-client/packets"
	"github.com/netsys-lab/edge-trace-client/runstats"
	"github.com/netsys-lab/edge-trace-client/socket"
	"github.com/netsys-lab/edge-trace-client/stepstore"
	"github.com/netsys-lab/edge-trace-client/stream"
	log "github.com/sirupsen/logrus"
)

type Options struct {
	ControlAddr string
	Store       *stepstore.Store
	DataSocket  socket.DataSocket
	Prober      ntpsync.Prober
	NTPPolls    int
	Dial        socket.DialOptions
}

// Summary is the terminal outcome of Client.Run
type Summary struct {
	Success        bool
	TotalRuns      int
	SuccessfulRuns int
	Message        string
	Err            error
}

// Snapshot is a read-only view of the client for monitoring
type Snapshot struct {
	State          State            `json:"state"`
	SessionID      string           `json:"session_id,omitempty"`
	ExperimentID   string           `json:"experiment_id,omitempty"`
	TotalRuns      int              `json:"total_runs"`
	SuccessfulRuns int              `json:"successful_runs"`
	ClockOffset    float64          `json:"clock_offset_ms"`
	RollingRTT     float64          `json:"rolling_rtt_ms"`
	VideoBandwidth int64            `json:"video_bandwidth_bps"`
	Backend        string           `json:"backend,omitempty"`
	Run            *stream.Progress `json:"run,omitempty"`
}

type Client struct {
	opts Options

	cancelOnce sync.Once
	cancelled  chan struct{}

	mu             sync.Mutex
	state          State
	session        *Session
	clock          *ntpsync.ClockSync
	engine         *stream.Engine
	stats          *runstats.Stats
	channels       *packets.DataChannels
	totalRuns      int
	successfulRuns int
}

func NewClient(opts Options) *Client {
	if opts.NTPPolls <= 0 {
		opts.NTPPolls = ntpsync.DEFAULT_POLL_COUNT
	}
	if opts.Prober == nil {
		opts.Prober = ntpsync.NewNTPProber(0)
	}
	if opts.DataSocket == nil {
		opts.DataSocket = socket.NewTCPSocket(opts.Dial)
	}
	return &Client{
		opts:      opts,
		cancelled: make(chan struct{}),
	}
}

// Cancel aborts Run from any goroutine. Blocked waits return right away.
func (c *Client) Cancel() {
	c.cancelOnce.Do(func() {
		log.Warn("[ControlClient] Cancel called!")
		close(c.cancelled)
	})
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != s {
		log.Debugf("[ControlClient] %s -> %s", c.state, s)
	}
	c.state = s
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		State:          c.state,
		TotalRuns:      c.totalRuns,
		SuccessfulRuns: c.successfulRuns,
	}
	if c.session != nil {
		snap.SessionID = c.session.ID
		if c.session.Config != nil {
			snap.ExperimentID = c.session.Config.ExperimentID
		}
	}
	if c.clock != nil {
		snap.ClockOffset = c.clock.GetOffset()
	}
	if c.stats != nil {
		snap.RollingRTT = c.stats.RollingRTT()
	}
	if c.channels != nil {
		snap.VideoBandwidth = c.channels.Video.GetMetrics().LastAverageWriteBandwidth(1)
		snap.Backend = c.channels.Video.GetRemote()
	}
	if c.engine != nil {
		progress := c.engine.Progress()
		snap.Run = &progress
	}
	return snap
}

// Run connects to the control server and follows its commands until
// SHUTDOWN, a fatal error or cancellation. It must be called once.
func (c *Client) Run(ctx context.Context) Summary {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.cancelled:
			cancel()
		case <-ctx.Done():
		}
	}()
	defer c.setState(StateShutDown)

	c.setState(StateConnecting)
	conn, err := socket.ConnectControl(ctx, c.opts.ControlAddr, c.opts.Dial)
	if err != nil {
		return c.summary(false, "Interrupted before connecting to Control Server", err)
	}
	defer conn.Close()
	// unblock pending reads on cancellation
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	session := newSession(conn)
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	session.log.Infof("[ControlClient] Session started with %s", c.opts.ControlAddr)

	res, err := c.serve(ctx, session)
	switch {
	case ctx.Err() != nil:
		return c.summary(false, "Interrupted", ctx.Err())
	case err != nil:
		session.log.Errorf("[ControlClient] Session failed: %v", err)
		return c.summary(false, describe(err), err)
	case res == ShutdownRequested:
		return c.summary(true, "Application shut down cleanly.", nil)
	}
	return c.summary(false, "Session ended unexpectedly", nil)
}

func (c *Client) summary(success bool, msg string, err error) Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Summary{
		Success:        success,
		TotalRuns:      c.totalRuns,
		SuccessfulRuns: c.successfulRuns,
		Message:        msg,
		Err:            err,
	}
	log.Infof("[ControlClient] Shutting down: %s (runs: %d, successful: %d)", msg, s.TotalRuns, s.SuccessfulRuns)
	return s
}

// serve runs the phases in order until one of them stops the session
func (c *Client) serve(ctx context.Context, s *Session) (WaitResult, error) {
	if res, err := c.configure(s); err != nil || res == ShutdownRequested {
		return res, err
	}

	for ctx.Err() == nil {
		clock, res, err := c.syncClock(ctx, s)
		if err != nil || res == ShutdownRequested {
			return res, err
		}
		stats, res, err := c.runExperiment(ctx, s, clock)
		if err != nil || res == ShutdownRequested {
			return res, err
		}
		if res, err := c.uploadStats(s, stats); err != nil || res == ShutdownRequested {
			return res, err
		}
	}
	return Continue, ctx.Err()
}

// configure receives the experiment config and makes sure every step is
// available locally
func (c *Client) configure(s *Session) (WaitResult, error) {
	c.setState(StateConfiguring)
	res, err := s.waitFor(StateConfiguring, packets.CmdPushConfig)
	if err != nil || res == ShutdownRequested {
		return res, err
	}

	s.log.Info("[ControlClient] Receiving experiment configuration...")
	payload, err := s.readPayload()
	if err != nil {
		return Continue, err
	}
	cfg, err := config.ParseExperimentConfig(payload)
	if err != nil {
		s.sendStatus(false)
		return Continue, &ProtocolError{State: StateConfiguring, Command: packets.CmdPushConfig, Reason: "could not parse config", Err: err}
	}
	s.Config = cfg
	s.log = s.log.WithField("experiment", cfg.ExperimentID)
	s.sendStatus(true)

	for i := 1; i <= cfg.Steps; i++ {
		res, err := s.waitFor(StateConfiguring, packets.CmdPushStep)
		if err != nil || res == ShutdownRequested {
			return res, err
		}
		s.log.Infof("[ControlClient] Checking step %d...", i)

		raw, err := s.readPayload()
		if err != nil {
			return Continue, err
		}
		meta := StepMetadata{}
		if err := json.Unmarshal(raw, &meta); err != nil {
			s.sendStatus(false)
			return Continue, &ProtocolError{State: StateConfiguring, Command: packets.CmdPushStep, Reason: "could not parse step metadata", Err: err}
		}
		if meta.Index != i {
			s.sendStatus(false)
			return Continue, &ProtocolError{
				State:   StateConfiguring,
				Command: packets.CmdPushStep,
				Reason:  fmt.Sprintf("step pushed in wrong order, expected %d, got %d", i, meta.Index),
			}
		}

		found := c.opts.Store.Check(meta.Index, meta.Checksum)
		s.sendStatus(found)
		if found {
			continue
		}
		if err := c.receiveStep(s, meta); err != nil {
			return Continue, err
		}
	}

	s.log.Info("[ControlClient] Got all steps -- fully configured for experiment!")
	return Continue, nil
}

func (c *Client) receiveStep(s *Session, meta StepMetadata) error {
	filename := stepstore.Filename(meta.Index)
	s.log.Infof("[ControlClient] Receiving step %s from Control. Total size: %d bytes", filename, meta.Size)

	data, err := packets.ReadExactly(s.conn, meta.Size)
	if err != nil {
		if errors.Is(err, packets.ErrPayloadTooLarge) {
			s.sendStatus(false)
			return &ProtocolError{State: StateConfiguring, Command: packets.CmdPushStep, Reason: "step too large", Err: err}
		}
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	if err := c.opts.Store.Save(meta.Index, data, meta.Checksum); err != nil {
		s.sendStatus(false)
		if errors.Is(err, stepstore.ErrChecksumMismatch) {
			return &ProtocolError{
				State:   StateConfiguring,
				Command: packets.CmdPushStep,
				Reason:  fmt.Sprintf("checksum for step %d does not match", meta.Index),
				Err:     err,
			}
		}
		return fmt.Errorf("could not save step %d: %w", meta.Index, err)
	}

	s.log.Infof("[ControlClient] Successfully received step %d.", meta.Index)
	s.sendStatus(true)
	return nil
}

// syncClock re-estimates the clock offset, once per run
func (c *Client) syncClock(ctx context.Context, s *Session) (*ntpsync.ClockSync, WaitResult, error) {
	c.setState(StateNTPSync)
	s.log.Info("[ControlClient] Waiting for NTP sync command...")
	res, err := s.waitFor(StateNTPSync, packets.CmdNTPSync)
	if err != nil || res == ShutdownRequested {
		return nil, res, err
	}

	s.log.Info("[ControlClient] Synchronizing clocks...")
	clock, err := ntpsync.Synchronize(ctx, c.opts.Prober, s.Config.NTPServer, c.opts.NTPPolls)
	if err != nil {
		s.sendStatus(false)
		return nil, Continue, fmt.Errorf("%w: %v", ErrClockSync, err)
	}
	c.mu.Lock()
	c.clock = clock
	c.mu.Unlock()
	s.sendStatus(true)
	return clock, Continue, nil
}

// runExperiment executes one run and notifies the control server when
// it is over. The returned stats are sealed.
func (c *Client) runExperiment(ctx context.Context, s *Session, clock *ntpsync.ClockSync) (*runstats.Stats, WaitResult, error) {
	c.setState(StateRunning)
	s.log.Info("[ControlClient] Waiting for experiment start...")
	res, err := s.waitFor(StateRunning, packets.CmdStartExp)
	if err != nil || res == ShutdownRequested {
		return nil, res, err
	}
	s.log.Info("[ControlClient] Starting experiment...")
	s.sendStatus(true)

	cfg := s.Config
	stats := runstats.New(clock)
	if err := stats.Init(); err != nil {
		return nil, Continue, fmt.Errorf("%w: %v", ErrStats, err)
	}

	host, _, err := net.SplitHostPort(c.opts.ControlAddr)
	if err != nil {
		return nil, Continue, err
	}
	channels, err := c.opts.DataSocket.DialAll(ctx, host, cfg.Ports.Video, cfg.Ports.Result)
	if err != nil {
		if ctx.Err() != nil {
			return nil, Continue, ctx.Err()
		}
		s.sendStatus(false)
		return nil, Continue, fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}

	engine := stream.NewEngine(stream.Config{
		NumSteps:      cfg.Steps,
		FPS:           cfg.FPS,
		RewindSeconds: cfg.RewindSeconds,
		MaxReplays:    cfg.MaxReplays,
	}, &stream.StoreLoader{Store: c.opts.Store, FPS: cfg.FPS}, stats)

	c.mu.Lock()
	c.engine, c.stats, c.channels = engine, stats, channels
	c.mu.Unlock()

	success, runErr := engine.Run(ctx, channels)
	if ctx.Err() != nil {
		return nil, Continue, ctx.Err()
	}
	if runErr != nil {
		s.log.Warnf("[ControlClient] Run failed: %v", runErr)
	}

	if err := stats.Finish(success); err != nil {
		return nil, Continue, fmt.Errorf("%w: %v", ErrStats, err)
	}
	c.mu.Lock()
	c.totalRuns++
	if success {
		c.successfulRuns++
	}
	c.mu.Unlock()

	c.setState(StateAwaitFinishAck)
	if err := packets.WriteInt32(s.conn, packets.MsgExperimentFinish); err != nil {
		return nil, Continue, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	s.log.Infof("[ControlClient] Run finished (success: %t)", success)
	return stats, Continue, nil
}

func (c *Client) uploadStats(s *Session, stats *runstats.Stats) (WaitResult, error) {
	c.setState(StateAwaitPullStats)
	res, err := s.waitFor(StateAwaitPullStats, packets.CmdPullStats)
	if err != nil || res == ShutdownRequested {
		return res, err
	}

	c.setState(StateUploadStats)
	record, err := stats.Record()
	if err != nil {
		s.sendStatus(false)
		return Continue, fmt.Errorf("%w: %v", ErrStats, err)
	}
	payload, err := json.Marshal(StatsUpload{
		ClientID:     s.Config.ClientID,
		ExperimentID: s.Config.ExperimentID,
		Ports:        s.Config.Ports,
		RunResults:   record,
	})
	if err != nil {
		return Continue, fmt.Errorf("%w: %v", ErrStats, err)
	}

	s.log.Infof("[ControlClient] Sending statistics... Payload size: %d bytes", len(payload))
	if err := packets.WritePayload(s.conn, payload); err != nil {
		return Continue, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return Continue, nil
}
