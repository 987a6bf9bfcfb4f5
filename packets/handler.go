package packets

import (
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

const (
	ResultStatusSuccess = "success"
)

// Outcome of a single frame, as reported by the backend
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeSuccess
	OutcomeMistake
	OutcomeNoResult
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeMistake:
		return "mistake"
	case OutcomeNoResult:
		return "no_result"
	}
	return "pending"
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// ResultMessage is the JSON document sent by the backend on the
// result channel
type ResultMessage struct {
	Status  string `json:"status"`
	Result  string `json:"result"`
	FrameID int    `json:"frame_id"`
}

// StepResult is the opaque result blob
type StepResult struct {
	StateIndex int `json:"state_index"`
}

// Result is a decoded feedback message
type Result struct {
	FrameID   int
	Outcome   Outcome
	StepIndex int // only meaningful for OutcomeSuccess
}

// ResultHandler works the other way round than FrameGen:
// we put a full result message in and get back the feedback
type ResultHandler struct {
	invalid atomic.Int64
}

func NewResultHandler() *ResultHandler {
	return &ResultHandler{}
}

// Invalid returns the number of malformed messages seen so far
func (h *ResultHandler) Invalid() int64 {
	return h.invalid.Load()
}

// Handle decodes the body of a result message. Only a message without a
// usable frame id is an error: a broken result blob still answers its
// frame and is reported as OutcomeNoResult.
func (h *ResultHandler) Handle(msg []byte) (Result, error) {
	rm := struct {
		Status  string `json:"status"`
		Result  string `json:"result"`
		FrameID *int   `json:"frame_id"`
	}{}
	if err := json.Unmarshal(msg, &rm); err != nil {
		h.invalid.Add(1)
		return Result{}, fmt.Errorf("invalid result message: %w", err)
	}
	if rm.FrameID == nil {
		h.invalid.Add(1)
		return Result{}, fmt.Errorf("result message without frame id")
	}

	res := Result{FrameID: *rm.FrameID, Outcome: OutcomeNoResult}
	if rm.Status == ResultStatusSuccess {
		sr := StepResult{}
		if err := json.Unmarshal([]byte(rm.Result), &sr); err != nil {
			h.invalid.Add(1)
			log.Warnf("[ResultHandler] Invalid result blob for frame %d: %v", res.FrameID, err)
			return res, nil
		}
		if sr.StateIndex >= 0 {
			res.Outcome = OutcomeSuccess
			res.StepIndex = sr.StateIndex
		} else {
			res.Outcome = OutcomeMistake
			res.StepIndex = -1
		}
	}

	return res, nil
}

// ReadResult reads one length-prefixed message from r and decodes it
func (h *ResultHandler) ReadResult(r io.Reader) (Result, error) {
	msg, err := ReadPayload(r)
	if err != nil {
		return Result{}, err
	}
	return h.Handle(msg)
}

// EncodeResult builds a result message as the backend would send it
func EncodeResult(frameID int, status string, stateIndex int) ([]byte, error) {
	blob, err := json.Marshal(StepResult{StateIndex: stateIndex})
	if err != nil {
		return nil, err
	}
	msg, err := json.Marshal(ResultMessage{Status: status, Result: string(blob), FrameID: frameID})
	if err != nil {
		return nil, err
	}
	return AppendPayload(nil, msg), nil
}
