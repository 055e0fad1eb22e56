package provider

import (
	"encoding/json"

	"github.com/aivalabs/aiva-bridge/internal/ledger"
)

// EventKind discriminates session events.
type EventKind int

const (
	// EventAudio carries synthesized PCM16 at the session's output rate.
	EventAudio EventKind = iota

	// EventTranscript carries recognized caller speech or generated agent
	// text.
	EventTranscript

	// EventFunctionCall asks the Connection to run a tool and submit the
	// result back.
	EventFunctionCall

	// EventCostMetric carries a usage delta for the session ledger.
	EventCostMetric

	// EventDone signals a clean provider-initiated end of session.
	EventDone

	// EventError signals a terminal failure; the session is unusable.
	EventError
)

// String implements fmt.Stringer for log output.
func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventTranscript:
		return "transcript"
	case EventFunctionCall:
		return "function_call"
	case EventCostMetric:
		return "cost_metric"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Speaker identifies which side of the call produced a transcript.
type Speaker string

const (
	SpeakerCaller Speaker = "caller"
	SpeakerAgent  Speaker = "agent"
)

// Transcript is one recognized or generated utterance. Non-final entries are
// interim recognition results and may be revised.
type Transcript struct {
	Speaker Speaker
	Text    string
	Final   bool
}

// FunctionCall is a model-initiated tool invocation. The Connection resolves
// it via SubmitToolResult with the same CallID.
type FunctionCall struct {
	CallID    string
	Name      string
	Arguments json.RawMessage
}

// Event is one session notification. Exactly one payload field is set,
// matching Kind.
type Event struct {
	Kind         EventKind
	Audio        []byte
	Transcript   *Transcript
	FunctionCall *FunctionCall
	Cost         *ledger.CostDelta
	Err          error
}
