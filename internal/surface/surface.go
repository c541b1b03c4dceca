// Package surface implements the Interception Surface (spec.md §4.8): the
// single narrow API adapters call around every external I/O edge, in both
// record and replay mode. It is the only coupling point between the core
// and adapters — it depends on types.Recorder/types.Player interfaces,
// never on the concrete internal/recorder or internal/player packages, so
// it cannot leak their internals.
package surface

import (
	"context"

	"github.com/agentreplay/core/pkg/types"
)

// Mode selects which half of the core a Surface delegates to.
type Mode int

const (
	// ModeRecord executes the live call, then invokes Recorder.
	ModeRecord Mode = iota
	// ModeReplay invokes Player.Lookup first; the live call runs only on
	// a miss under hybrid policy.
	ModeReplay
)

// LiveCall is the adapter's actual external I/O, invoked in ModeRecord
// always, and in ModeReplay only when the active replay mode's policy
// calls for a live fallback.
type LiveCall func(ctx context.Context) (outputs any, err error)

// Surface is the narrow capability an adapter is handed; it exposes no
// Recorder or Player method beyond what record_event/lookup need.
type Surface struct {
	mode     Mode
	recorder types.Recorder
	player   types.Player
	policy   types.ReplayMode
}

// New builds a Surface. Exactly one of recorder/player should be non-nil,
// matching mode; the other may be nil.
func New(mode Mode, recorder types.Recorder, player types.Player, policy types.ReplayMode) *Surface {
	return &Surface{mode: mode, recorder: recorder, player: player, policy: policy}
}

// Call wraps one external I/O edge (spec.md §4.8 hook shape: adapter,
// agent_id, tool_name, inputs, context -> outputs).
func (s *Surface) Call(ctx context.Context, eventType types.EventType, adapter, agentID, toolName string, inputs any, duration_ int64, live LiveCall) (any, error) {
	switch s.mode {
	case ModeRecord:
		outputs, err := live(ctx)
		if err != nil {
			return nil, err
		}
		if _, recErr := s.recorder.RecordEvent(ctx, types.RecordEventInput{
			EventType: eventType,
			Adapter:   adapter,
			AgentID:   agentID,
			ToolName:  toolName,
			Inputs:    inputs,
			Outputs:   outputs,
			Duration:  duration_,
		}); recErr != nil {
			return outputs, recErr
		}
		return outputs, nil

	case ModeReplay:
		result, err := s.player.Lookup(ctx, types.LookupInput{
			EventType: eventType,
			Adapter:   adapter,
			AgentID:   agentID,
			ToolName:  toolName,
			Inputs:    inputs,
		})
		if err != nil {
			// strict mode: Player already returned an error for any mismatch.
			return nil, err
		}
		if result.Matched {
			return result.Outputs, nil
		}
		// warn/hybrid: not matched. hybrid falls back to the live call;
		// warn surfaces the (possibly nil) recorded sentinel as-is.
		if s.policy == types.ReplayHybrid {
			return live(ctx)
		}
		return result.Outputs, nil

	default:
		return nil, nil
	}
}

// StartStream wraps Recorder.StartStream/Player-driven stream replay
// start. In ModeReplay it resolves the stream_ref via a Lookup against
// the originating llm_stream_start event rather than opening a new
// stream, since replay never mutates recorded state.
func (s *Surface) StartStream(ctx context.Context, adapter, agentID, toolName string, inputs any) (string, error) {
	if s.mode == ModeRecord {
		return s.recorder.StartStream(ctx, types.StartStreamInput{
			Adapter: adapter, AgentID: agentID, ToolName: toolName, Inputs: inputs,
		})
	}
	result, err := s.player.Lookup(ctx, types.LookupInput{
		EventType: types.EventLLMStreamStart,
		Adapter:   adapter, AgentID: agentID, ToolName: toolName, Inputs: inputs,
	})
	if err != nil {
		return "", err
	}
	return result.StreamRef, nil
}

// AppendChunk is only meaningful in ModeRecord; replay consumes chunks
// through the player's replay_stream iterator instead (spec.md §4.7).
func (s *Surface) AppendChunk(ctx context.Context, streamID, content string, metadata map[string]any, isFinal bool) (int64, error) {
	return s.recorder.AppendChunk(ctx, streamID, content, metadata, isFinal)
}

// FinalizeStream is only meaningful in ModeRecord.
func (s *Surface) FinalizeStream(ctx context.Context, streamID string, totalTokens int64) (int64, error) {
	return s.recorder.FinalizeStream(ctx, streamID, totalTokens)
}

// Mode reports which half of the core this Surface is bound to, so
// adapters can decide whether to skip live-call side effects entirely
// (e.g. not spinning up a sandbox container in ModeReplay).
func (s *Surface) Mode() Mode {
	return s.mode
}
