package pipeline

// Phase is where a room currently is in its turn-taking loop.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseExtracting   Phase = "extracting"
	PhaseTranscribing Phase = "transcribing"
	PhaseGenerating   Phase = "generating"
	PhaseSynthesizing Phase = "synthesizing"
	PhaseInjecting    Phase = "injecting"
)

// Busy reports whether a turn currently owns the room.
func (p Phase) Busy() bool {
	switch p {
	case PhaseGenerating, PhaseSynthesizing, PhaseInjecting:
		return true
	}
	return false
}

// TransitionFunc observes phase changes. It is called outside any lock.
type TransitionFunc func(room string, from, to Phase)

// Outcome summarizes how a turn ended.
type Outcome string

const (
	// OutcomeSpoken means the reply was recorded and injected as audio.
	OutcomeSpoken Outcome = "spoken"
	// OutcomeTextOnly means the reply was recorded but no audio reached the
	// room.
	OutcomeTextOnly Outcome = "text_only"
	// OutcomeNoReply means generation failed and no fallback was configured.
	OutcomeNoReply Outcome = "no_reply"
	// OutcomeDiscarded means the room closed mid-turn and the reply was
	// dropped.
	OutcomeDiscarded Outcome = "discarded"
	// OutcomeIgnored means the input was empty.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeFailed means the turn panicked.
	OutcomeFailed Outcome = "failed"
)

// Reasons a room is closed, reported to notifiers and sinks.
const (
	ReasonEnded        = "ended"
	ReasonRoomFinished = "room_finished"
	ReasonExpired      = "expired"
	ReasonShutdown     = "shutdown"
)
