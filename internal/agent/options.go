package agent

import (
	"time"

	"github.com/strandlabs/sovereign/pkg/models"
)

// ImageInput attaches one image to the user turn.
type ImageInput struct {
	// URL is a remote reference; Base64 with MediaType is inline data.
	// Exactly one of URL or Base64 should be set.
	URL       string
	Base64    string
	MediaType string
}

// AudioInput attaches audio to the user turn. Transcription happens
// upstream of the message builder; Transcript carries the result.
type AudioInput struct {
	Transcript string
}

// RunOptions configures one run. Zero values mean the documented defaults.
type RunOptions struct {
	// Input is the user's message text. Required.
	Input string

	Images []ImageInput
	Audio  *AudioInput

	// Context is spliced into the system message as key-value pairs.
	Context map[string]string

	// ThreadID scopes memory; minted when empty.
	ThreadID string

	// Timeout overrides the agent's run deadline when positive.
	Timeout time.Duration

	// Stream selects the streaming chat path when OnToken is also set.
	Stream  bool
	OnToken func(token string)

	OnToolCall   func(call models.ToolCall)
	OnToolResult func(result models.ToolResult)

	// Memory flags. UseMemory, LoadHistory, and SaveHistory default to
	// true; the setters below flip them off.
	useMemoryOff   bool
	loadHistoryOff bool
	saveHistoryOff bool

	OnRunStart    func(runID string)
	OnRunComplete func(result *models.RunResult)
	OnRunError    func(err error, runID string)
	OnSpan        SpanObserver
	OnMemoryError func(err error)

	// ParallelToolCalls dispatches one iteration's tool calls concurrently.
	ParallelToolCalls bool
}

// UseMemory reports whether memory participates in this run.
func (o *RunOptions) UseMemory() bool { return !o.useMemoryOff }

// LoadHistory reports whether prior thread entries seed the transcript.
func (o *RunOptions) LoadHistory() bool { return !o.loadHistoryOff }

// SaveHistory reports whether turns are persisted.
func (o *RunOptions) SaveHistory() bool { return !o.saveHistoryOff }

// WithoutMemory disables memory for this run.
func (o *RunOptions) WithoutMemory() *RunOptions {
	o.useMemoryOff = true
	return o
}

// WithoutHistory skips loading prior thread entries.
func (o *RunOptions) WithoutHistory() *RunOptions {
	o.loadHistoryOff = true
	return o
}

// WithoutSaving skips persisting this run's turns.
func (o *RunOptions) WithoutSaving() *RunOptions {
	o.saveHistoryOff = true
	return o
}
