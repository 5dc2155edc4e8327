// Package stt streams linear PCM to a transcription provider and reports
// finalized utterances.
package stt

import (
	"context"
	"io"
)

// Utterance is a finalized piece of speech: the provider marked it both final
// and end of speech.
type Utterance struct {
	Text       string
	Confidence float64
}

// Stream accepts 16 kHz mono s16le PCM. Close flushes pending audio and
// shuts the stream down; Done closes once the provider side has ended for
// any reason, after which Err reports why (nil for a clean close).
type Stream interface {
	io.WriteCloser
	Done() <-chan struct{}
	Err() error
}

// Transcriber opens streams against a provider.
type Transcriber interface {
	Open(ctx context.Context, onUtterance func(Utterance)) (Stream, error)
}
