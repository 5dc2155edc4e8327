// Package tts turns reply text into a stream of encoded audio.
package tts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Synthesizer produces encoded audio for a piece of text. The returned stream
// is read while the provider is still producing it; callers must close it.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (io.ReadCloser, error)
	// Format is the file extension of the produced audio, e.g. "mp3".
	Format() string
}

// httpDoer is satisfied by *http.Client.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// checkResponse turns a non-2xx response into an error, closing its body.
func checkResponse(provider string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("tts: %s: status %d: %s", provider, resp.StatusCode, strings.TrimSpace(string(b)))
}
