package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Decode tuning. chunkSize matches ffmpeg's output block size so each write
// to the transcriber carries about half a second of audio.
const (
	chunkSize    = 16384
	stderrTail   = 4096
	decodeWaitOn = 10 * time.Second
)

// DecodeProcess is a running decode of one live stream.
type DecodeProcess interface {
	// Done closes when the decoder exits.
	Done() <-chan struct{}
	// Err reports why the decoder exited; nil for a requested stop.
	Err() error
	// Close terminates the decoder.
	Close() error
}

// Decoder turns a live media URL into 16 kHz mono s16le PCM written to out.
type Decoder interface {
	Start(ctx context.Context, sourceURL string, out io.Writer) (DecodeProcess, error)
}

// FFmpeg implements Decoder with an ffmpeg subprocess.
type FFmpeg struct {
	Binary string // path to ffmpeg; defaults to "ffmpeg"
}

// Args returns the ffmpeg arguments used to decode sourceURL.
func (f *FFmpeg) Args(sourceURL string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-i", sourceURL,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		"-ac", "1",
		"-f", "s16le",
		"-bufsize", "81920",
		"-blocksize", fmt.Sprint(chunkSize),
		"-flush_packets", "1",
		"pipe:1",
	}
}

// Start launches ffmpeg and copies its stdout to out until either side ends.
func (f *FFmpeg) Start(ctx context.Context, sourceURL string, out io.Writer) (DecodeProcess, error) {
	binary := f.Binary
	if binary == "" {
		binary = "ffmpeg"
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, binary, f.Args(sourceURL)...)

	// Own process group so SIGTERM reaches any helpers ffmpeg forks.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = decodeWaitOn

	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("media: ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("media: start ffmpeg: %w", err)
	}

	p := &ffmpegProcess{cancel: cancel, done: make(chan struct{})}
	go func() {
		_, copyErr := io.CopyBuffer(out, stdout, make([]byte, chunkSize))
		if copyErr != nil {
			// The consumer is gone; stop producing.
			cancel()
		}
		waitErr := cmd.Wait()
		p.finish(copyErr, waitErr, stderr.String())
	}()
	return p, nil
}

type ffmpegProcess struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
}

func (p *ffmpegProcess) finish(copyErr, waitErr error, stderr string) {
	p.mu.Lock()
	if !p.closed {
		switch {
		case copyErr != nil:
			p.err = fmt.Errorf("media: ffmpeg output: %w", copyErr)
		case waitErr != nil:
			p.err = fmt.Errorf("media: ffmpeg exited: %w: %s", waitErr, stderr)
		default:
			p.err = errors.New("media: ffmpeg stream ended")
		}
	}
	p.mu.Unlock()
	close(p.done)
}

// Done implements DecodeProcess.
func (p *ffmpegProcess) Done() <-chan struct{} { return p.done }

// Err implements DecodeProcess.
func (p *ffmpegProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close terminates ffmpeg via context cancellation (SIGTERM).
func (p *ffmpegProcess) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(t.buf.String())
}
