package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultArtifactGrace keeps injected audio on disk long enough for the
// ingress to finish buffering it.
const DefaultArtifactGrace = 120 * time.Second

// ArtifactPrefix starts the name of every synthesized audio file.
const ArtifactPrefix = "ai_response_"

var errEmptyAudio = errors.New("pipeline: synthesizer returned no audio")

// Artifacts manages per-turn audio files and their delayed cleanup.
type Artifacts struct {
	dir           string
	grace         time.Duration
	removeIngress func(ctx context.Context, ingressID string) error
	logger        *zap.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	ingress map[string]string // path -> ingress id
}

// ArtifactOpts holds parameters for creating Artifacts.
type ArtifactOpts struct {
	Dir           string        // defaults to os.TempDir()
	Grace         time.Duration // defaults to DefaultArtifactGrace
	RemoveIngress func(ctx context.Context, ingressID string) error
	Logger        *zap.Logger
}

// NewArtifacts creates the artifact directory if needed.
func NewArtifacts(opts ArtifactOpts) (*Artifacts, error) {
	dir := opts.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("pipeline: artifact dir: %w", err)
	}
	grace := opts.Grace
	if grace <= 0 {
		grace = DefaultArtifactGrace
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Artifacts{
		dir:           dir,
		grace:         grace,
		removeIngress: opts.RemoveIngress,
		logger:        logger,
		timers:        make(map[string]*time.Timer),
		ingress:       make(map[string]string),
	}, nil
}

// Dir is where artifacts are written.
func (a *Artifacts) Dir() string { return a.dir }

// Write copies r into a new uniquely named file for room and returns its
// path. An empty stream is an error and leaves no file behind.
func (a *Artifacts) Write(room string, r io.Reader, ext string) (string, error) {
	if ext == "" {
		ext = "mp3"
	}
	name := fmt.Sprintf("%s%s_%s.%s", ArtifactPrefix, safeName(room), uuid.NewString(), ext)
	path := filepath.Join(a.dir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("pipeline: create artifact: %w", err)
	}
	n, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	switch {
	case copyErr != nil:
		err = fmt.Errorf("pipeline: write artifact: %w", copyErr)
	case closeErr != nil:
		err = fmt.Errorf("pipeline: close artifact: %w", closeErr)
	case n == 0:
		err = errEmptyAudio
	}
	if err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// Schedule deletes path, and the ingress playing it, after the grace period.
func (a *Artifacts) Schedule(path, ingressID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.timers[path]; ok {
		t.Stop()
	}
	a.ingress[path] = ingressID
	a.timers[path] = time.AfterFunc(a.grace, func() { a.release(path) })
}

// Remove deletes path now.
func (a *Artifacts) Remove(path string) {
	a.mu.Lock()
	if t, ok := a.timers[path]; ok {
		t.Stop()
	}
	a.mu.Unlock()
	a.release(path)
}

// Pending reports how many artifacts await cleanup.
func (a *Artifacts) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.timers)
}

// Flush releases every scheduled artifact immediately.
func (a *Artifacts) Flush() {
	a.mu.Lock()
	paths := make([]string, 0, len(a.timers))
	for p, t := range a.timers {
		t.Stop()
		paths = append(paths, p)
	}
	a.mu.Unlock()
	for _, p := range paths {
		a.release(p)
	}
}

// Lookup resolves an artifact file name to its path. Only names this
// manager could have produced, and that still exist, resolve.
func (a *Artifacts) Lookup(name string) (string, bool) {
	if !strings.HasPrefix(name, ArtifactPrefix) || name != filepath.Base(name) || strings.Contains(name, "..") {
		return "", false
	}
	path := filepath.Join(a.dir, name)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	return path, true
}

func (a *Artifacts) release(path string) {
	a.mu.Lock()
	ingressID := a.ingress[path]
	delete(a.ingress, path)
	delete(a.timers, path)
	a.mu.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		a.logger.Warn("remove artifact failed", zap.String("path", path), zap.Error(err))
	} else {
		a.logger.Debug("artifact removed", zap.String("path", path))
	}
	if ingressID == "" || a.removeIngress == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.removeIngress(ctx, ingressID); err != nil {
		a.logger.Warn("remove ingress failed", zap.String("ingress_id", ingressID), zap.Error(err))
	}
}

// safeName keeps room ids usable inside file names.
func safeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "room"
	}
	return b.String()
}
