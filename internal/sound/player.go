// Package sound plays short audio cues for timer events. Playback problems are
// logged and swallowed; a host without an audio device simply stays silent.
package sound

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/speaker"
	"github.com/gopxl/beep/vorbis"
	"github.com/gopxl/beep/wav"
	"github.com/rs/zerolog/log"
)

// SampleRate is the mixer rate every cue is resampled to.
const SampleRate beep.SampleRate = 44100

// Player holds decoded cues keyed by name.
type Player struct {
	mu      sync.Mutex
	buffers map[string]*beep.Buffer
	out     func(beep.Streamer)
	status  string
}

// Option configures a Player.
type Option func(*Player)

// WithOutput sends cues to fn instead of the system speaker.
func WithOutput(fn func(beep.Streamer)) Option {
	return func(p *Player) { p.out = fn }
}

// New prepares a player. Unless an output is supplied it initialises the
// speaker; when that fails audio is disabled and Status reports why.
func New(opts ...Option) *Player {
	p := &Player{buffers: make(map[string]*beep.Buffer), status: "ok"}
	for _, opt := range opts {
		opt(p)
	}
	if p.out == nil {
		if err := speaker.Init(SampleRate, SampleRate.N(time.Second/10)); err != nil {
			log.Warn().Err(err).Msg("sound: audio disabled, speaker init failed")
			p.status = "disabled: " + err.Error()
		} else {
			p.out = func(s beep.Streamer) { speaker.Play(s) }
		}
	}
	return p
}

// Status is "ok" when cues can be played, otherwise a short reason.
func (p *Player) Status() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// LoadDir decodes every .wav and .ogg file in dir; the cue name is the file
// name without extension. Files that fail to decode are skipped.
func (p *Player) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("sound: read dir %s: %w", dir, err)
	}
	loaded := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".wav" && ext != ".ogg" {
			continue
		}
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		if err := p.LoadFile(name, filepath.Join(dir, e.Name())); err != nil {
			log.Warn().Err(err).Str("file", e.Name()).Msg("sound: skipping cue")
			continue
		}
		loaded++
	}
	log.Info().Int("cues", loaded).Str("dir", dir).Msg("sound: cues loaded")
	return loaded, nil
}

// LoadFile decodes one cue file.
func (p *Player) LoadFile(name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("sound: open %s: %w", path, err)
	}
	defer f.Close()

	var (
		streamer beep.StreamSeekCloser
		format   beep.Format
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ogg":
		streamer, format, err = vorbis.Decode(io.NopCloser(f))
	default:
		streamer, format, err = wav.Decode(f)
	}
	if err != nil {
		return fmt.Errorf("sound: decode %s: %w", path, err)
	}
	defer streamer.Close()

	buf := beep.NewBuffer(beep.Format{
		SampleRate:  SampleRate,
		NumChannels: format.NumChannels,
		Precision:   format.Precision,
	})
	if format.SampleRate == SampleRate {
		buf.Append(streamer)
	} else {
		buf.Append(beep.Resample(4, format.SampleRate, SampleRate, streamer))
	}

	p.mu.Lock()
	p.buffers[strings.ToLower(name)] = buf
	p.mu.Unlock()
	return nil
}

// Cues lists the loaded cue names.
func (p *Player) Cues() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.buffers))
	for name := range p.buffers {
		out = append(out, name)
	}
	return out
}

// Play starts a cue without waiting for it to finish. Unknown cues and a
// disabled output are ignored.
func (p *Player) Play(cue string) {
	p.mu.Lock()
	buf, ok := p.buffers[strings.ToLower(cue)]
	out := p.out
	p.mu.Unlock()
	if !ok || out == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Str("cue", cue).Msg("sound: playback failed")
		}
	}()
	out(buf.Streamer(0, buf.Len()))
}
