package sound

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"
)

func writeWav(t *testing.T, path string, rate beep.SampleRate) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	format := beep.Format{SampleRate: rate, NumChannels: 2, Precision: 2}
	if err := wav.Encode(f, beep.Silence(rate.N(100*time.Millisecond)), format); err != nil {
		t.Fatalf("encode: %v", err)
	}
}

func TestLoadDirAndPlay(t *testing.T) {
	dir := t.TempDir()
	writeWav(t, filepath.Join(dir, "Start.wav"), SampleRate)
	writeWav(t, filepath.Join(dir, "zero.wav"), 22050)
	if err := os.WriteFile(filepath.Join(dir, "broken.ogg"), []byte("not audio"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	var played []int
	p := New(WithOutput(func(s beep.Streamer) {
		n := 0
		buf := make([][2]float64, 512)
		for {
			k, ok := s.Stream(buf)
			n += k
			if !ok {
				break
			}
		}
		played = append(played, n)
	}))

	n, err := p.LoadDir(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if n != 2 {
		t.Fatalf("loaded %d cues, want 2", n)
	}

	p.Play("start")
	p.Play("ZERO")
	p.Play("missing")
	if len(played) != 2 {
		t.Fatalf("played %d cues, want 2", len(played))
	}
	if played[0] == 0 || played[1] == 0 {
		t.Fatalf("cues streamed no samples: %v", played)
	}
	if p.Status() != "ok" {
		t.Fatalf("status = %q", p.Status())
	}
}

func TestPlaySwallowsOutputPanics(t *testing.T) {
	dir := t.TempDir()
	writeWav(t, filepath.Join(dir, "add.wav"), SampleRate)
	p := New(WithOutput(func(beep.Streamer) { panic("device gone") }))
	if err := p.LoadFile("add", filepath.Join(dir, "add.wav")); err != nil {
		t.Fatalf("load: %v", err)
	}
	p.Play("add")
}

func TestLoadDirMissing(t *testing.T) {
	p := New(WithOutput(func(beep.Streamer) {}))
	if _, err := p.LoadDir(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatalf("expected error for missing dir")
	}
}
