package encoding_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/clinivox/clinivox/pkg/audio"
	"github.com/clinivox/clinivox/pkg/audio/encoding"
)

func captureCfg() audio.CaptureConfig {
	return audio.CaptureConfig{SampleRate: 16000, Channels: 1}
}

func TestNegotiate_PrefersOpus(t *testing.T) {
	t.Parallel()

	p, err := encoding.Negotiate(encoding.DefaultCandidates)
	if err != nil {
		t.Fatalf("Negotiate error: %v", err)
	}
	if p.MIMEType != "audio/ogg;codecs=opus" {
		t.Errorf("negotiated %q, want opus profile", p.MIMEType)
	}
	if p.Extension != "ogg" {
		t.Errorf("extension %q, want ogg", p.Extension)
	}
}

func TestNegotiate_FallsThroughUnregistered(t *testing.T) {
	t.Parallel()

	p, err := encoding.Negotiate([]string{"audio/webm;codecs=opus", "audio/wav"})
	if err != nil {
		t.Fatalf("Negotiate error: %v", err)
	}
	if p.MIMEType != "audio/wav" {
		t.Errorf("negotiated %q, want audio/wav", p.MIMEType)
	}
}

func TestNegotiate_NoMatch(t *testing.T) {
	t.Parallel()

	_, err := encoding.Negotiate([]string{"audio/webm;codecs=opus", "audio/flac"})
	if !errors.Is(err, audio.ErrUnsupportedEncoding) {
		t.Errorf("error = %v, want ErrUnsupportedEncoding", err)
	}
}

func TestWAVEncoder_HeaderAndData(t *testing.T) {
	t.Parallel()

	p, _ := encoding.Negotiate([]string{"audio/wav"})
	enc, err := p.New(encoding.Config{Capture: captureCfg()})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	pcm := make([]byte, 3200) // 100 ms of 16 kHz mono
	if err := enc.Write(audio.Frame{Data: pcm, SampleRate: 16000, Channels: 1}); err != nil {
		t.Fatalf("Write error: %v", err)
	}

	clip, err := enc.Finalize()
	if err != nil {
		t.Fatalf("Finalize error: %v", err)
	}
	if clip.MIMEType != "audio/wav" {
		t.Errorf("MIMEType = %q, want audio/wav", clip.MIMEType)
	}
	if got, want := clip.Size(), 44+len(pcm); got != want {
		t.Errorf("clip size = %d, want %d", got, want)
	}
	if !bytes.HasPrefix(clip.Data, []byte("RIFF")) {
		t.Error("clip does not start with RIFF magic")
	}
	if !bytes.Equal(clip.Data[8:12], []byte("WAVE")) {
		t.Error("clip missing WAVE form type")
	}
}

func TestWAVEncoder_WriteAfterFinalize(t *testing.T) {
	t.Parallel()

	p, _ := encoding.Negotiate([]string{"audio/wav"})
	enc, _ := p.New(encoding.Config{Capture: captureCfg()})
	if _, err := enc.Finalize(); err != nil {
		t.Fatalf("Finalize error: %v", err)
	}
	if err := enc.Write(audio.Frame{Data: make([]byte, 320)}); err == nil {
		t.Error("Write after Finalize should error")
	}
}

func TestWAVEncoder_FinalizeTwiceReturnsSameClip(t *testing.T) {
	t.Parallel()

	p, _ := encoding.Negotiate([]string{"audio/wav"})
	enc, _ := p.New(encoding.Config{Capture: captureCfg()})
	enc.Write(audio.Frame{Data: make([]byte, 640)})

	first, err := enc.Finalize()
	if err != nil {
		t.Fatalf("first Finalize error: %v", err)
	}
	second, err := enc.Finalize()
	if err != nil {
		t.Fatalf("second Finalize error: %v", err)
	}
	if !bytes.Equal(first.Data, second.Data) {
		t.Error("repeated Finalize returned different clips")
	}
}

func TestPCMEncoder_FragmentsAtInterval(t *testing.T) {
	t.Parallel()

	var fragments [][]byte
	p, _ := encoding.Negotiate([]string{"audio/pcm"})
	enc, _ := p.New(encoding.Config{
		Capture:          captureCfg(),
		FragmentInterval: 100 * time.Millisecond,
		OnFragment:       func(f []byte) { fragments = append(fragments, f) },
	})

	// 300 ms of audio in 20 ms frames → three 100 ms fragments.
	for i := 0; i < 15; i++ {
		if err := enc.Write(audio.Frame{Data: make([]byte, 640)}); err != nil {
			t.Fatalf("Write error: %v", err)
		}
	}
	if len(fragments) != 3 {
		t.Errorf("fragments = %d, want 3", len(fragments))
	}

	clip, err := enc.Finalize()
	if err != nil {
		t.Fatalf("Finalize error: %v", err)
	}
	if got, want := clip.Size(), 15*640; got != want {
		t.Errorf("clip size = %d, want %d", got, want)
	}
}

func TestOpusEncoder_ProducesOggStream(t *testing.T) {
	t.Parallel()

	var fragments int
	p, _ := encoding.Negotiate([]string{"audio/ogg;codecs=opus"})
	enc, err := p.New(encoding.Config{
		Capture:          captureCfg(),
		FragmentInterval: 100 * time.Millisecond,
		OnFragment:       func([]byte) { fragments++ },
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	// 500 ms of audio.
	for i := 0; i < 25; i++ {
		if err := enc.Write(audio.Frame{Data: make([]byte, 640), SampleRate: 16000, Channels: 1}); err != nil {
			t.Fatalf("Write error: %v", err)
		}
	}

	clip, err := enc.Finalize()
	if err != nil {
		t.Fatalf("Finalize error: %v", err)
	}
	if clip.MIMEType != "audio/ogg;codecs=opus" {
		t.Errorf("MIMEType = %q", clip.MIMEType)
	}
	if !bytes.HasPrefix(clip.Data, []byte("OggS")) {
		t.Error("clip does not start with an Ogg page")
	}
	if !bytes.Contains(clip.Data, []byte("OpusHead")) {
		t.Error("clip missing OpusHead packet")
	}
	if !bytes.Contains(clip.Data, []byte("OpusTags")) {
		t.Error("clip missing OpusTags packet")
	}
	// Header fragment plus at least the audio pages.
	if fragments < 2 {
		t.Errorf("fragments = %d, want at least 2", fragments)
	}
}

func TestOpusEncoder_RejectsStereo(t *testing.T) {
	t.Parallel()

	p, _ := encoding.Negotiate([]string{"audio/ogg;codecs=opus"})
	_, err := p.New(encoding.Config{Capture: audio.CaptureConfig{SampleRate: 16000, Channels: 2}})
	if err == nil {
		t.Error("stereo opus config should be rejected")
	}
}
