package capture_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/clinivox/clinivox/internal/capture"
	"github.com/clinivox/clinivox/pkg/audio"
	"github.com/clinivox/clinivox/pkg/audio/mock"
)

func pcmFrame(n int) audio.Frame {
	return audio.Frame{Data: make([]byte, n), SampleRate: 16000, Channels: 1}
}

func newTestRecorder(stream *mock.CaptureStream, opts ...capture.Option) *capture.Recorder {
	device := &mock.Device{OpenResult: stream}
	base := []capture.Option{
		capture.WithCandidates([]string{"audio/pcm"}),
	}
	return capture.NewRecorder(device, append(base, opts...)...)
}

func TestRecorder_StartStop(t *testing.T) {
	t.Parallel()

	stream := mock.NewCaptureStream(16)
	analyzer := &mock.Analyzer{}
	rec := newTestRecorder(stream, capture.WithAnalyzerFactory(func() audio.Analyzer {
		return analyzer
	}))

	s, err := rec.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.MIMEType() != "audio/pcm" {
		t.Errorf("MIMEType = %q", s.MIMEType())
	}

	stream.Emit(pcmFrame(640))
	stream.Emit(pcmFrame(640))

	clip, err := s.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if clip.Size() != 1280 {
		t.Errorf("clip size = %d, want 1280", clip.Size())
	}
	if clip.MIMEType != "audio/pcm" {
		t.Errorf("clip MIME = %q", clip.MIMEType)
	}
	if analyzer.CallCountPush != 2 {
		t.Errorf("analyzer pushes = %d, want 2", analyzer.CallCountPush)
	}
	if analyzer.CallCountReset != 1 {
		t.Errorf("analyzer resets = %d, want 1", analyzer.CallCountReset)
	}
	if stream.CallCountClose == 0 {
		t.Error("stream was never closed")
	}
	if rec.Active() {
		t.Error("recorder still active after Stop")
	}
}

func TestRecorder_SingleActiveSession(t *testing.T) {
	t.Parallel()

	stream := mock.NewCaptureStream(1)
	rec := newTestRecorder(stream)

	s, err := rec.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := rec.Start(context.Background()); !errors.Is(err, capture.ErrSessionActive) {
		t.Fatalf("second Start err = %v, want ErrSessionActive", err)
	}

	if _, err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// The slot frees once the session stops.
	s2, err := rec.Start(context.Background())
	if err != nil {
		t.Fatalf("Start after Stop: %v", err)
	}
	s2.Stop()
}

func TestSession_StopIdempotent(t *testing.T) {
	t.Parallel()

	stream := mock.NewCaptureStream(4)
	rec := newTestRecorder(stream)

	s, err := rec.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	stream.Emit(pcmFrame(320))

	first, err1 := s.Stop()
	second, err2 := s.Stop()
	if err1 != nil || err2 != nil {
		t.Fatalf("Stop errors: %v, %v", err1, err2)
	}
	if first.Size() != second.Size() || first.MIMEType != second.MIMEType {
		t.Errorf("repeated Stop returned a different clip: %v vs %v", first.Size(), second.Size())
	}
	if stream.CallCountClose != 1 {
		t.Errorf("stream closed %d times, want 1", stream.CallCountClose)
	}
}

func TestSession_StopConcurrent(t *testing.T) {
	t.Parallel()

	stream := mock.NewCaptureStream(4)
	rec := newTestRecorder(stream)

	s, err := rec.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Stop()
		}()
	}
	wg.Wait()

	if stream.CallCountClose != 1 {
		t.Errorf("stream closed %d times, want 1", stream.CallCountClose)
	}
}

func TestRecorder_DeviceErrorsPassThrough(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
	}{
		{"permission denied", audio.ErrPermissionDenied},
		{"device not found", audio.ErrDeviceNotFound},
		{"device busy", audio.ErrDeviceBusy},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			device := &mock.Device{OpenError: tc.err}
			rec := capture.NewRecorder(device, capture.WithCandidates([]string{"audio/pcm"}))

			_, err := rec.Start(context.Background())
			if !errors.Is(err, tc.err) {
				t.Fatalf("err = %v, want %v", err, tc.err)
			}
			// A failed Start must leave the slot free.
			if rec.Active() {
				t.Error("recorder active after failed Start")
			}
		})
	}
}

func TestRecorder_UnsupportedEncoding(t *testing.T) {
	t.Parallel()

	device := &mock.Device{OpenResult: mock.NewCaptureStream(1)}
	rec := capture.NewRecorder(device, capture.WithCandidates([]string{"audio/flac"}))

	_, err := rec.Start(context.Background())
	if !errors.Is(err, audio.ErrUnsupportedEncoding) {
		t.Fatalf("err = %v, want ErrUnsupportedEncoding", err)
	}
	if len(device.OpenCalls) != 0 {
		t.Error("device opened despite failed negotiation")
	}
	if rec.Active() {
		t.Error("recorder active after failed negotiation")
	}
}

func TestRecorder_FragmentSink(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var frags [][]byte
	stream := mock.NewCaptureStream(64)
	rec := newTestRecorder(stream,
		capture.WithFragmentInterval(100*time.Millisecond),
		capture.WithFragmentSink(func(b []byte) {
			mu.Lock()
			frags = append(frags, b)
			mu.Unlock()
		}),
	)

	s, err := rec.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	// 100ms at 16 kHz mono is 1600 samples = 3200 bytes; 20ms frames are
	// 640 bytes, so every fifth frame crosses the fragment threshold.
	for i := 0; i < 10; i++ {
		stream.Emit(pcmFrame(640))
	}
	if _, err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(frags) != 2 {
		t.Fatalf("fragments = %d, want 2", len(frags))
	}
	if s.Fragments() != 2 {
		t.Errorf("Fragments() = %d, want 2", s.Fragments())
	}
}
