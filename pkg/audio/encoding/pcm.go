package encoding

import (
	"bytes"
	"errors"

	"github.com/clinivox/clinivox/pkg/audio"
)

// pcmEncoder is the pass-through fallback: fragments and clip are raw
// little-endian 16-bit PCM with no container.
type pcmEncoder struct {
	cfg       Config
	buf       bytes.Buffer
	pending   int
	perFrag   int
	finalized bool
	clip      audio.Clip
}

func newPCMEncoder(cfg Config) (Encoder, error) {
	return &pcmEncoder{
		cfg:     cfg,
		perFrag: fragmentSamples(cfg) * 2,
	}, nil
}

// Write implements [Encoder].
func (e *pcmEncoder) Write(frame audio.Frame) error {
	if e.finalized {
		return errors.New("encoding: write after finalize")
	}
	e.buf.Write(frame.Data)
	e.pending += len(frame.Data)
	if e.pending >= e.perFrag {
		if e.cfg.OnFragment != nil {
			fragment := make([]byte, e.pending)
			copy(fragment, e.buf.Bytes()[e.buf.Len()-e.pending:])
			e.cfg.OnFragment(fragment)
		}
		e.pending = 0
	}
	return nil
}

// Finalize implements [Encoder].
func (e *pcmEncoder) Finalize() (audio.Clip, error) {
	if e.finalized {
		return e.clip, nil
	}
	e.finalized = true
	data := make([]byte, e.buf.Len())
	copy(data, e.buf.Bytes())
	e.clip = audio.Clip{Data: data, MIMEType: "audio/pcm"}
	return e.clip, nil
}
