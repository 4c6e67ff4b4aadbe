package encoding

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/clinivox/clinivox/pkg/audio"
)

const wavHeaderSize = 44

// wavEncoder buffers raw PCM and wraps it in a RIFF/WAVE container at
// finalization. Fragments are the raw PCM chunks: the container size fields
// are only knowable once the recording ends, so intermediate fragments carry
// data only and the header is written last.
type wavEncoder struct {
	cfg       Config
	buf       bytes.Buffer
	pending   int // bytes accumulated since the last fragment
	perFrag   int // fragment threshold in bytes
	finalized bool
	clip      audio.Clip
}

func newWAVEncoder(cfg Config) (Encoder, error) {
	return &wavEncoder{
		cfg:     cfg,
		perFrag: fragmentSamples(cfg) * 2,
	}, nil
}

// Write implements [Encoder].
func (e *wavEncoder) Write(frame audio.Frame) error {
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
func (e *wavEncoder) Finalize() (audio.Clip, error) {
	if e.finalized {
		return e.clip, nil
	}
	e.finalized = true

	data := e.buf.Bytes()
	out := make([]byte, 0, wavHeaderSize+len(data))
	out = append(out, wavHeader(e.cfg.Capture, len(data))...)
	out = append(out, data...)
	e.clip = audio.Clip{Data: out, MIMEType: "audio/wav"}
	return e.clip, nil
}

// wavHeader builds the 44-byte RIFF/WAVE header for 16-bit PCM.
func wavHeader(cfg audio.CaptureConfig, dataSize int) []byte {
	channels := uint16(cfg.Channels)
	rate := uint32(cfg.SampleRate)
	const bitsPerSample = 16

	var b bytes.Buffer
	b.WriteString("RIFF")
	binary.Write(&b, binary.LittleEndian, uint32(36+dataSize))
	b.WriteString("WAVE")
	b.WriteString("fmt ")
	binary.Write(&b, binary.LittleEndian, uint32(16))
	binary.Write(&b, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&b, binary.LittleEndian, channels)
	binary.Write(&b, binary.LittleEndian, rate)
	binary.Write(&b, binary.LittleEndian, rate*uint32(channels)*bitsPerSample/8)
	binary.Write(&b, binary.LittleEndian, channels*bitsPerSample/8)
	binary.Write(&b, binary.LittleEndian, uint16(bitsPerSample))
	b.WriteString("data")
	binary.Write(&b, binary.LittleEndian, uint32(dataSize))
	return b.Bytes()
}
