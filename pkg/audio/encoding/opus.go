package encoding

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"layeh.com/gopus"

	"github.com/clinivox/clinivox/pkg/audio"
)

// Opus operates on fixed 20 ms frames. Granule positions in Ogg/Opus are
// always expressed at 48 kHz regardless of the input rate.
const (
	opusFrameMs         = 20
	opusGranuleRate     = 48000
	opusGranulePerFrame = opusGranuleRate * opusFrameMs / 1000 // 960
	opusMaxPacket       = 4000
	opusPreSkip         = 312 // encoder lookahead at 48 kHz granule scale
)

// opusEncoder encodes mono PCM into Opus packets and pages them into an Ogg
// stream. Header pages (OpusHead, OpusTags) are emitted with the first
// fragment; each subsequent fragment is one Ogg page of audio packets.
type opusEncoder struct {
	cfg       Config
	enc       *gopus.Encoder
	frameSize int // samples per channel per 20 ms frame

	pcm     []int16 // pending samples not yet forming a full frame
	packets [][]byte
	pending int // samples represented by packets not yet paged
	perFrag int

	ogg       oggWriter
	fragments [][]byte
	finalized bool
	clip      audio.Clip
}

func newOpusEncoder(cfg Config) (Encoder, error) {
	if cfg.Capture.Channels != 1 {
		return nil, fmt.Errorf("encoding: opus profile requires mono input, got %d channels", cfg.Capture.Channels)
	}
	enc, err := gopus.NewEncoder(cfg.Capture.SampleRate, cfg.Capture.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("encoding: create opus encoder: %w", err)
	}

	e := &opusEncoder{
		cfg:       cfg,
		enc:       enc,
		frameSize: cfg.Capture.SampleRate * opusFrameMs / 1000,
		perFrag:   fragmentSamples(cfg),
		ogg:       oggWriter{serial: 0x434c5658}, // "CLVX"
	}

	// Ogg/Opus identification and comment headers form the first fragment so
	// even a truncated recording starts with a decodable stream.
	head := e.ogg.page([][]byte{opusHead(cfg.Capture)}, 0, pageFlagBOS)
	tags := e.ogg.page([][]byte{opusTags()}, 0, 0)
	e.emit(append(head, tags...))
	return e, nil
}

// Write implements [Encoder].
func (e *opusEncoder) Write(frame audio.Frame) error {
	if e.finalized {
		return errors.New("encoding: write after finalize")
	}

	e.pcm = append(e.pcm, audio.BytesToPCM(frame.Data)...)
	for len(e.pcm) >= e.frameSize {
		pkt, err := e.enc.Encode(e.pcm[:e.frameSize], e.frameSize, opusMaxPacket)
		if err != nil {
			return fmt.Errorf("encoding: opus encode: %w", err)
		}
		e.pcm = e.pcm[e.frameSize:]
		e.packets = append(e.packets, pkt)
		e.pending += e.frameSize
	}

	if e.pending >= e.perFrag {
		e.flushPage(0)
	}
	return nil
}

// Finalize implements [Encoder].
func (e *opusEncoder) Finalize() (audio.Clip, error) {
	if e.finalized {
		return e.clip, nil
	}
	e.finalized = true

	// Pad the trailing partial frame with silence so no captured audio is lost.
	if len(e.pcm) > 0 {
		tail := make([]int16, e.frameSize)
		copy(tail, e.pcm)
		pkt, err := e.enc.Encode(tail, e.frameSize, opusMaxPacket)
		if err != nil {
			return audio.Clip{}, fmt.Errorf("encoding: opus finalize: %w", err)
		}
		e.pcm = nil
		e.packets = append(e.packets, pkt)
		e.pending += e.frameSize
	}
	e.flushPage(pageFlagEOS)

	var buf bytes.Buffer
	for _, f := range e.fragments {
		buf.Write(f)
	}
	e.clip = audio.Clip{Data: buf.Bytes(), MIMEType: "audio/ogg;codecs=opus"}
	return e.clip, nil
}

// flushPage pages all pending packets into one fragment. A zero pending set
// with the EOS flag still emits a closing page.
func (e *opusEncoder) flushPage(flags byte) {
	if len(e.packets) == 0 && flags == 0 {
		return
	}
	frames := len(e.packets)
	e.ogg.granule += uint64(frames) * opusGranulePerFrame
	page := e.ogg.page(e.packets, e.ogg.granule, flags)
	e.packets = nil
	e.pending = 0
	e.emit(page)
}

func (e *opusEncoder) emit(fragment []byte) {
	e.fragments = append(e.fragments, fragment)
	if e.cfg.OnFragment != nil {
		e.cfg.OnFragment(fragment)
	}
}

// opusHead builds the OpusHead identification packet.
func opusHead(cfg audio.CaptureConfig) []byte {
	var b bytes.Buffer
	b.WriteString("OpusHead")
	b.WriteByte(1) // version
	b.WriteByte(byte(cfg.Channels))
	binary.Write(&b, binary.LittleEndian, uint16(opusPreSkip))
	binary.Write(&b, binary.LittleEndian, uint32(cfg.SampleRate))
	binary.Write(&b, binary.LittleEndian, uint16(0)) // output gain
	b.WriteByte(0)                                   // channel mapping family 0
	return b.Bytes()
}

// opusTags builds a minimal OpusTags comment packet.
func opusTags() []byte {
	var b bytes.Buffer
	b.WriteString("OpusTags")
	vendor := "clinivox"
	binary.Write(&b, binary.LittleEndian, uint32(len(vendor)))
	b.WriteString(vendor)
	binary.Write(&b, binary.LittleEndian, uint32(0)) // no user comments
	return b.Bytes()
}

// ─── Ogg page writer ──────────────────────────────────────────────────────────

const (
	pageFlagBOS byte = 0x02
	pageFlagEOS byte = 0x04
)

// oggWriter assembles Ogg pages. One writer per logical stream.
type oggWriter struct {
	serial  uint32
	seq     uint32
	granule uint64
}

// page builds a single Ogg page containing the given packets, each ending
// within this page (no continued packets — utterance packets are small).
func (w *oggWriter) page(packets [][]byte, granule uint64, flags byte) []byte {
	// Lacing values: each packet is split into 255-byte segments, terminated
	// by a segment shorter than 255.
	var lacing []byte
	for _, p := range packets {
		n := len(p)
		for n >= 255 {
			lacing = append(lacing, 255)
			n -= 255
		}
		lacing = append(lacing, byte(n))
	}

	var b bytes.Buffer
	b.WriteString("OggS")
	b.WriteByte(0) // stream structure version
	b.WriteByte(flags)
	binary.Write(&b, binary.LittleEndian, granule)
	binary.Write(&b, binary.LittleEndian, w.serial)
	binary.Write(&b, binary.LittleEndian, w.seq)
	w.seq++
	binary.Write(&b, binary.LittleEndian, uint32(0)) // checksum placeholder
	b.WriteByte(byte(len(lacing)))
	b.Write(lacing)
	for _, p := range packets {
		b.Write(p)
	}

	page := b.Bytes()
	binary.LittleEndian.PutUint32(page[22:26], oggCRC(page))
	return page
}

// oggCRC computes the Ogg page checksum: CRC-32 with polynomial 0x04c11db7,
// no bit reflection, zero initial value and zero final XOR.
func oggCRC(data []byte) uint32 {
	var crc uint32
	for _, d := range data {
		crc ^= uint32(d) << 24
		for i := 0; i < 8; i++ {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ 0x04c11db7
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
