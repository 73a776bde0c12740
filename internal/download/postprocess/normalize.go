// Package postprocess implements the Downloader's optional loudness-
// normalization and leading/trailing-silence trim pass (spec.md §4.5),
// adapted from the teacher's AstiavTranscoder streaming pipeline
// (7.voice.go) into a one-shot decode of a whole file followed by a WAV
// write, rather than a live frame-by-frame voice stream. No resampling or
// re-encoding is done here.
package postprocess

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/asticode/go-astiav"

	"github.com/leeineian/kokoro/internal/logging"
)

const silenceRMSThreshold = 0.01

// Normalizer decodes an input audio file, applies a peak-gain
// normalization pass and trims leading/trailing near-silent frames, then
// writes the result as a 16-bit PCM WAV file (see writeWAV).
type Normalizer struct{}

// New builds a Normalizer.
func New() *Normalizer { return &Normalizer{} }

// Process implements download.PostProcessor.
func (n *Normalizer) Process(ctx context.Context, inputPath string) (string, error) {
	t := newTranscoder()
	defer t.close()

	if err := t.openInput(inputPath); err != nil {
		return "", fmt.Errorf("postprocess: open input: %w", err)
	}
	if err := t.setupDecoder(); err != nil {
		return "", fmt.Errorf("postprocess: setup decoder: %w", err)
	}

	frames, peak, err := t.decodeAll(ctx)
	if err != nil {
		return "", fmt.Errorf("postprocess: decode: %w", err)
	}
	frames = trimSilence(frames)
	if len(frames) == 0 {
		return "", errors.New("postprocess: no audible frames after trim")
	}

	gain := 1.0
	if peak > 0 && peak < 0.9 {
		gain = math.Min(0.95/peak, 4.0)
	}

	outputPath := strings.TrimSuffix(inputPath, filepathExt(inputPath)) + ".norm.wav"
	if err := writeWAV(outputPath, frames, gain); err != nil {
		return "", fmt.Errorf("postprocess: encode: %w", err)
	}
	logging.Download("normalized %s -> %s (gain=%.2f, frames=%d)", inputPath, outputPath, gain, len(frames))
	return outputPath, nil
}

func filepathExt(p string) string {
	for i := len(p) - 1; i >= 0 && p[i] != '/'; i-- {
		if p[i] == '.' {
			return p[i:]
		}
	}
	return ""
}

type pcmFrame struct {
	samples []float32 // interleaved stereo
	rms     float64
}

type transcoder struct {
	inputCtx         *astiav.FormatContext
	decoderCtx       *astiav.CodecContext
	encoderCtx       *astiav.CodecContext
	audioStreamIndex int
	packet           *astiav.Packet
	frame            *astiav.Frame
	resampleCtx      *astiav.SoftwareResampleContext
	resampleFrame    *astiav.Frame
}

func newTranscoder() *transcoder {
	return &transcoder{packet: astiav.AllocPacket(), frame: astiav.AllocFrame(), resampleFrame: astiav.AllocFrame()}
}

func (t *transcoder) close() {
	if t.packet != nil {
		t.packet.Free()
	}
	if t.frame != nil {
		t.frame.Free()
	}
	if t.resampleFrame != nil {
		t.resampleFrame.Free()
	}
	if t.resampleCtx != nil {
		t.resampleCtx.Free()
	}
	if t.decoderCtx != nil {
		t.decoderCtx.Free()
	}
	if t.encoderCtx != nil {
		t.encoderCtx.Free()
	}
	if t.inputCtx != nil {
		t.inputCtx.CloseInput()
		t.inputCtx.Free()
	}
}

func (t *transcoder) openInput(path string) error {
	t.inputCtx = astiav.AllocFormatContext()
	if t.inputCtx == nil {
		return errors.New("failed to alloc format context")
	}
	if err := t.inputCtx.OpenInput(path, nil, nil); err != nil {
		return err
	}
	if err := t.inputCtx.FindStreamInfo(nil); err != nil {
		return err
	}
	t.audioStreamIndex = -1
	for _, s := range t.inputCtx.Streams() {
		if s.CodecParameters().MediaType() == astiav.MediaTypeAudio {
			t.audioStreamIndex = s.Index()
			break
		}
	}
	if t.audioStreamIndex == -1 {
		return errors.New("no audio stream found")
	}
	return nil
}

func (t *transcoder) setupDecoder() error {
	params := t.inputCtx.Streams()[t.audioStreamIndex].CodecParameters()
	dec := astiav.FindDecoder(params.CodecID())
	if dec == nil {
		return errors.New("no decoder available for input codec")
	}
	t.decoderCtx = astiav.AllocCodecContext(dec)
	if err := params.ToCodecContext(t.decoderCtx); err != nil {
		return err
	}
	return t.decoderCtx.Open(dec, nil)
}

// decodeAll drains every packet of the audio stream into decoded frames
// (not resampled), returning the highest per-frame RMS as the peak level.
func (t *transcoder) decodeAll(ctx context.Context) ([]pcmFrame, float64, error) {
	var frames []pcmFrame
	var peak float64

	for {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		if err := t.inputCtx.ReadFrame(t.packet); err != nil {
			if errors.Is(err, astiav.ErrEof) {
				break
			}
			return nil, 0, err
		}
		if t.packet.StreamIndex() != t.audioStreamIndex {
			t.packet.Unref()
			continue
		}
		if err := t.decoderCtx.SendPacket(t.packet); err != nil {
			t.packet.Unref()
			continue
		}
		t.packet.Unref()

		for {
			if err := t.decoderCtx.ReceiveFrame(t.frame); err != nil {
				break
			}
			samples, rms := extractSamples(t.frame)
			frames = append(frames, pcmFrame{samples: samples, rms: rms})
			if rms > peak {
				peak = rms
			}
			t.frame.Unref()
		}
	}
	return frames, peak, nil
}

// extractSamples reads the frame's first data plane as interleaved
// little-endian signed 16-bit samples, scaled to [-1, 1), and returns them
// with their RMS. Other sample formats are not converted.
func extractSamples(f *astiav.Frame) ([]float32, float64) {
	n := f.NbSamples() * f.ChannelLayout().Channels()
	if n <= 0 {
		return nil, 0
	}
	data := f.Data()
	if len(data) == 0 {
		return nil, 0
	}
	buf := data[0]
	samples := make([]float32, 0, n)
	var sumSq float64
	for i := 0; i+1 < len(buf) && len(samples) < n; i += 2 {
		v := float32(int16(uint16(buf[i])|uint16(buf[i+1])<<8)) / 32768.0
		samples = append(samples, v)
		sumSq += float64(v) * float64(v)
	}
	rms := 0.0
	if len(samples) > 0 {
		rms = math.Sqrt(sumSq / float64(len(samples)))
	}
	return samples, rms
}

// trimSilence drops leading and trailing frames whose RMS is below the
// silence threshold.
func trimSilence(frames []pcmFrame) []pcmFrame {
	start := 0
	for start < len(frames) && frames[start].rms < silenceRMSThreshold {
		start++
	}
	end := len(frames)
	for end > start && frames[end-1].rms < silenceRMSThreshold {
		end--
	}
	return frames[start:end]
}

// writeWAV applies gain and writes a standard 16-bit PCM stereo 48kHz WAV
// file. Playback re-encodes it through internal/transcode the same way as
// any other source file, so no muxer/encoder round trip through astiav is
// needed on the write side.
func writeWAV(outputPath string, frames []pcmFrame, gain float64) error {
	var pcm []byte
	for _, pf := range frames {
		for _, s := range pf.samples {
			v := float64(s) * gain
			if v > 1 {
				v = 1
			} else if v < -1 {
				v = -1
			}
			sample := int16(v * 32767)
			pcm = append(pcm, byte(sample), byte(sample>>8))
		}
	}

	const (
		numChannels   = 2
		sampleRate    = 48000
		bitsPerSample = 16
	)
	byteRate := sampleRate * numChannels * bitsPerSample / 8
	blockAlign := numChannels * bitsPerSample / 8

	f, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer f.Close()

	write := func(b []byte) error { _, err := f.Write(b); return err }
	u32 := func(v uint32) []byte { b := make([]byte, 4); binary.LittleEndian.PutUint32(b, v); return b }
	u16 := func(v uint16) []byte { b := make([]byte, 2); binary.LittleEndian.PutUint16(b, v); return b }

	if err := write([]byte("RIFF")); err != nil {
		return err
	}
	if err := write(u32(uint32(36 + len(pcm)))); err != nil {
		return err
	}
	if err := write([]byte("WAVEfmt ")); err != nil {
		return err
	}
	if err := write(u32(16)); err != nil {
		return err
	}
	if err := write(u16(1)); err != nil { // PCM
		return err
	}
	if err := write(u16(numChannels)); err != nil {
		return err
	}
	if err := write(u32(sampleRate)); err != nil {
		return err
	}
	if err := write(u32(uint32(byteRate))); err != nil {
		return err
	}
	if err := write(u16(uint16(blockAlign))); err != nil {
		return err
	}
	if err := write(u16(bitsPerSample)); err != nil {
		return err
	}
	if err := write([]byte("data")); err != nil {
		return err
	}
	if err := write(u32(uint32(len(pcm)))); err != nil {
		return err
	}
	return write(pcm)
}
