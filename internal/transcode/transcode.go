// Package transcode adapts the decode→resample→encode pipeline used for
// live voice playback (7.voice.go's AstiavTranscoder) into a standalone
// file-to-Opus-frames transcoder, stripped of the live-input/seek
// machinery a finished-on-disk file never needs.
package transcode

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/asticode/go-astiav"
)

const opusFrameSamples = 960 // 20ms @ 48kHz, matches the encoder's frame_size option

// Transcoder decodes one audio file and emits Opus packets sized for
// Discord's voice gateway (20ms frames, 48kHz stereo).
type Transcoder struct {
	inputCtx               *astiav.FormatContext
	decoderCtx, encoderCtx *astiav.CodecContext
	audioStreamIndex       int
	packet                 *astiav.Packet
	frame                  *astiav.Frame
	resampleCtx            *astiav.SoftwareResampleContext
	resampleFrame          *astiav.Frame
	fifo                   *astiav.AudioFifo
	pts                    int64
}

// New allocates a Transcoder's reusable packet/frame buffers.
func New() *Transcoder {
	return &Transcoder{packet: astiav.AllocPacket(), frame: astiav.AllocFrame(), resampleFrame: astiav.AllocFrame()}
}

// GetTimestamp reports the current output position in 48kHz samples.
func (t *Transcoder) GetTimestamp() int64 {
	return atomic.LoadInt64(&t.pts)
}

// OpenInput opens path and locates its first audio stream.
func (t *Transcoder) OpenInput(path string) error {
	t.inputCtx = astiav.AllocFormatContext()
	if t.inputCtx == nil {
		return errors.New("transcode: failed to allocate format context")
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
		return errors.New("transcode: no audio stream in input")
	}
	return nil
}

// SetupDecoder opens a decoder matching the input's audio stream.
func (t *Transcoder) SetupDecoder() error {
	p := t.inputCtx.Streams()[t.audioStreamIndex].CodecParameters()
	d := astiav.FindDecoder(p.CodecID())
	if d == nil {
		return errors.New("transcode: no decoder for input codec")
	}
	t.decoderCtx = astiav.AllocCodecContext(d)
	if err := p.ToCodecContext(t.decoderCtx); err != nil {
		return err
	}
	return t.decoderCtx.Open(d, nil)
}

// SetupEncoder opens a libopus (or built-in Opus) encoder at Discord's
// expected bitstream parameters and allocates the resampler feeding it.
func (t *Transcoder) SetupEncoder() error {
	e := astiav.FindEncoderByName("libopus")
	if e == nil {
		e = astiav.FindEncoder(astiav.CodecIDOpus)
	}
	if e == nil {
		return errors.New("transcode: no opus encoder available")
	}
	t.encoderCtx = astiav.AllocCodecContext(e)
	t.encoderCtx.SetBitRate(128000)
	t.encoderCtx.SetSampleRate(48000)
	t.encoderCtx.SetChannelLayout(astiav.ChannelLayoutStereo)
	t.encoderCtx.SetSampleFormat(astiav.SampleFormatS16)
	t.encoderCtx.SetTimeBase(astiav.NewRational(1, 48000))
	o := astiav.NewDictionary()
	defer o.Free()
	o.Set("vbr", "on", 0)
	o.Set("frame_size", "20", 0)
	if err := t.encoderCtx.Open(e, o); err != nil {
		return err
	}
	t.resampleCtx = astiav.AllocSoftwareResampleContext()
	if t.resampleCtx == nil {
		return errors.New("transcode: failed to allocate resampler")
	}
	return nil
}

// Transcode decodes the whole input, calling onFrame with each encoded
// Opus packet in order; onFrame(nil) signals end of stream.
func (t *Transcoder) Transcode(ctx context.Context, onFrame func([]byte)) error {
	defer t.packet.Unref()
	defer onFrame(nil)

	t.fifo = astiav.AllocAudioFifo(t.encoderCtx.SampleFormat(), t.encoderCtx.ChannelLayout().Channels(), opusFrameSamples*2)
	defer func() {
		if t.fifo != nil {
			t.fifo.Free()
			t.fifo = nil
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := t.inputCtx.ReadFrame(t.packet); err != nil {
			if errors.Is(err, astiav.ErrEof) {
				break
			}
			return err
		}
		if t.packet.StreamIndex() != t.audioStreamIndex {
			t.packet.Unref()
			continue
		}
		if err := t.decoderCtx.SendPacket(t.packet); err != nil {
			t.packet.Unref()
			return err
		}
		t.packet.Unref()
		for {
			if err := t.decoderCtx.ReceiveFrame(t.frame); err != nil {
				break
			}
			if err := t.resampleAndEncode(onFrame); err != nil {
				t.frame.Unref()
				return err
			}
			t.frame.Unref()
		}
	}

	t.flush(onFrame)
	return nil
}

func (t *Transcoder) resampleAndEncode(onFrame func([]byte)) error {
	t.resampleFrame.Unref()
	t.resampleFrame.SetChannelLayout(t.encoderCtx.ChannelLayout())
	t.resampleFrame.SetSampleFormat(t.encoderCtx.SampleFormat())
	t.resampleFrame.SetSampleRate(t.encoderCtx.SampleRate())
	nb := int(astiav.RescaleQ(int64(t.frame.NbSamples()), astiav.NewRational(1, t.frame.SampleRate()), astiav.NewRational(1, t.encoderCtx.SampleRate())))
	if nb <= 0 {
		return nil
	}
	t.resampleFrame.SetNbSamples(nb)
	if err := t.resampleFrame.AllocBuffer(0); err != nil {
		return err
	}
	if err := t.resampleCtx.ConvertFrame(t.frame, t.resampleFrame); err != nil {
		return err
	}
	if _, err := t.fifo.Write(t.resampleFrame); err != nil {
		return err
	}
	for t.fifo.Size() >= opusFrameSamples {
		t.resampleFrame.Unref()
		t.resampleFrame.SetNbSamples(opusFrameSamples)
		t.resampleFrame.SetChannelLayout(t.encoderCtx.ChannelLayout())
		t.resampleFrame.SetSampleFormat(t.encoderCtx.SampleFormat())
		t.resampleFrame.SetSampleRate(t.encoderCtx.SampleRate())
		if err := t.resampleFrame.AllocBuffer(0); err != nil {
			return err
		}
		if _, err := t.fifo.Read(t.resampleFrame); err != nil {
			return err
		}
		t.resampleFrame.SetPts(atomic.LoadInt64(&t.pts))
		atomic.AddInt64(&t.pts, opusFrameSamples)
		if err := t.encodeAndEmit(t.resampleFrame, onFrame); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transcoder) flush(onFrame func([]byte)) {
	if t.decoderCtx != nil {
		_ = t.decoderCtx.SendPacket(nil)
		for {
			if err := t.decoderCtx.ReceiveFrame(t.frame); err != nil {
				break
			}
			_ = t.resampleAndEncode(onFrame)
			t.frame.Unref()
		}
	}
	if t.fifo != nil {
		for t.fifo.Size() > 0 {
			sz := opusFrameSamples
			if t.fifo.Size() < sz {
				sz = t.fifo.Size()
			}
			t.resampleFrame.Unref()
			t.resampleFrame.SetNbSamples(sz)
			t.resampleFrame.SetChannelLayout(t.encoderCtx.ChannelLayout())
			t.resampleFrame.SetSampleFormat(t.encoderCtx.SampleFormat())
			t.resampleFrame.SetSampleRate(t.encoderCtx.SampleRate())
			_ = t.resampleFrame.AllocBuffer(0)
			_, _ = t.fifo.Read(t.resampleFrame)
			t.resampleFrame.SetPts(atomic.LoadInt64(&t.pts))
			atomic.AddInt64(&t.pts, int64(sz))
			_ = t.encodeAndEmit(t.resampleFrame, onFrame)
		}
	}
	if t.encoderCtx != nil {
		_ = t.encoderCtx.SendFrame(nil)
		for {
			p := astiav.AllocPacket()
			if t.encoderCtx.ReceivePacket(p) != nil {
				p.Free()
				break
			}
			emit(p, onFrame)
			p.Free()
		}
	}
}

func (t *Transcoder) encodeAndEmit(f *astiav.Frame, onFrame func([]byte)) error {
	if err := t.encoderCtx.SendFrame(f); err != nil {
		return err
	}
	for {
		p := astiav.AllocPacket()
		if t.encoderCtx.ReceivePacket(p) != nil {
			p.Free()
			break
		}
		emit(p, onFrame)
		p.Free()
	}
	return nil
}

func emit(p *astiav.Packet, onFrame func([]byte)) {
	d := p.Data()
	fd := make([]byte, len(d))
	copy(fd, d)
	onFrame(fd)
}

// Close releases all native resources. Safe to call once after Transcode
// returns or after a failed Open/Setup call.
func (t *Transcoder) Close() {
	if t.resampleCtx != nil {
		t.resampleCtx.Free()
	}
	if t.resampleFrame != nil {
		t.resampleFrame.Free()
	}
	if t.packet != nil {
		t.packet.Free()
	}
	if t.frame != nil {
		t.frame.Free()
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
