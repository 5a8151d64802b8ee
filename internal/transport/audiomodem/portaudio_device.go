package audiomodem

import (
	"fmt"

	"github.com/gordonklaus/portaudio"
)

// PortAudioDevice is a Device backed by a duplex portaudio stream, the way
// the original's sounddevice-based transport drives the sound card: one
// callback-free blocking stream read per ReadPCM, one blocking write per
// WritePCM.
type PortAudioDevice struct {
	stream       *portaudio.Stream
	sampleRate   float64
	chunk        int
	inputBuffer  []int16
	outputBuffer []int16
}

// OpenPortAudioDevice opens a duplex int16 mono stream on the named
// input/output devices (empty string selects the host default for that
// direction). sampleRate and chunkFrames follow the modem's configured
// symbol rate and per-read chunk size.
func OpenPortAudioDevice(inputName, outputName string, sampleRate float64, chunkFrames int) (*PortAudioDevice, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}

	inDev, outDev, err := resolveDevices(inputName, outputName)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}

	in := make([]int16, chunkFrames)
	out := make([]int16, chunkFrames)
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   inDev,
			Channels: 1,
			Latency:  inDev.DefaultLowInputLatency,
		},
		Output: portaudio.StreamDeviceParameters{
			Device:   outDev,
			Channels: 1,
			Latency:  outDev.DefaultLowOutputLatency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: chunkFrames,
	}
	stream, err := portaudio.OpenStream(params, in, out)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("open portaudio stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("start portaudio stream: %w", err)
	}

	return &PortAudioDevice{
		stream:       stream,
		sampleRate:   sampleRate,
		chunk:        chunkFrames,
		inputBuffer:  in,
		outputBuffer: out,
	}, nil
}

func resolveDevices(inputName, outputName string) (*portaudio.DeviceInfo, *portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, nil, fmt.Errorf("enumerate portaudio devices: %w", err)
	}

	findOrDefault := func(name string, wantInput bool) (*portaudio.DeviceInfo, error) {
		if name != "" {
			for _, d := range devices {
				if d.Name != name {
					continue
				}
				if wantInput && d.MaxInputChannels > 0 {
					return d, nil
				}
				if !wantInput && d.MaxOutputChannels > 0 {
					return d, nil
				}
			}
			return nil, fmt.Errorf("audio device %q not found or wrong direction", name)
		}
		def, err := portaudio.DefaultHostApi()
		if err != nil {
			return nil, err
		}
		if wantInput {
			return def.DefaultInputDevice, nil
		}
		return def.DefaultOutputDevice, nil
	}

	in, err := findOrDefault(inputName, true)
	if err != nil {
		return nil, nil, err
	}
	out, err := findOrDefault(outputName, false)
	if err != nil {
		return nil, nil, err
	}
	return in, out, nil
}

// ReadPCM blocks for one buffer's worth of captured audio and returns a
// copy (the underlying slice is reused by the next stream.Read call).
func (d *PortAudioDevice) ReadPCM() ([]byte, error) {
	if err := d.stream.Read(); err != nil {
		return nil, err
	}
	return int16SliceToBytes(d.inputBuffer), nil
}

// WritePCM plays samples in chunk-sized blocks, since a frame from
// FrameCodec.EncodeFrame (marker runs plus a repeated, COBS-stuffed
// payload) routinely spans many multiples of a single stream buffer.
// Each stream.Write() blocks for that block's playback duration, giving
// real hardware natural backpressure on top of Backend.paceSend's
// explicit §4.10 inter-frame gap.
func (d *PortAudioDevice) WritePCM(pcm []byte) error {
	samples := bytesToInt16Slice(pcm)
	chunk := len(d.outputBuffer)

	for offset := 0; offset < len(samples); offset += chunk {
		end := offset + chunk
		if end > len(samples) {
			end = len(samples)
		}
		n := copy(d.outputBuffer, samples[offset:end])
		for i := n; i < len(d.outputBuffer); i++ {
			d.outputBuffer[i] = 0
		}
		if err := d.stream.Write(); err != nil {
			return err
		}
	}
	if len(samples) == 0 {
		for i := range d.outputBuffer {
			d.outputBuffer[i] = 0
		}
		return d.stream.Write()
	}
	return nil
}

func (d *PortAudioDevice) Close() error {
	err := d.stream.Close()
	portaudio.Terminate()
	return err
}

func int16SliceToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(uint16(s))
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}

func bytesToInt16Slice(pcm []byte) []int16 {
	n := len(pcm) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
	}
	return out
}
