package audiomodem

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sidechannel-ssh/gitssh/internal/logger"
)

// discovery implements the ping/pong/found/found_ack handshake (C9) that
// picks a working input/output device pair and modulation before the ARQ
// backend is built on top of it, grounded on audio_device_discovery.py.

const (
	discKindPing     = "ping"
	discKindPong     = "pong"
	discKindFound    = "found"
	discKindFoundAck = "found_ack"
)

type discoveryMessage struct {
	Kind       string `json:"kind"`
	Sender     string `json:"sender"`
	Target     string `json:"target,omitempty"`
	Nonce      string `json:"nonce,omitempty"`
	EchoNonce  string `json:"echo_nonce,omitempty"`
	Modulation string `json:"modulation"`
}

// DiscoveryConfig configures the handshake. Timeout, PingInterval and
// FoundInterval mirror AudioDiscoveryConfig; Modulation "auto" splits
// Timeout 70/30 between robust and legacy attempts.
type DiscoveryConfig struct {
	Modulation               string
	PingInterval              time.Duration
	FoundInterval             time.Duration
	Timeout                   time.Duration
	CandidateGrace            time.Duration
	MaxSilentDuration         time.Duration
	MaxPendingPingsPerOutput  int
}

func (c *DiscoveryConfig) applyDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 120 * time.Millisecond
	}
	if c.FoundInterval <= 0 {
		c.FoundInterval = 120 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 90 * time.Second
	}
	if c.CandidateGrace <= 0 {
		c.CandidateGrace = 20 * time.Second
	}
	if c.MaxSilentDuration <= 0 {
		c.MaxSilentDuration = 10 * time.Second
	}
	if c.MaxPendingPingsPerOutput <= 0 {
		c.MaxPendingPingsPerOutput = 2
	}
	if c.Modulation == "" {
		c.Modulation = "auto"
	}
}

// DeviceFactory opens a duplex Device anchored on the named input/output
// pair, mirroring io_factory in the original.
type DeviceFactory func(inputName, outputName string) (Device, error)

// Discovered reports the confirmed device pair and the modulation both
// sides agreed to use.
type Discovered struct {
	InputDevice    string
	OutputDevice   string
	Modulation     Modulation
	PeerID         string
}

// Discover probes all candidate input/output device names and returns the
// first pair that completes a bidirectional ping/pong/found/found_ack
// round trip with a peer, matching discover_audio_devices. "auto"
// modulation tries ModulationRobust for 70% of Timeout, then
// ModulationLegacy for the remainder.
func Discover(cfg DiscoveryConfig, inputDevices, outputDevices []string, factory DeviceFactory, log func(string)) (Discovered, error) {
	cfg.applyDefaults()
	if log == nil {
		log = func(string) {}
	}
	if len(inputDevices) == 0 {
		return Discovered{}, fmt.Errorf("audio discovery found no input devices")
	}
	if len(outputDevices) == 0 {
		return Discovered{}, fmt.Errorf("audio discovery found no output devices")
	}

	if cfg.Modulation != "auto" {
		return discoverOnce(cfg, Modulation(cfg.Modulation), inputDevices, outputDevices, factory, log)
	}

	total := cfg.Timeout
	robustTimeout := total * 7 / 10
	if robustTimeout < time.Second {
		robustTimeout = time.Second
	}
	legacyTimeout := total - robustTimeout
	if legacyTimeout < time.Second {
		legacyTimeout = time.Second
	}

	log(fmt.Sprintf("audio discovery auto modulation: trying robust for %s, then legacy for %s if needed", robustTimeout, legacyTimeout))

	robustCfg := cfg
	robustCfg.Timeout = robustTimeout
	robustCfg.Modulation = string(ModulationRobust)
	result, robustErr := discoverOnce(robustCfg, ModulationRobust, inputDevices, outputDevices, factory, log)
	if robustErr == nil {
		return result, nil
	}
	log(fmt.Sprintf("audio discovery robust failed, falling back to legacy: %v", robustErr))

	legacyCfg := cfg
	legacyCfg.Timeout = legacyTimeout
	legacyCfg.Modulation = string(ModulationLegacy)
	result, legacyErr := discoverOnce(legacyCfg, ModulationLegacy, inputDevices, outputDevices, factory, log)
	if legacyErr == nil {
		return result, nil
	}
	return Discovered{}, fmt.Errorf("audio discovery failed in both modulation modes:\n- robust: %v\n- legacy: %v", robustErr, legacyErr)
}

type writerChannel struct {
	outputDevice string
	device       Device
	codec        *FrameCodec
	nextPingAt   time.Time
}

type listenerChannel struct {
	inputDevice string
	device      Device
	codec       *FrameCodec
}

type pendingPing struct {
	outputDevice string
	sentAt       time.Time
}

func discoverOnce(cfg DiscoveryConfig, modulation Modulation, inputDevices, outputDevices []string, factory DeviceFactory, log func(string)) (Discovered, error) {
	anchorInput := inputDevices[0]
	anchorOutput := outputDevices[0]

	var writers []*writerChannel
	var openErrors []string
	for _, out := range outputDevices {
		dev, err := factory(anchorInput, out)
		if err != nil {
			openErrors = append(openErrors, fmt.Sprintf("writer out=%s: %v", out, err))
			continue
		}
		writers = append(writers, &writerChannel{outputDevice: out, device: dev, codec: codecFor(modulation)})
	}

	var listeners []*listenerChannel
	for _, in := range inputDevices {
		dev, err := factory(in, anchorOutput)
		if err != nil {
			openErrors = append(openErrors, fmt.Sprintf("listener in=%s: %v", in, err))
			continue
		}
		listeners = append(listeners, &listenerChannel{inputDevice: in, device: dev, codec: codecFor(modulation)})
	}

	defer func() {
		for _, w := range writers {
			w.device.Close()
		}
		for _, l := range listeners {
			l.device.Close()
		}
	}()

	if len(writers) == 0 {
		return Discovered{}, fmt.Errorf("audio discovery could not open any writer channel: %v", openErrors)
	}
	if len(listeners) == 0 {
		return Discovered{}, fmt.Errorf("audio discovery could not open any listener channel: %v", openErrors)
	}

	localID := randomHex(6)
	pendingPings := make(map[string]pendingPing)

	var selected *Discovered
	var selectedPeerID string
	ackReceived := false

	deadline := time.Now().Add(cfg.Timeout)
	candidateDeadline := deadline
	nextFoundAt := time.Time{}

	send := func(w *writerChannel, msg discoveryMessage) error {
		encoded, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		frame := buildLinkFrame(linkTypeData, 0, encoded)
		pcm := w.codec.EncodeFrame(frame)
		return w.device.WritePCM(pcm)
	}

	for {
		now := time.Now()
		if now.After(deadline) && (selected == nil || ackReceived || now.After(candidateDeadline)) {
			return Discovered{}, fmt.Errorf("audio discovery timed out (modulation=%s, writers=%d, listeners=%d, pending_pings=%d)",
				modulation, len(writers), len(listeners), len(pendingPings))
		}

		if selected == nil {
			for _, w := range writers {
				if now.Before(w.nextPingAt) {
					continue
				}
				if countPendingForOutput(pendingPings, w.outputDevice) >= cfg.MaxPendingPingsPerOutput {
					continue
				}
				nonce := randomHex(8)
				if err := send(w, discoveryMessage{Kind: discKindPing, Sender: localID, Nonce: nonce, Modulation: string(modulation)}); err != nil {
					logger.Debug("audio discovery ping send failed", "out", w.outputDevice, "err", err)
					continue
				}
				pendingPings[nonce] = pendingPing{outputDevice: w.outputDevice, sentAt: now}
				w.nextPingAt = now.Add(cfg.PingInterval)
			}
		}

		if selected != nil && selectedPeerID != "" && !now.Before(nextFoundAt) {
			for _, w := range writers {
				send(w, discoveryMessage{Kind: discKindFound, Sender: localID, Target: selectedPeerID, Modulation: string(modulation)})
			}
			nextFoundAt = now.Add(cfg.FoundInterval)
		}

		for _, l := range listeners {
			pcm, err := l.device.ReadPCM()
			if err != nil || len(pcm) == 0 {
				continue
			}
			for _, raw := range l.codec.FeedPCM(pcm) {
				f, ok := parseLinkFrame(raw)
				if !ok || f.frameType != linkTypeData {
					continue
				}
				var msg discoveryMessage
				if json.Unmarshal(f.payload, &msg) != nil {
					continue
				}
				if msg.Sender == "" || msg.Sender == localID || msg.Modulation != string(modulation) {
					continue
				}

				switch msg.Kind {
				case discKindPing:
					for _, w := range writers {
						send(w, discoveryMessage{Kind: discKindPong, Sender: localID, Target: msg.Sender, EchoNonce: msg.Nonce, Modulation: string(modulation)})
					}
				case discKindFound:
					if msg.Target != localID || selected == nil || msg.Sender != selectedPeerID {
						continue
					}
					for _, w := range writers {
						send(w, discoveryMessage{Kind: discKindFoundAck, Sender: localID, Target: msg.Sender, Modulation: string(modulation)})
					}
				case discKindFoundAck:
					if msg.Target != localID || msg.Sender != selectedPeerID {
						continue
					}
					ackReceived = true
					log("audio discovery confirmed by peer acknowledgement")
				case discKindPong:
					if msg.Target != localID || msg.EchoNonce == "" {
						continue
					}
					local, ok := pendingPings[msg.EchoNonce]
					if !ok {
						continue
					}
					delete(pendingPings, msg.EchoNonce)
					if selected == nil {
						selected = &Discovered{InputDevice: l.inputDevice, OutputDevice: local.outputDevice, Modulation: modulation}
						selectedPeerID = msg.Sender
						candidateDeadline = now.Add(cfg.CandidateGrace)
						if candidateDeadline.Before(deadline) {
							candidateDeadline = deadline
						}
						nextFoundAt = time.Time{}
						log(fmt.Sprintf("audio discovery candidate selected: in=%s out=%s peer=%s", selected.InputDevice, selected.OutputDevice, selectedPeerID))
					}
				}
			}
		}

		if selected != nil && ackReceived {
			selected.PeerID = selectedPeerID
			return *selected, nil
		}

		cutoff := now.Add(-cfg.MaxSilentDuration)
		for nonce, p := range pendingPings {
			if p.sentAt.Before(cutoff) {
				delete(pendingPings, nonce)
			}
		}

		time.Sleep(10 * time.Millisecond)
	}
}

func countPendingForOutput(pending map[string]pendingPing, output string) int {
	n := 0
	for _, p := range pending {
		if p.outputDevice == output {
			n++
		}
	}
	return n
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte(time.Now().String()))[:n*2]
	}
	return hex.EncodeToString(buf)
}
