// Package cli builds the flag surface and transport wiring shared by the
// four binaries (gitssh-server, gitssh-client, clipssh-server,
// clipssh-client), grounded on the teacher's cmd/wt cobra root-command
// pattern generalized to a second pair of binaries and a transport
// selector flag.
package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sidechannel-ssh/gitssh/internal/audio/devicelist"
	"github.com/sidechannel-ssh/gitssh/internal/logger"
	"github.com/sidechannel-ssh/gitssh/internal/protocol"
	"github.com/sidechannel-ssh/gitssh/internal/transport"
	"github.com/sidechannel-ssh/gitssh/internal/transport/audiomodem"
	"github.com/sidechannel-ssh/gitssh/internal/transport/clipboard"
	"github.com/sidechannel-ssh/gitssh/internal/transport/drive"
	gittransport "github.com/sidechannel-ssh/gitssh/internal/transport/git"
	"github.com/sidechannel-ssh/gitssh/internal/transport/serial"
)

// Exit codes, matching §6 exactly.
const (
	ExitOK              = 0
	ExitProtocolError   = 1
	ExitLocalResource   = 2
	ExitKeyboardInterrupt = 130
)

// Flags holds every flag value shared across the four binaries. Not every
// field applies to every transport; only the ones matching --transport
// are consulted.
type Flags struct {
	Transport      string
	PollIntervalMS int
	ConnectTimeout time.Duration
	SessionTimeout time.Duration
	FetchInterval  time.Duration
	PushInterval   time.Duration

	GitRepoPath      string
	GitUpstreamURL   string
	GitInboundBranch string
	GitOutboundBranch string

	DriveClientSecrets string
	DriveTokenPath     string
	DriveInboundFile   string
	DriveOutboundFile  string

	SerialPort       string
	SerialBaud       int
	SerialAckTimeout time.Duration
	SerialMaxRetries int

	AudioInputDevice  string
	AudioOutputDevice string
	AudioSampleRate   int
	AudioModulation   string

	Verbose bool
}

// RegisterFlags attaches the shared flag surface to cmd, matching §6's
// CLI surface table. defaultTransport is "clipboard" for the clipssh
// binaries and "git" for the gitssh binaries (any of the 5 transports
// remains selectable via --transport).
func RegisterFlags(cmd *cobra.Command, f *Flags, defaultTransport string) {
	flags := cmd.Flags()
	flags.StringVar(&f.Transport, "transport", defaultTransport, "transport backend: clipboard, git, drive, serial, audio")
	flags.IntVar(&f.PollIntervalMS, "poll-interval-ms", 200, "clipboard poll tick in milliseconds")
	flags.DurationVar(&f.ConnectTimeout, "connect-timeout", 20*time.Second, "client connect deadline")
	flags.DurationVar(&f.SessionTimeout, "session-timeout", 0, "idle session timeout (0 disables)")
	flags.DurationVar(&f.FetchInterval, "fetch-interval", 500*time.Millisecond, "background fetch cadence")
	flags.DurationVar(&f.PushInterval, "push-interval", 200*time.Millisecond, "background push cadence")

	flags.StringVar(&f.GitRepoPath, "git-repo-path", "", "local bare mirror path for the git transport")
	flags.StringVar(&f.GitUpstreamURL, "git-upstream-url", "", "shared upstream git remote URL")
	flags.StringVar(&f.GitInboundBranch, "git-inbound-branch", "", "branch carrying inbound commits (defaults per role)")
	flags.StringVar(&f.GitOutboundBranch, "git-outbound-branch", "", "branch carrying outbound commits (defaults per role)")

	flags.StringVar(&f.DriveClientSecrets, "drive-client-secrets", "", "OAuth client secrets JSON path")
	flags.StringVar(&f.DriveTokenPath, "drive-token-path", "", "cached OAuth token path")
	flags.StringVar(&f.DriveInboundFile, "drive-inbound-file", "", "appData inbound log file name")
	flags.StringVar(&f.DriveOutboundFile, "drive-outbound-file", "", "appData outbound log file name")

	flags.StringVar(&f.SerialPort, "serial-port", "", "serial device path, e.g. /dev/ttyGS0")
	flags.IntVar(&f.SerialBaud, "serial-baud", 115200, "serial baud rate")
	flags.DurationVar(&f.SerialAckTimeout, "serial-ack-timeout", 150*time.Millisecond, "serial ARQ ack timeout")
	flags.IntVar(&f.SerialMaxRetries, "serial-max-retries", 20, "serial ARQ max retransmissions")

	flags.StringVar(&f.AudioInputDevice, "audio-input-device", "", "audio capture device name (empty = auto-discover)")
	flags.StringVar(&f.AudioOutputDevice, "audio-output-device", "", "audio playback device name (empty = auto-discover)")
	flags.IntVar(&f.AudioSampleRate, "audio-sample-rate", 48000, "audio sample rate in Hz")
	flags.StringVar(&f.AudioModulation, "audio-modulation", "auto", "audio modulation: auto, robust, legacy")

	flags.BoolVarP(&f.Verbose, "verbose", "v", false, "enable debug logging")
}

// InitLogging wires up the shared slog logger per the verbosity flag.
func (f *Flags) InitLogging() {
	level := "info"
	if f.Verbose {
		level = "debug"
	}
	logger.Init(level, "")
}

// BuildBackend constructs the selected transport.Backend, role
// distinguishing which git/drive branch or file each side defaults to.
func (f *Flags) BuildBackend(ctx context.Context, proto protocol.Name, isServer bool) (transport.Backend, error) {
	switch f.Transport {
	case "clipboard", "":
		slot, err := clipboard.DiscoverExecSlot()
		if err != nil {
			return nil, fmt.Errorf("clipboard transport: %w", err)
		}
		return clipboard.New(clipboard.Config{Slot: slot}), nil

	case "git":
		cfg := gittransport.Config{
			LocalRepoPath:     f.GitRepoPath,
			UpstreamURL:       f.GitUpstreamURL,
			InboundBranch:     f.GitInboundBranch,
			OutboundBranch:    f.GitOutboundBranch,
		}
		if isServer {
			if cfg.InboundBranch == "" {
				cfg.InboundBranch = gittransport.DefaultInboundBranch
			}
			if cfg.OutboundBranch == "" {
				cfg.OutboundBranch = gittransport.DefaultOutboundBranch
			}
		} else {
			if cfg.InboundBranch == "" {
				cfg.InboundBranch = gittransport.DefaultOutboundBranch
			}
			if cfg.OutboundBranch == "" {
				cfg.OutboundBranch = gittransport.DefaultInboundBranch
			}
		}
		return gittransport.New(cfg)

	case "drive":
		cfg := drive.Config{
			ClientSecretsPath: f.DriveClientSecrets,
			TokenPath:         f.DriveTokenPath,
		}
		if isServer {
			cfg.InboundFileName = firstNonEmpty(f.DriveInboundFile, drive.DefaultInboundFileC2S)
			cfg.OutboundFileName = firstNonEmpty(f.DriveOutboundFile, drive.DefaultOutboundFileS2C)
		} else {
			cfg.InboundFileName = firstNonEmpty(f.DriveOutboundFile, drive.DefaultOutboundFileS2C)
			cfg.OutboundFileName = firstNonEmpty(f.DriveInboundFile, drive.DefaultInboundFileC2S)
		}
		return drive.New(ctx, cfg)

	case "serial":
		if f.SerialPort == "" {
			return nil, fmt.Errorf("serial transport requires --serial-port")
		}
		port, err := serial.OpenRealPort(f.SerialPort, f.SerialBaud, true)
		if err != nil {
			return nil, err
		}
		return serial.New(serial.Config{
			Port:       port,
			AckTimeout: f.SerialAckTimeout,
			MaxRetries: f.SerialMaxRetries,
		}), nil

	case "audio":
		return f.buildAudioBackend()

	default:
		return nil, fmt.Errorf("unknown transport %q", f.Transport)
	}
}

func (f *Flags) buildAudioBackend() (transport.Backend, error) {
	inputs := []string{f.AudioInputDevice}
	outputs := []string{f.AudioOutputDevice}
	if f.AudioInputDevice == "" || f.AudioOutputDevice == "" {
		listedIn, listedOut, err := devicelist.List()
		if err != nil {
			return nil, fmt.Errorf("audio device discovery: %w", err)
		}
		if f.AudioInputDevice == "" {
			inputs = listedIn
		}
		if f.AudioOutputDevice == "" {
			outputs = listedOut
		}
	}

	factory := func(inputName, outputName string) (audiomodem.Device, error) {
		return audiomodem.OpenPortAudioDevice(inputName, outputName, float64(f.AudioSampleRate), 4096)
	}

	discovered, err := audiomodem.Discover(audiomodem.DiscoveryConfig{
		Modulation: f.AudioModulation,
	}, inputs, outputs, factory, func(s string) { logger.Debug(s) })
	if err != nil {
		return nil, fmt.Errorf("audio discovery: %w", err)
	}

	device, err := audiomodem.OpenPortAudioDevice(discovered.InputDevice, discovered.OutputDevice, float64(f.AudioSampleRate), 4096)
	if err != nil {
		return nil, err
	}
	return audiomodem.New(audiomodem.Config{
		Device:     device,
		Modulation: discovered.Modulation,
		SampleRate: float64(f.AudioSampleRate),
	}), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Exit prints err (if non-nil) and exits with the appropriate code,
// mapping transport/protocol errors to 1 and everything else to 2,
// matching §6's exit-code table. Callers handle SIGINT (130) themselves.
func Exit(err error) {
	if err == nil {
		os.Exit(ExitOK)
	}
	if _, ok := err.(*transport.Error); ok {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(ExitProtocolError)
	}
	if _, ok := err.(*protocol.InvalidMessageError); ok {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(ExitProtocolError)
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(ExitLocalResource)
}
