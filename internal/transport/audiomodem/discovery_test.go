package audiomodem

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fabric is an in-memory stand-in for the physical air gap between two
// audio endpoints: each named output device is a buffered channel, and a
// fake Device's ReadPCM pulls from whichever output channel it is wired
// to (or nothing, for a dead/unwired input).
type fabric struct {
	mu       sync.Mutex
	channels map[string]chan []byte
}

func newFabric() *fabric {
	return &fabric{channels: make(map[string]chan []byte)}
}

func (f *fabric) chanFor(name string) chan []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[name]
	if !ok {
		ch = make(chan []byte, 256)
		f.channels[name] = ch
	}
	return ch
}

type fakeAudioDevice struct {
	out chan []byte
	in  chan []byte
}

func (d *fakeAudioDevice) WritePCM(pcm []byte) error {
	select {
	case d.out <- pcm:
	default:
	}
	return nil
}

func (d *fakeAudioDevice) ReadPCM() ([]byte, error) {
	select {
	case pcm := <-d.in:
		return pcm, nil
	default:
		return nil, nil
	}
}

func (d *fakeAudioDevice) Close() error { return nil }

// factoryFor builds a DeviceFactory for one peer: wiring maps this peer's
// input device names to the physical output channel name they are
// connected to. An input with no entry is a dead channel.
func factoryFor(fab *fabric, wiring map[string]string) DeviceFactory {
	return func(inputName, outputName string) (Device, error) {
		inboundChannel := wiring[inputName]
		if inboundChannel == "" {
			inboundChannel = "dead:" + inputName
		}
		return &fakeAudioDevice{
			out: fab.chanFor(outputName),
			in:  fab.chanFor(inboundChannel),
		}, nil
	}
}

// TestAudioDiscoverySelectsOnlyTheWiredPair builds two peers each with one
// working input/output device and one dead decoy, cross-wires only the
// "good" devices through a shared fabric, and asserts Discover converges
// on exactly that pair for both sides.
func TestAudioDiscoverySelectsOnlyTheWiredPair(t *testing.T) {
	fab := newFabric()

	// A's good output feeds B's good input, and vice versa. The "bad"
	// devices on each side are never wired to anything.
	peerAWiring := map[string]string{"A-in-good": "B-out-good"}
	peerBWiring := map[string]string{"B-in-good": "A-out-good"}

	cfg := DiscoveryConfig{
		Modulation:     string(ModulationRobust),
		PingInterval:   5 * time.Millisecond,
		FoundInterval:  5 * time.Millisecond,
		Timeout:        5 * time.Second,
		CandidateGrace: 200 * time.Millisecond,
	}

	var wg sync.WaitGroup
	var resultA, resultB Discovered
	var errA, errB error
	wg.Add(2)

	go func() {
		defer wg.Done()
		resultA, errA = Discover(cfg,
			[]string{"A-in-good", "A-in-bad"},
			[]string{"A-out-good", "A-out-bad"},
			factoryFor(fab, peerAWiring), nil)
	}()
	go func() {
		defer wg.Done()
		resultB, errB = Discover(cfg,
			[]string{"B-in-good", "B-in-bad"},
			[]string{"B-out-good", "B-out-bad"},
			factoryFor(fab, peerBWiring), nil)
	}()
	wg.Wait()

	require.NoError(t, errA)
	require.NoError(t, errB)

	require.Equal(t, "A-in-good", resultA.InputDevice)
	require.Equal(t, "A-out-good", resultA.OutputDevice)
	require.Equal(t, "B-in-good", resultB.InputDevice)
	require.Equal(t, "B-out-good", resultB.OutputDevice)
	require.Equal(t, ModulationRobust, resultA.Modulation)
	require.Equal(t, ModulationRobust, resultB.Modulation)
}

// TestAudioDiscoveryFailsWithNoWiring confirms Discover reports a timeout
// error rather than hanging or picking a dead device pair when no input
// is ever wired to an output.
func TestAudioDiscoveryFailsWithNoWiring(t *testing.T) {
	fab := newFabric()
	cfg := DiscoveryConfig{
		Modulation:    string(ModulationRobust),
		PingInterval:  5 * time.Millisecond,
		FoundInterval: 5 * time.Millisecond,
		Timeout:       150 * time.Millisecond,
	}

	_, err := Discover(cfg, []string{"in"}, []string{"out"}, factoryFor(fab, nil), nil)
	require.Error(t, err)
}
