package audiomodem

// Device is the duck-typed PCM duplex dependency: a mono 16-bit stream in
// and out. *PortAudioDevice (backed by github.com/gordonklaus/portaudio)
// satisfies it against real hardware; tests use an in-memory fake.
type Device interface {
	// ReadPCM blocks until at least one chunk of captured audio is
	// available and returns it as little-endian int16 bytes.
	ReadPCM() ([]byte, error)
	// WritePCM plays the given little-endian int16 PCM bytes.
	WritePCM(pcm []byte) error
	Close() error
}
