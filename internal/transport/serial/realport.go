package serial

import (
	"fmt"

	tarmserial "github.com/tarm/serial"
	"golang.org/x/sys/unix"
)

// BaudPreference is the closest-available baud rate search order from the
// original TTY configuration (3M down to 115200).
var BaudPreference = []int{3000000, 2000000, 1000000, 921600, 460800, 230400, 115200}

// OpenRealPort opens a physical serial device via github.com/tarm/serial
// and, when configureTTY is set, applies the raw-mode termios attributes
// (8N1, CLOCAL|CREAD, VMIN=0 VTIME=0) the original TTY configuration step
// describes. tarm/serial's own Config only accepts one baud; callers pass
// their preferred rate and OpenRealPort does not probe further, since
// tarm/serial already fails fast on an invalid request.
func OpenRealPort(devicePath string, baud int, configureTTY bool) (Port, error) {
	port, err := tarmserial.OpenPort(&tarmserial.Config{
		Name: devicePath,
		Baud: baud,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", devicePath, err)
	}
	if configureTTY {
		if err := applyRawTermios(devicePath); err != nil {
			port.Close()
			return nil, err
		}
	}
	return port, nil
}

// applyRawTermios re-opens the device's fd just long enough to set the
// raw-mode termios bits that tarm/serial's own config surface doesn't
// expose (CLOCAL, CREAD, VMIN/VTIME), using golang.org/x/sys/unix since
// that is the lowest-level knob the pack offers for this.
func applyRawTermios(devicePath string) error {
	fd, err := unix.Open(devicePath, unix.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return fmt.Errorf("reopen %s for termios config: %w", devicePath, err)
	}
	defer unix.Close(fd)

	attrs, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		// Non-tty fds (e.g. in tests) are tolerated, matching the original's
		// termios.error catch-and-return.
		return nil
	}

	attrs.Iflag = 0
	attrs.Oflag = 0
	attrs.Cflag |= unix.CLOCAL | unix.CREAD
	attrs.Cflag &^= unix.PARENB | unix.CSTOPB | unix.CSIZE
	attrs.Cflag |= unix.CS8
	attrs.Lflag = 0
	attrs.Cc[unix.VMIN] = 0
	attrs.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, attrs); err != nil {
		return fmt.Errorf("configure serial tty attributes: %w", err)
	}
	return nil
}
