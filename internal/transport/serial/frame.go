// Package serial implements the USB/serial framed-ARQ transport (C7): a
// big-endian length+CRC32-prefixed frame format with stop-and-wait
// acknowledgement and retransmission.
package serial

import (
	"encoding/binary"
	"hash/crc32"
)

const (
	magic         = "USBS"
	version       = 1
	typeData byte = 1
	typeAck  byte = 2

	// headerSize is magic(4) + version(1) + type(1) + seq(4) + payload_len(4) + payload_crc(4).
	headerSize = 4 + 1 + 1 + 4 + 4 + 4
)

// buildFrame assembles a wire frame per §4.7/§6: big-endian header followed
// by the raw payload. ACK frames always carry a zero CRC and empty
// payload.
func buildFrame(frameType byte, seq uint32, payload []byte) []byte {
	var crc uint32
	if frameType == typeData {
		crc = crc32.ChecksumIEEE(payload)
	}

	out := make([]byte, headerSize+len(payload))
	copy(out[0:4], magic)
	out[4] = version
	out[5] = frameType
	binary.BigEndian.PutUint32(out[6:10], seq)
	binary.BigEndian.PutUint32(out[10:14], uint32(len(payload)))
	binary.BigEndian.PutUint32(out[14:18], crc)
	copy(out[headerSize:], payload)
	return out
}

// parsedFrame is one successfully-parsed frame from the rx buffer.
type parsedFrame struct {
	frameType byte
	seq       uint32
	payload   []byte
}

// parseFrames scans buf for frames, returning every complete frame found
// and the unconsumed remainder. Bad magic/version bytes are skipped one
// byte at a time until resynchronized, matching the original parser's
// resync-on-bad-header behavior.
func parseFrames(buf []byte, maxFrameBytes int) (frames []parsedFrame, remainder []byte) {
	for {
		if len(buf) < headerSize {
			return frames, buf
		}
		idx := indexOfMagic(buf)
		if idx < 0 {
			// Keep a short tail in case the magic straddles the chunk boundary.
			keep := 3
			if len(buf) < keep {
				keep = len(buf)
			}
			return frames, buf[len(buf)-keep:]
		}
		if idx > 0 {
			buf = buf[idx:]
			continue
		}

		ver := buf[4]
		ftype := buf[5]
		seq := binary.BigEndian.Uint32(buf[6:10])
		payloadLen := binary.BigEndian.Uint32(buf[10:14])
		payloadCRC := binary.BigEndian.Uint32(buf[14:18])

		if ver != version || int(payloadLen) > maxFrameBytes {
			buf = buf[1:]
			continue
		}

		frameSize := headerSize + int(payloadLen)
		if len(buf) < frameSize {
			return frames, buf
		}

		payload := append([]byte(nil), buf[headerSize:frameSize]...)
		buf = buf[frameSize:]

		if ftype == typeData && crc32.ChecksumIEEE(payload) != payloadCRC {
			// CRC failure: drop this frame, keep scanning the rest of buf.
			continue
		}

		frames = append(frames, parsedFrame{frameType: ftype, seq: seq, payload: payload})
	}
}

func indexOfMagic(buf []byte) int {
	for i := 0; i+4 <= len(buf); i++ {
		if string(buf[i:i+4]) == magic {
			return i
		}
	}
	return -1
}
