package command

import "fmt"

// PacketSize is the fixed datagram length: throttle byte then angle byte.
const PacketSize = 2

// Encode returns the two-byte wire form of cmd under calibration c.
func (c Calibration) Encode(cmd Command) [PacketSize]byte {
	return [PacketSize]byte{c.ThrottleValue(cmd.Throttle), c.SteeringValue(cmd.Steering)}
}

// Packet is a raw datagram as seen by the receiver.
type Packet struct {
	Speed uint8
	Angle uint8
}

// DecodePacket reads the first two bytes of b. Trailing bytes are ignored.
func DecodePacket(b []byte) (Packet, error) {
	if len(b) < PacketSize {
		return Packet{}, fmt.Errorf("command: short packet (%d bytes, need %d)", len(b), PacketSize)
	}
	return Packet{Speed: b[0], Angle: b[1]}, nil
}
