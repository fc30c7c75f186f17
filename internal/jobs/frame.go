package jobs

import (
	"bytes"
	"errors"
	"fmt"
)

// OutputIDSize is the fixed width of the output id field that prefixes every
// binary payload handed to clients.
const OutputIDSize = 32

// EncodeOutputFrame prefixes payload with the output id, NUL-padded to
// OutputIDSize bytes. The id must be printable ASCII and fit the field, so
// decoders can strip the padding unambiguously.
func EncodeOutputFrame(outputID string, payload []byte) ([]byte, error) {
	if outputID == "" {
		return nil, errors.New("empty output id")
	}
	if len(outputID) > OutputIDSize {
		return nil, fmt.Errorf("output id %q longer than %d bytes", outputID, OutputIDSize)
	}
	for i := 0; i < len(outputID); i++ {
		if c := outputID[i]; c <= 0x20 || c > 0x7e {
			return nil, fmt.Errorf("output id contains unprintable byte 0x%02x", c)
		}
	}

	frame := make([]byte, OutputIDSize+len(payload))
	copy(frame, outputID)
	copy(frame[OutputIDSize:], payload)
	return frame, nil
}

// DecodeOutputFrame splits a frame into its output id and payload.
func DecodeOutputFrame(frame []byte) (string, []byte, error) {
	if len(frame) < OutputIDSize {
		return "", nil, fmt.Errorf("frame too short: %d bytes", len(frame))
	}
	id := frame[:OutputIDSize]
	end := bytes.IndexByte(id, 0)
	if end == 0 {
		return "", nil, errors.New("empty output id")
	}
	if end < 0 {
		end = OutputIDSize
	}
	return string(id[:end]), frame[OutputIDSize:], nil
}
