package wire

import (
	"io"

	"github.com/danmuck/spine/internal/protocol/frame"
)

// Write encodes m and writes it as one frame.
func Write(w io.Writer, messageID uint64, m Message) error {
	f, err := Encode(messageID, m)
	if err != nil {
		return err
	}
	return frame.WriteFrame(w, f, frame.DefaultLimits())
}

// Read reads one frame and decodes it. Transport errors are returned as-is;
// decode failures wrap ErrMalformed so callers can keep the stream alive.
func Read(r io.Reader) (Message, frame.Header, error) {
	f, err := frame.ReadFrame(r, frame.DefaultLimits())
	if err != nil {
		return Message{}, frame.Header{}, err
	}
	m, err := Decode(f)
	return m, f.Header, err
}
