package pipe

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/loykin/simrunner/internal/message"
)

// Signal is a protocol-level item that is intercepted by the endpoint and never
// handed to the receive callback.
type Signal int

const (
	// CloseNotification tells the peer that this side wants to close.
	CloseNotification Signal = 1
	// CloseConfirmation answers a CloseNotification once the peer has drained.
	CloseConfirmation Signal = 2
)

func (s Signal) String() string {
	switch s {
	case CloseNotification:
		return "close_notification"
	case CloseConfirmation:
		return "close_confirmation"
	default:
		return fmt.Sprintf("signal(%d)", int(s))
	}
}

// MaxFrameSize bounds a single frame payload.
const MaxFrameSize = 64 << 20

const headerSize = 4

// item is one outbound queue entry: either a signal or a message.
type item struct {
	signal Signal
	msg    message.Instance
}

type wireFrame struct {
	Signal  Signal          `json:"signal,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
}

func encodeItem(it item) ([]byte, error) {
	wf := wireFrame{Signal: it.signal}
	if it.msg != nil {
		raw, err := message.EncodeInstance(it.msg)
		if err != nil {
			return nil, err
		}
		wf.Message = raw
	}
	payload, err := json.Marshal(wf)
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", len(payload))
	}
	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[headerSize:], payload)
	return buf, nil
}

func writeItem(w io.Writer, it item) error {
	b, err := encodeItem(it)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// nextFrame extracts one complete frame from buf. It returns the remaining
// bytes and ok=false when buf does not yet hold a whole frame.
func nextFrame(buf []byte) (wireFrame, []byte, bool, error) {
	if len(buf) < headerSize {
		return wireFrame{}, buf, false, nil
	}
	n := binary.BigEndian.Uint32(buf)
	if n > MaxFrameSize {
		return wireFrame{}, buf, false, fmt.Errorf("%w: frame length %d exceeds limit", ErrTransport, n)
	}
	end := headerSize + int(n)
	if len(buf) < end {
		return wireFrame{}, buf, false, nil
	}
	var wf wireFrame
	err := json.Unmarshal(buf[headerSize:end], &wf)
	return wf, buf[end:], true, err
}
