// Package wire defines the frame envelope that caplink peers exchange and the
// length-delimited framing used to put frames on a byte stream.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Frame is one unit written to or read from a peer channel.
//
// Seq is assigned by the sender and increases by one for every data frame.
// Seq == 0 is reserved for frames that carry no application payload; such
// frames are processed for their Ack field only. Ack, when non-zero, is the
// highest contiguous sequence the sender has received from this peer.
type Frame struct {
	Seq    uint32            `json:"seq"`
	Ack    uint32            `json:"ack,omitempty"`
	Method string            `json:"method,omitempty"`
	Params []json.RawMessage `json:"params,omitempty"`
}

func (f *Frame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

func Unmarshal(data []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}
	return f, nil
}

func (f *Frame) String() string {
	if f.Seq == 0 {
		return fmt.Sprintf("ACK %d", f.Ack)
	}
	return fmt.Sprintf("DATA %d (ack %d) %s", f.Seq, f.Ack, f.Method)
}

// lenSize is the size of the length prefix preceding each frame.
const lenSize = 4

// ReadDelimited reads one length-prefixed message from r. It returns io.EOF
// untouched when the stream ends cleanly before a length prefix, so callers
// can tell a graceful shutdown from a truncated frame.
func ReadDelimited(r io.Reader, limit uint32) ([]byte, error) {
	lb := make([]byte, lenSize)
	if _, err := io.ReadFull(r, lb); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("truncated frame length: %w", err)
		}
		return nil, err
	}
	l := binary.BigEndian.Uint32(lb)
	if limit > 0 && l > limit {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit %d", l, limit)
	}
	data := make([]byte, l)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("truncated frame body: %w", err)
	}
	return data, nil
}

// WriteDelimited writes data to w preceded by its length.
func WriteDelimited(w io.Writer, data []byte) error {
	lb := make([]byte, lenSize)
	binary.BigEndian.PutUint32(lb, uint32(len(data)))
	if _, err := w.Write(lb); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}
