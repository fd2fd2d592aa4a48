// Wire framing per spec §4.6: every broker->client frame is
// [4-byte BE size][4-byte BE type][body]; a Message body is
// [8-byte BE timestamp ns][2-byte BE attempts][16-byte id][payload].
package broker

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/nsqcore/nsqcore/internal/message"
)

// Frame types, per spec §4.6.
const (
	FrameTypeResponse int32 = 0
	FrameTypeError    int32 = 1
	FrameTypeMessage  int32 = 2
)

// WriteFrame writes [size][type][body] to w, where size counts the
// 4-byte type field plus len(body).
func WriteFrame(w io.Writer, frameType int32, body []byte) error {
	size := uint32(4 + len(body))
	var header [8]byte
	binary.BigEndian.PutUint32(header[0:4], size)
	binary.BigEndian.PutUint32(header[4:8], uint32(frameType))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadFrame reads one [size][type][body] frame from r.
func ReadFrame(r *bufio.Reader) (frameType int32, body []byte, err error) {
	var header [8]byte
	if _, err = io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	size := binary.BigEndian.Uint32(header[0:4])
	frameType = int32(binary.BigEndian.Uint32(header[4:8]))
	if size < 4 {
		return 0, nil, fmt.Errorf("wire: invalid frame size %d", size)
	}
	body = make([]byte, size-4)
	if _, err = io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return frameType, body, nil
}

// EncodeMessageBody renders m as a Message frame body:
// [8-byte ts][2-byte attempts][16-byte id][payload].
func EncodeMessageBody(m *message.Message) []byte {
	buf := make([]byte, 8+2+message.IDLength+len(m.Body))
	binary.BigEndian.PutUint64(buf[0:8], uint64(m.Timestamp))
	binary.BigEndian.PutUint16(buf[8:10], m.Attempts)
	copy(buf[10:10+message.IDLength], m.ID[:])
	copy(buf[10+message.IDLength:], m.Body)
	return buf
}

// DecodeMessageBody parses a Message frame body back into a Message, used
// by test harnesses driving the protocol as a client would.
func DecodeMessageBody(body []byte) (*message.Message, error) {
	if len(body) < 10+message.IDLength {
		return nil, fmt.Errorf("wire: message body too short")
	}
	m := &message.Message{
		Timestamp: int64(binary.BigEndian.Uint64(body[0:8])),
		Attempts:  binary.BigEndian.Uint16(body[8:10]),
	}
	copy(m.ID[:], body[10:10+message.IDLength])
	m.Body = append([]byte(nil), body[10+message.IDLength:]...)
	return m, nil
}
