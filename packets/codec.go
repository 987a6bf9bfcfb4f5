package packets

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

// All integers on the control, video and result channels are
// big-endian int32

func ReadInt32(r io.Reader) (int32, error) {
	bts := make([]byte, 4)
	if _, err := io.ReadFull(r, bts); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(bts)), nil
}

func WriteInt32(w io.Writer, v int32) error {
	bts := make([]byte, 4)
	binary.BigEndian.PutUint32(bts, uint32(v))
	_, err := w.Write(bts)
	return err
}

func ReadCommand(r io.Reader) (Command, error) {
	v, err := ReadInt32(r)
	return Command(v), err
}

// ReadPayload reads an int32 length followed by that many bytes
func ReadPayload(r io.Reader) ([]byte, error) {
	length, err := ReadInt32(r)
	if err != nil {
		return nil, err
	}
	if length < 0 || length > MAX_PAYLOAD_SIZE {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, length)
	}
	return ReadExactly(r, int(length))
}

// ReadExactly reads a raw payload whose size was announced out of band
func ReadExactly(r io.Reader, size int) ([]byte, error) {
	if size < 0 || size > MAX_PAYLOAD_SIZE {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// AppendPayload appends the length-prefixed form of data to buf
func AppendPayload(buf []byte, data []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(data)))
	return append(buf, data...)
}

// WritePayload writes length and data in a single Write call
func WritePayload(w io.Writer, data []byte) error {
	_, err := w.Write(AppendPayload(make([]byte, 0, 4+len(data)), data))
	return err
}

// ReadJSON reads a length-prefixed UTF-8 JSON document into v
func ReadJSON(r io.Reader, v interface{}) error {
	payload, err := ReadPayload(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	return nil
}

func WriteJSON(w io.Writer, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return WritePayload(w, payload)
}
