// Package wire frames the messages exchanged between nodes and the backend.
//
// Every message is a frame of a 4-byte big-endian body length followed by
// the body. A request body is the op code, a 16-byte request id and the
// encoded filter; a response body is a status byte and a UTF-8 message.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	MaxFrameSize  = 16 << 20
	RequestIDSize = 16

	requestHeader = 1 + RequestIDSize
)

var (
	ErrFrameTooLarge = errors.New("wire: frame too large")
	ErrBadRequest    = errors.New("wire: malformed request")
	ErrBadResponse   = errors.New("wire: malformed response")
)

type Op uint8

const (
	OpRegister Op = 1
	OpQuery    Op = 2
)

func (op Op) String() string {
	switch op {
	case OpRegister:
		return "register"
	case OpQuery:
		return "query"
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

type Status uint8

const (
	StatusRegistered Status = 0
	StatusMatched    Status = 1
	StatusNotMatched Status = 2
	StatusError      Status = 255
)

func (s Status) String() string {
	switch s {
	case StatusRegistered:
		return "registered"
	case StatusMatched:
		return "matched"
	case StatusNotMatched:
		return "not matched"
	case StatusError:
		return "error"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// RequestID lets the backend recognise a retried registration. The zero
// value means no id.
type RequestID [RequestIDSize]byte

func (id RequestID) IsZero() bool { return id == RequestID{} }

type Request struct {
	Op     Op
	ID     RequestID
	Filter []byte
}

type Response struct {
	Status  Status
	Message string
}

// #############################################################################

// ReadFrame reads one frame body of at most limit bytes.
func ReadFrame(r io.Reader, limit int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if uint64(length) > uint64(limit) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// WriteFrame writes body as one frame.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	_, err := w.Write(frame)
	return err
}

// #############################################################################

func (r Request) MarshalBinary() ([]byte, error) {
	if r.Op != OpRegister && r.Op != OpQuery {
		return nil, fmt.Errorf("%w: unknown %s", ErrBadRequest, r.Op)
	}
	out := make([]byte, 0, requestHeader+len(r.Filter))
	out = append(out, byte(r.Op))
	out = append(out, r.ID[:]...)
	return append(out, r.Filter...), nil
}

func (r *Request) UnmarshalBinary(data []byte) error {
	if len(data) < requestHeader {
		return fmt.Errorf("%w: %d bytes", ErrBadRequest, len(data))
	}
	op := Op(data[0])
	if op != OpRegister && op != OpQuery {
		return fmt.Errorf("%w: unknown %s", ErrBadRequest, op)
	}
	r.Op = op
	copy(r.ID[:], data[1:requestHeader])
	r.Filter = data[requestHeader:]
	return nil
}

func (r Response) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, 1+len(r.Message))
	out = append(out, byte(r.Status))
	return append(out, r.Message...), nil
}

func (r *Response) UnmarshalBinary(data []byte) error {
	if len(data) < 1 {
		return ErrBadResponse
	}
	r.Status = Status(data[0])
	r.Message = string(data[1:])
	return nil
}

// WriteRequest frames and writes req.
func WriteRequest(w io.Writer, req Request) error {
	body, err := req.MarshalBinary()
	if err != nil {
		return err
	}
	return WriteFrame(w, body)
}

// ReadRequest reads and decodes one request frame.
func ReadRequest(r io.Reader, limit int) (Request, error) {
	var req Request
	body, err := ReadFrame(r, limit)
	if err != nil {
		return req, err
	}
	err = req.UnmarshalBinary(body)
	return req, err
}

func WriteResponse(w io.Writer, resp Response) error {
	body, _ := resp.MarshalBinary()
	return WriteFrame(w, body)
}

func ReadResponse(r io.Reader) (Response, error) {
	var resp Response
	body, err := ReadFrame(r, MaxFrameSize)
	if err != nil {
		return resp, err
	}
	err = resp.UnmarshalBinary(body)
	return resp, err
}
