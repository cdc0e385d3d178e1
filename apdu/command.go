package apdu

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	SwOK                = 0x9000
	SwFileNotFound      = 0x6A82
	SwConditionsNotMet  = 0x6985
	SwWrongData         = 0x6A80
	SwInsNotSupported   = 0x6D00
	maxShortDataLength  = 255
	maxExtendedDataSize = 65535
)

var (
	ErrResponseTooShort = errors.New("response too short")
	ErrCommandTooShort  = errors.New("command too short")
)

// Command is an ISO 7816-4 command APDU.
type Command struct {
	cla        uint8
	ins        uint8
	p1         uint8
	p2         uint8
	data       []byte
	requiresLe bool
	le         uint8
}

func NewCommand(cla, ins, p1, p2 uint8, data []byte) *Command {
	return &Command{
		cla:  cla,
		ins:  ins,
		p1:   p1,
		p2:   p2,
		data: data,
	}
}

func (c *Command) SetLe(le uint8) {
	c.requiresLe = true
	c.le = le
}

func (c *Command) Ins() uint8 {
	return c.ins
}

func (c *Command) Data() []byte {
	return c.data
}

// Serialize encodes the command, switching to extended length when the data does
// not fit a short APDU.
func (c *Command) Serialize() ([]byte, error) {
	if len(c.data) > maxExtendedDataSize {
		return nil, fmt.Errorf("command data too long: %d bytes", len(c.data))
	}

	buf := new(bytes.Buffer)
	buf.Write([]byte{c.cla, c.ins, c.p1, c.p2})

	switch {
	case len(c.data) == 0:
	case len(c.data) <= maxShortDataLength:
		buf.WriteByte(uint8(len(c.data)))
		buf.Write(c.data)
	default:
		buf.WriteByte(0)
		if err := binary.Write(buf, binary.BigEndian, uint16(len(c.data))); err != nil {
			return nil, err
		}
		buf.Write(c.data)
	}

	if c.requiresLe {
		if len(c.data) > maxShortDataLength {
			buf.Write([]byte{0, 0})
		} else {
			buf.WriteByte(c.le)
		}
	}

	return buf.Bytes(), nil
}

// ParseCommand decodes a serialized command APDU, short or extended.
func ParseCommand(raw []byte) (*Command, error) {
	if len(raw) < 4 {
		return nil, ErrCommandTooShort
	}

	cmd := NewCommand(raw[0], raw[1], raw[2], raw[3], nil)
	body := raw[4:]

	switch {
	case len(body) == 0:
	case len(body) == 1:
		cmd.SetLe(body[0])
	case body[0] == 0 && len(body) >= 3:
		n := int(binary.BigEndian.Uint16(body[1:3]))
		if len(body) < 3+n {
			return nil, ErrCommandTooShort
		}
		cmd.data = body[3 : 3+n]
		if len(body) > 3+n {
			cmd.SetLe(0)
		}
	default:
		n := int(body[0])
		if len(body) < 1+n {
			return nil, ErrCommandTooShort
		}
		cmd.data = body[1 : 1+n]
		if len(body) > 1+n {
			cmd.SetLe(body[1+n])
		}
	}

	return cmd, nil
}

// Response is an ISO 7816-4 response APDU.
type Response struct {
	Data []byte
	Sw   uint16
}

func ParseResponse(raw []byte) (*Response, error) {
	if len(raw) < 2 {
		return nil, ErrResponseTooShort
	}

	n := len(raw) - 2
	return &Response{
		Data: raw[:n],
		Sw:   binary.BigEndian.Uint16(raw[n:]),
	}, nil
}

func (r *Response) Serialize() []byte {
	out := make([]byte, len(r.Data)+2)
	copy(out, r.Data)
	binary.BigEndian.PutUint16(out[len(r.Data):], r.Sw)
	return out
}

func (r *Response) IsOK() bool {
	return r.Sw == SwOK
}

type ErrBadResponse struct {
	sw      uint16
	message string
}

func NewErrBadResponse(sw uint16, message string) *ErrBadResponse {
	return &ErrBadResponse{
		sw:      sw,
		message: message,
	}
}

func (e *ErrBadResponse) Error() string {
	return fmt.Sprintf("bad response %x: %s", e.sw, e.message)
}

func (e *ErrBadResponse) Sw() uint16 {
	return e.sw
}
