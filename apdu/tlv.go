package apdu

import (
	"errors"
	"fmt"
)

var ErrTruncatedTLV = errors.New("truncated tlv")

// ErrTagNotFound is returned when a tag path does not exist in a TLV sequence.
type ErrTagNotFound struct {
	tag uint8
}

func (e *ErrTagNotFound) Error() string {
	return fmt.Sprintf("tag %x not found", e.tag)
}

// FindTag returns the value at a path of nested tags, outermost first.
func FindTag(raw []byte, tags ...uint8) ([]byte, error) {
	return FindTagN(raw, 0, tags...)
}

// FindTagN is FindTag for the n-th occurrence (zero based) of the last tag in the path.
func FindTagN(raw []byte, n int, tags ...uint8) ([]byte, error) {
	if len(tags) == 0 {
		return raw, nil
	}

	for len(raw) > 0 {
		tag, value, rest, err := next(raw)
		if err != nil {
			return nil, err
		}
		raw = rest

		if tag != tags[0] {
			continue
		}

		if len(tags) > 1 {
			return FindTagN(value, n, tags[1:]...)
		}

		if n == 0 {
			return value, nil
		}
		n--
	}

	return []byte{}, &ErrTagNotFound{tags[0]}
}

// next splits the first TLV element off raw.
func next(raw []byte) (tag uint8, value, rest []byte, err error) {
	if len(raw) < 2 {
		return 0, nil, nil, ErrTruncatedTLV
	}

	tag = raw[0]
	length, header, err := parseLength(raw[1:])
	if err != nil {
		return 0, nil, nil, err
	}

	start := 1 + header
	if len(raw) < start+length {
		return 0, nil, nil, ErrTruncatedTLV
	}

	return tag, raw[start : start+length], raw[start+length:], nil
}

// parseLength decodes a BER length in short form or in long form with up to
// two length bytes, returning the length and the bytes it occupied.
func parseLength(b []byte) (int, int, error) {
	if b[0]&0x80 == 0 {
		return int(b[0]), 1, nil
	}

	n := int(b[0] & 0x7F)
	if n == 0 || n > 2 {
		return 0, 0, fmt.Errorf("unsupported length encoding %x", b[0])
	}
	if len(b) < 1+n {
		return 0, 0, ErrTruncatedTLV
	}

	length := 0
	for _, lb := range b[1 : 1+n] {
		length = length<<8 | int(lb)
	}

	return length, 1 + n, nil
}
