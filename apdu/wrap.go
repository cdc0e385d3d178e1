package apdu

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

const (
	ClaISO7816    = uint8(0x00)
	InsSelect     = uint8(0xA4)
	InsExecute    = uint8(0xCB)
	P1SelectByAID = uint8(0x04)

	TagFCITemplate = uint8(0x6F)
	TagFCIName     = uint8(0x84)
)

// Maps decode with string keys so results can be re-encoded as JSON.
var decMode, _ = cbor.DecOptions{
	DefaultMapType: reflect.TypeOf(map[string]interface{}{}),
}.DecMode()

func NewCommandSelect(aid []byte) *Command {
	cmd := NewCommand(ClaISO7816, InsSelect, P1SelectByAID, 0, aid)
	cmd.SetLe(0)
	return cmd
}

// Wrap serializes value with CBOR and wraps it into an execute command APDU.
func Wrap(value interface{}) ([]byte, error) {
	payload, err := cbor.Marshal(value)
	if err != nil {
		return nil, err
	}

	return NewCommand(ClaISO7816, InsExecute, 0, 0, payload).Serialize()
}

// Unwrap parses a response APDU, checks the status word and decodes the CBOR
// payload into out.
func Unwrap(raw []byte, out interface{}) error {
	resp, err := ParseResponse(raw)
	if err != nil {
		return err
	}

	if !resp.IsOK() {
		return NewErrBadResponse(resp.Sw, "unexpected response")
	}

	return decMode.Unmarshal(resp.Data, out)
}
