package tapsign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/status-im/tapsign-go/types"
)

var ErrFlightLockNotHeld = errors.New("sign requires the flight lock")

// CommandSet issues typed card commands over any channel and maps card errors
// to the package error types.
type CommandSet struct {
	c types.Channel
}

func NewCommandSet(c types.Channel) *CommandSet {
	return &CommandSet{c: c}
}

func (cs *CommandSet) GetDataStruct(ctx context.Context, fields ...string) (*types.DataStructResponse, error) {
	cmd := NewCommandGetDataStruct(fields...)
	out := &types.DataStructResponse{}
	if err := cs.send(ctx, cmd, out); err != nil {
		return nil, err
	}

	return out, nil
}

func (cs *CommandSet) GetKeyInfo(ctx context.Context, slot int) (*types.KeyInfoResponse, error) {
	cmd := NewCommandGetKeyInfo(slot)
	out := &types.KeyInfoResponse{}
	if err := cs.send(ctx, cmd, out); err != nil {
		return nil, err
	}

	if out.PublicKey == "" {
		return nil, fmt.Errorf("key info for slot %d has no public key", slot)
	}

	return out, nil
}

// Sign asks the card to sign digest with the key in slot and returns the
// recoverable signature. ctx must come from FlightLock.TryAcquire.
func (cs *CommandSet) Sign(ctx context.Context, slot int, digest []byte, password string) (*types.Signature, error) {
	if !HoldsFlightLock(ctx) {
		return nil, ErrFlightLockNotHeld
	}

	cmd := NewCommandSign(slot, digest, password)
	out := &types.SignResponse{}
	if err := cs.send(ctx, cmd, out); err != nil {
		return nil, err
	}

	return types.ParseSignResponse(digest, out)
}

func (cs *CommandSet) send(ctx context.Context, cmd *types.Command, out interface{}) error {
	resp, err := cs.c.Execute(ctx, cmd)
	if err = cs.checkOK(resp, err); err != nil {
		return err
	}

	if len(resp.Data) == 0 {
		return fmt.Errorf("empty %s response", cmd.Name)
	}

	return json.Unmarshal(resp.Data, out)
}

func (cs *CommandSet) checkOK(resp *types.Response, err error) error {
	if err != nil {
		return err
	}

	if resp == nil {
		return types.ErrTransportClosed
	}

	if resp.Error == nil {
		return nil
	}

	switch resp.Error.Name {
	case types.ErrorWrongPassword:
		return &types.WrongPINError{RemainingAttempts: remainingAttempts(resp.Error.Message)}
	case types.ErrorCardAbsent:
		return &types.CardNotDetectedError{Reason: resp.Error.Message}
	default:
		return resp.Error
	}
}

func remainingAttempts(message string) int {
	var n int
	if _, err := fmt.Sscanf(message, "remaining attempts: %d", &n); err != nil {
		return -1
	}
	return n
}
