package transport

import (
	"context"
	"errors"
	"time"

	"github.com/ebfe/scard"
)

const pcscPollInterval = 250 * time.Millisecond

// PCSCReader is a CardReader backed by the platform PC/SC service.
type PCSCReader struct {
	ctx *scard.Context
}

var _ CardReader = (*PCSCReader)(nil)

func NewPCSCReader() (*PCSCReader, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, err
	}
	return &PCSCReader{ctx: ctx}, nil
}

func (r *PCSCReader) Readers() ([]string, error) {
	readers, err := r.ctx.ListReaders()
	if errors.Is(err, scard.ErrNoReadersAvailable) {
		return nil, nil
	}
	return readers, err
}

func (r *PCSCReader) WaitForCard(ctx context.Context, reader string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	rs := []scard.ReaderState{{Reader: reader, CurrentState: scard.StateUnaware}}

	for {
		if rs[0].EventState&scard.StatePresent != 0 {
			return nil
		}
		rs[0].CurrentState = rs[0].EventState

		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return errors.New("no card presented on " + reader)
		}

		err := r.ctx.GetStatusChange(rs, pcscPollInterval)
		if err != nil && !errors.Is(err, scard.ErrTimeout) {
			return err
		}
	}
}

func (r *PCSCReader) Connect(reader string) (Card, error) {
	card, err := r.ctx.Connect(reader, scard.ShareExclusive, scard.ProtocolAny)
	if err != nil {
		return nil, err
	}
	return &pcscCard{card: card}, nil
}

func (r *PCSCReader) Release() error {
	return r.ctx.Release()
}

type pcscCard struct {
	card *scard.Card
}

func (c *pcscCard) Transmit(cmd []byte) ([]byte, error) {
	return c.card.Transmit(cmd)
}

func (c *pcscCard) Disconnect() error {
	return c.card.Disconnect(scard.LeaveCard)
}
