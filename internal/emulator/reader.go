package emulator

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/status-im/tapsign-go/apdu"
	"github.com/status-im/tapsign-go/transport"
	"github.com/status-im/tapsign-go/types"
)

const pollInterval = 10 * time.Millisecond

var (
	ErrNoCard      = errors.New("no card in field")
	ErrCardRemoved = errors.New("card removed")
)

// Reader is an in-memory CardReader holding one Card that tests can place on
// and lift from the reader.
type Reader struct {
	mu       sync.Mutex
	name     string
	aid      []byte
	card     *Card
	present  bool
	released bool
}

var _ transport.CardReader = (*Reader)(nil)

func NewReader(name string, aid []byte, card *Card) *Reader {
	return &Reader{name: name, aid: aid, card: card, present: true}
}

func (r *Reader) Present() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.present = true
}

func (r *Reader) Remove() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.present = false
}

func (r *Reader) Released() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}

func (r *Reader) isPresent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.present
}

func (r *Reader) Readers() ([]string, error) {
	return []string{r.name}, nil
}

func (r *Reader) WaitForCard(ctx context.Context, reader string, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for !r.isPresent() {
		select {
		case <-ticker.C:
		case <-deadline.C:
			return ErrNoCard
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

func (r *Reader) Connect(reader string) (transport.Card, error) {
	if !r.isPresent() {
		return nil, ErrNoCard
	}
	return &connectedCard{reader: r}, nil
}

func (r *Reader) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = true
	return nil
}

type connectedCard struct {
	reader *Reader
}

func (c *connectedCard) Transmit(raw []byte) ([]byte, error) {
	if !c.reader.isPresent() {
		return nil, ErrCardRemoved
	}
	return c.reader.handle(raw)
}

func (c *connectedCard) Disconnect() error {
	return nil
}

type wrappedResponse struct {
	Data  interface{}         `cbor:"data,omitempty"`
	Error *types.CommandError `cbor:"error,omitempty"`
}

// handle answers SELECT and wrapped command APDUs.
func (r *Reader) handle(raw []byte) ([]byte, error) {
	cmd, err := apdu.ParseCommand(raw)
	if err != nil {
		return nil, err
	}

	switch cmd.Ins() {
	case apdu.InsSelect:
		if !bytes.Equal(cmd.Data(), r.aid) {
			return (&apdu.Response{Sw: apdu.SwFileNotFound}).Serialize(), nil
		}
		name := append([]byte{apdu.TagFCIName, byte(len(r.aid))}, r.aid...)
		fci := append([]byte{apdu.TagFCITemplate, byte(len(name))}, name...)
		return (&apdu.Response{Data: fci, Sw: apdu.SwOK}).Serialize(), nil
	case apdu.InsExecute:
		var named types.Command
		if err := cbor.Unmarshal(cmd.Data(), &named); err != nil {
			return (&apdu.Response{Sw: apdu.SwWrongData}).Serialize(), nil
		}

		data, cardErr := r.card.Execute(&named)
		payload, err := cbor.Marshal(wrappedResponse{Data: data, Error: cardErr})
		if err != nil {
			return nil, err
		}
		return (&apdu.Response{Data: payload, Sw: apdu.SwOK}).Serialize(), nil
	default:
		return (&apdu.Response{Sw: apdu.SwInsNotSupported}).Serialize(), nil
	}
}
