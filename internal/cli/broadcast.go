package cli

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Broadcaster submits signed transactions to the network.
type Broadcaster interface {
	Broadcast(ctx context.Context, rawTx string) (common.Hash, error)
	Close()
}

type rpcBroadcaster struct {
	client *ethclient.Client
}

func dialBroadcaster(ctx context.Context, rpcURL string) (Broadcaster, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	return &rpcBroadcaster{client: client}, nil
}

func (b *rpcBroadcaster) Broadcast(ctx context.Context, rawTx string) (common.Hash, error) {
	raw, err := hexutil.Decode(rawTx)
	if err != nil {
		return common.Hash{}, err
	}

	tx := new(ethtypes.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, err
	}

	if err := b.client.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, err
	}

	return tx.Hash(), nil
}

func (b *rpcBroadcaster) Close() {
	b.client.Close()
}
