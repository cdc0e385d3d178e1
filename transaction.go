package tapsign

import (
	"encoding/json"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

var ErrMissingGasPrice = errors.New("either gasPrice or maxFeePerGas must be set")

// TxRequest is an unsigned transaction in the JSON form wallets exchange.
// Setting gasPrice selects a fixed price transaction: an access list one when a
// chain id is given, a pre EIP-155 legacy one otherwise. Without gasPrice a
// dynamic fee transaction is built.
type TxRequest struct {
	ChainID              *hexutil.Big    `json:"chainId"`
	Nonce                hexutil.Uint64  `json:"nonce"`
	To                   *common.Address `json:"to"`
	Value                *hexutil.Big    `json:"value"`
	Data                 hexutil.Bytes   `json:"data"`
	Gas                  hexutil.Uint64  `json:"gas"`
	GasPrice             *hexutil.Big    `json:"gasPrice,omitempty"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
}

func ParseTxRequest(data []byte) (*TxRequest, error) {
	req := &TxRequest{}
	if err := json.Unmarshal(data, req); err != nil {
		return nil, err
	}
	return req, nil
}

// Transaction builds the unsigned transaction.
func (r *TxRequest) Transaction() (*ethtypes.Transaction, error) {
	value := bigOrZero(r.Value)

	if r.GasPrice != nil && r.ChainID != nil {
		return ethtypes.NewTx(&ethtypes.AccessListTx{
			ChainID:  r.ChainID.ToInt(),
			Nonce:    uint64(r.Nonce),
			GasPrice: r.GasPrice.ToInt(),
			Gas:      uint64(r.Gas),
			To:       r.To,
			Value:    value,
			Data:     r.Data,
		}), nil
	}

	if r.GasPrice != nil {
		return ethtypes.NewTx(&ethtypes.LegacyTx{
			Nonce:    uint64(r.Nonce),
			GasPrice: r.GasPrice.ToInt(),
			Gas:      uint64(r.Gas),
			To:       r.To,
			Value:    value,
			Data:     r.Data,
		}), nil
	}

	if r.MaxFeePerGas == nil {
		return nil, ErrMissingGasPrice
	}

	if r.ChainID == nil {
		return nil, errors.New("chainId is required for dynamic fee transactions")
	}

	return ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   r.ChainID.ToInt(),
		Nonce:     uint64(r.Nonce),
		GasTipCap: bigOrZero(r.MaxPriorityFeePerGas),
		GasFeeCap: r.MaxFeePerGas.ToInt(),
		Gas:       uint64(r.Gas),
		To:        r.To,
		Value:     value,
		Data:      r.Data,
	}), nil
}

func bigOrZero(b *hexutil.Big) *big.Int {
	if b == nil {
		return new(big.Int)
	}
	return b.ToInt()
}
