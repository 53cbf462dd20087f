// Package utxo manages the UTXO set.
package utxo

import "github.com/Klingon-tech/klingnet-chain/pkg/types"

// UTXO represents an unspent transaction output.
type UTXO struct {
	Outpoint types.Outpoint `json:"outpoint"`
	Value    uint64         `json:"value"`
	Script   types.Script   `json:"script"`
	Height   uint64         `json:"height"`
	Coinbase bool           `json:"coinbase"`
}

// IsMature reports whether a coinbase UTXO may be spent at currentHeight,
// given the required coinbase maturity window.
func (u *UTXO) IsMature(currentHeight, maturity uint64) bool {
	if !u.Coinbase {
		return true
	}
	return currentHeight >= u.Height+maturity
}

// Set is the interface for UTXO storage.
type Set interface {
	Get(outpoint types.Outpoint) (*UTXO, error)
	Put(utxo *UTXO) error
	Delete(outpoint types.Outpoint) error
	Has(outpoint types.Outpoint) (bool, error)
}
