// Package tx defines transaction types and validation.
package tx

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Transaction represents a blockchain transaction.
type Transaction struct {
	Version  uint32   `json:"version"`
	Inputs   []Input  `json:"inputs"`
	Outputs  []Output `json:"outputs"`
	LockTime uint64   `json:"locktime"`
}

// Input references a UTXO being spent.
//
// Signature/PubKey carry legacy inline spending data. Witness carries the
// segregated witness stack for ScriptTypeWitnessV0 inputs; it is excluded
// from SigningBytes so the base transaction ID is stable regardless of
// how the witness is satisfied.
type Input struct {
	PrevOut   types.Outpoint `json:"prevout"`
	Sequence  uint32         `json:"sequence"`
	Signature []byte         `json:"signature"`
	PubKey    []byte         `json:"pubkey"`
	Witness   [][]byte       `json:"witness,omitempty"`
}

// inputJSON is the JSON representation of Input with hex-encoded byte fields.
type inputJSON struct {
	PrevOut   types.Outpoint `json:"prevout"`
	Sequence  uint32         `json:"sequence"`
	Signature *string        `json:"signature"`
	PubKey    *string        `json:"pubkey"`
	Witness   []string       `json:"witness,omitempty"`
}

// MarshalJSON encodes the input with hex-encoded signature, pubkey, and witness.
func (in Input) MarshalJSON() ([]byte, error) {
	j := inputJSON{PrevOut: in.PrevOut, Sequence: in.Sequence}
	if in.Signature != nil {
		s := hex.EncodeToString(in.Signature)
		j.Signature = &s
	}
	if in.PubKey != nil {
		p := hex.EncodeToString(in.PubKey)
		j.PubKey = &p
	}
	if len(in.Witness) > 0 {
		j.Witness = make([]string, len(in.Witness))
		for i, w := range in.Witness {
			j.Witness[i] = hex.EncodeToString(w)
		}
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes an input with hex-encoded signature, pubkey, and witness.
func (in *Input) UnmarshalJSON(data []byte) error {
	var j inputJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	in.PrevOut = j.PrevOut
	in.Sequence = j.Sequence
	if j.Signature != nil {
		b, err := hex.DecodeString(*j.Signature)
		if err != nil {
			return err
		}
		in.Signature = b
	}
	if j.PubKey != nil {
		b, err := hex.DecodeString(*j.PubKey)
		if err != nil {
			return err
		}
		in.PubKey = b
	}
	if len(j.Witness) > 0 {
		in.Witness = make([][]byte, len(j.Witness))
		for i, s := range j.Witness {
			b, err := hex.DecodeString(s)
			if err != nil {
				return err
			}
			in.Witness[i] = b
		}
	}
	return nil
}

// Output defines a new UTXO.
type Output struct {
	Value  uint64       `json:"value"`
	Script types.Script `json:"script"`
}

// Hash computes the transaction ID (BLAKE3 hash of the serialized signing data).
// This excludes signatures and witness data to avoid circular dependency and
// to give segwit-style transactions a malleability-resistant txid.
func (tx *Transaction) Hash() types.Hash {
	return crypto.Hash(tx.SigningBytes())
}

// SigningBytes returns the canonical byte representation used for signing
// and as the base-size encoding for weight accounting. Witness data is
// never included here.
// Format: version(4) | input_count(4) | [prevout(36) + sequence(4) + (coinbase-data)]... | output_count(4) | [value(8) + script_type(1) + script_data_len(4) + script_data]... | locktime(8)
func (tx *Transaction) SigningBytes() []byte {
	var buf []byte

	// Version.
	buf = binary.LittleEndian.AppendUint32(buf, tx.Version)

	// Input count + prevouts (no signatures, except coinbase data).
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		buf = append(buf, in.PrevOut.TxID[:]...)
		buf = binary.LittleEndian.AppendUint32(buf, in.PrevOut.Index)
		buf = binary.LittleEndian.AppendUint32(buf, in.Sequence)
		// Include coinbase data (height) in the hash so each coinbase tx
		// has a unique ID. Regular inputs skip this (signature is excluded
		// to avoid circular dependency during signing).
		if in.PrevOut.IsZero() && len(in.Signature) > 0 {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(in.Signature)))
			buf = append(buf, in.Signature...)
		}
	}

	// Output count + outputs.
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		buf = binary.LittleEndian.AppendUint64(buf, out.Value)
		buf = append(buf, byte(out.Script.Type))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(out.Script.Data)))
		buf = append(buf, out.Script.Data...)
	}

	// Locktime.
	buf = binary.LittleEndian.AppendUint64(buf, tx.LockTime)

	return buf
}

// HasWitness reports whether any input carries segregated witness data.
func (tx *Transaction) HasWitness() bool {
	for _, in := range tx.Inputs {
		if len(in.Witness) > 0 {
			return true
		}
	}
	return false
}

// BaseSize returns the size, in bytes, of the transaction without witness
// data — the encoding used for SigningBytes/txid.
func (tx *Transaction) BaseSize() int {
	return len(tx.SigningBytes())
}

// witnessBytes returns the serialized size of every input's witness stack.
func (tx *Transaction) witnessBytes() int {
	n := 0
	for _, in := range tx.Inputs {
		n += 4 // stack item count
		for _, item := range in.Witness {
			n += 4 + len(item)
		}
	}
	return n
}

// TotalSize returns BaseSize plus the serialized witness section.
func (tx *Transaction) TotalSize() int {
	return tx.BaseSize() + tx.witnessBytes()
}

// Weight returns the consensus weight of the transaction: base size
// counted three times plus the witness-included total size, so
// non-witness bytes cost 4 weight units and witness bytes cost 1.
func (tx *Transaction) Weight() int64 {
	return int64(tx.BaseSize())*3 + int64(tx.TotalSize())
}

// VSize returns the virtual size in vbytes: weight divided by 4, rounded up.
func (tx *Transaction) VSize() int64 {
	w := tx.Weight()
	return (w + 3) / 4
}

// FeeRate returns the fee rate in base units per vbyte for the given fee.
func (tx *Transaction) FeeRate(fee uint64) uint64 {
	vsize := tx.VSize()
	if vsize <= 0 {
		return 0
	}
	return fee / uint64(vsize)
}

// TotalOutputValue returns the sum of all output values.
// Returns an error if the sum overflows uint64.
func (tx *Transaction) TotalOutputValue() (uint64, error) {
	var total uint64
	for _, out := range tx.Outputs {
		if total > math.MaxUint64-out.Value {
			return 0, fmt.Errorf("output value overflow")
		}
		total += out.Value
	}
	return total, nil
}
