package types

import (
	"encoding/hex"
	"encoding/json"
)

// ScriptType identifies the type of locking/unlocking script.
type ScriptType uint8

const (
	ScriptTypeP2PKH     ScriptType = 0x01 // Pay to public key hash
	ScriptTypeP2SH      ScriptType = 0x02 // Pay to script hash
	ScriptTypeWitnessV0 ScriptType = 0x03 // Segregated witness program, version 0
	ScriptTypeNullData  ScriptType = 0x04 // Unspendable data-carrier (OP_RETURN style)
)

// String returns a human-readable name for the script type.
func (st ScriptType) String() string {
	switch st {
	case ScriptTypeP2PKH:
		return "P2PKH"
	case ScriptTypeP2SH:
		return "P2SH"
	case ScriptTypeWitnessV0:
		return "WitnessV0"
	case ScriptTypeNullData:
		return "NullData"
	default:
		return "Unknown"
	}
}

// IsWitness reports whether spending an output of this type carries its
// signature data in the transaction's segregated witness section instead
// of inline on the input.
func (st ScriptType) IsWitness() bool {
	return st == ScriptTypeWitnessV0
}

// IsUnspendable reports whether outputs of this type can never be spent.
func (st ScriptType) IsUnspendable() bool {
	return st == ScriptTypeNullData
}

// Script defines the locking condition for a UTXO.
type Script struct {
	Type ScriptType `json:"type"`
	Data []byte     `json:"data"`
}

// scriptJSON is the JSON representation of a Script with hex-encoded data.
type scriptJSON struct {
	Type ScriptType `json:"type"`
	Data string     `json:"data"`
}

// MarshalJSON encodes the script with hex-encoded data.
func (s Script) MarshalJSON() ([]byte, error) {
	return json.Marshal(scriptJSON{
		Type: s.Type,
		Data: hex.EncodeToString(s.Data),
	})
}

// UnmarshalJSON decodes a script with hex-encoded data.
func (s *Script) UnmarshalJSON(data []byte) error {
	var j scriptJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	s.Type = j.Type
	if j.Data != "" {
		b, err := hex.DecodeString(j.Data)
		if err != nil {
			return err
		}
		s.Data = b
	}
	return nil
}
