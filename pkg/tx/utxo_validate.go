package tx

import (
	"errors"
	"fmt"
	"math"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// UTXO-aware validation errors.
var (
	ErrInputNotFound     = errors.New("input UTXO not found")
	ErrInputSpent        = errors.New("input UTXO already spent")
	ErrInsufficientFee   = errors.New("insufficient fee")
	ErrInputOverflow     = errors.New("input values overflow")
	ErrScriptMismatch    = errors.New("pubkey does not match UTXO script")
	ErrUnspendableOutput = errors.New("output is unspendable")
	ErrWitnessRequired   = errors.New("witness program spent without witness data")
	ErrUnexpectedWitness = errors.New("witness data present on non-witness input")
)

// UTXOProvider provides read-only access to the UTXO set for validation.
type UTXOProvider interface {
	GetUTXO(outpoint types.Outpoint) (value uint64, script types.Script, err error)
	HasUTXO(outpoint types.Outpoint) bool
}

// legacySigopCost and witnessSigopCost follow BIP141-style accounting:
// a signature check against a witness program counts for a quarter of the
// weight of a legacy signature check, so the weight-denominated sigops
// budget (maxSigops) treats them asymmetrically.
const (
	legacySigopCost  = 4
	witnessSigopCost = 1
)

// ValidateWithUTXOs performs full validation of a transaction against the UTXO set.
// It checks that all inputs exist, are unspent, that the pubkey matches the
// UTXO script, that signatures are valid, and that inputs >= outputs.
// Returns the fee (inputs - outputs).
func (tx *Transaction) ValidateWithUTXOs(provider UTXOProvider) (uint64, error) {
	// Basic structural validation first.
	if err := tx.ValidateStructure(); err != nil {
		return 0, err
	}

	// Check each input against the UTXO set.
	var totalInput uint64
	for i, in := range tx.Inputs {
		// Coinbase inputs skip UTXO checks.
		if in.PrevOut.IsZero() {
			continue
		}

		if !provider.HasUTXO(in.PrevOut) {
			return 0, fmt.Errorf("input %d (%s): %w", i, in.PrevOut, ErrInputNotFound)
		}

		value, script, err := provider.GetUTXO(in.PrevOut)
		if err != nil {
			return 0, fmt.Errorf("input %d: %w", i, err)
		}

		if script.Type.IsUnspendable() {
			return 0, fmt.Errorf("input %d (%s): %w: %s output cannot be spent",
				i, in.PrevOut, ErrUnspendableOutput, script.Type)
		}

		if script.Type.IsWitness() && len(in.Witness) == 0 {
			return 0, fmt.Errorf("input %d (%s): %w", i, in.PrevOut, ErrWitnessRequired)
		}
		if !script.Type.IsWitness() && len(in.Witness) > 0 {
			return 0, fmt.Errorf("input %d (%s): %w", i, in.PrevOut, ErrUnexpectedWitness)
		}

		// Verify the pubkey matches the UTXO script for P2PKH/witness-v0.
		if script.Type == types.ScriptTypeP2PKH {
			if err := verifyP2PKH(in.PubKey, script.Data); err != nil {
				return 0, fmt.Errorf("input %d: %w", i, err)
			}
		}
		if script.Type == types.ScriptTypeWitnessV0 {
			if len(in.Witness) < 2 {
				return 0, fmt.Errorf("input %d: %w: short witness stack", i, ErrScriptMismatch)
			}
			if err := verifyP2PKH(in.Witness[1], script.Data); err != nil {
				return 0, fmt.Errorf("input %d: %w", i, err)
			}
		}

		if totalInput > math.MaxUint64-value {
			return 0, fmt.Errorf("input %d: %w", i, ErrInputOverflow)
		}
		totalInput += value
	}

	// Verify signatures.
	if err := tx.VerifySignatures(); err != nil {
		return 0, err
	}

	totalOutput, ovfErr := tx.TotalOutputValue()
	if ovfErr != nil {
		return 0, fmt.Errorf("output overflow: %w", ovfErr)
	}
	if totalInput < totalOutput {
		return 0, fmt.Errorf("%w: inputs=%d outputs=%d", ErrInsufficientFee, totalInput, totalOutput)
	}

	fee := totalInput - totalOutput
	return fee, nil
}

// SigOpCost returns the weight-denominated signature-operation cost of the
// transaction, looking up each input's previous output script to tell
// legacy spends (cost 4) from witness-program spends (cost 1) apart.
// Coinbase inputs contribute nothing.
func (tx *Transaction) SigOpCost(provider UTXOProvider) (int, error) {
	cost := 0
	for i, in := range tx.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		_, script, err := provider.GetUTXO(in.PrevOut)
		if err != nil {
			return 0, fmt.Errorf("input %d: %w", i, err)
		}
		if script.Type.IsWitness() {
			cost += witnessSigopCost
		} else {
			cost += legacySigopCost
		}
	}
	return cost, nil
}

// ValidateStructure checks transaction structure without requiring UTXO access.
// Same as Validate() but renamed for clarity when used alongside ValidateWithUTXOs.
func (tx *Transaction) ValidateStructure() error {
	return tx.Validate()
}

// verifyP2PKH checks that a public key hashes to the expected address in the script.
func verifyP2PKH(pubKey []byte, scriptData []byte) error {
	if len(scriptData) != types.AddressSize {
		return fmt.Errorf("%w: script data length %d", ErrScriptMismatch, len(scriptData))
	}
	if len(pubKey) == 0 {
		return ErrMissingPubKey
	}

	// Address = BLAKE3(compressed_pubkey)[:20].
	hash := crypto.Hash(pubKey)
	var expected types.Address
	copy(expected[:], scriptData)
	var derived types.Address
	copy(derived[:], hash[:types.AddressSize])

	if expected != derived {
		return fmt.Errorf("%w: expected %s, got %s", ErrScriptMismatch, expected, derived)
	}
	return nil
}
