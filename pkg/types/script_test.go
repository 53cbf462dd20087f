package types

import "testing"

func TestScriptType_String(t *testing.T) {
	tests := []struct {
		st   ScriptType
		want string
	}{
		{ScriptTypeP2PKH, "P2PKH"},
		{ScriptTypeP2SH, "P2SH"},
		{ScriptTypeWitnessV0, "WitnessV0"},
		{ScriptTypeNullData, "NullData"},
		{ScriptType(0xFF), "Unknown"},
		{ScriptType(0x00), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.st.String(); got != tt.want {
				t.Errorf("ScriptType(%#x).String() = %q, want %q", uint8(tt.st), got, tt.want)
			}
		})
	}
}

func TestScriptType_Values(t *testing.T) {
	// Verify the actual byte values are correct (these are protocol constants)
	if ScriptTypeP2PKH != 0x01 {
		t.Errorf("P2PKH = %#x, want 0x01", uint8(ScriptTypeP2PKH))
	}
	if ScriptTypeP2SH != 0x02 {
		t.Errorf("P2SH = %#x, want 0x02", uint8(ScriptTypeP2SH))
	}
	if ScriptTypeWitnessV0 != 0x03 {
		t.Errorf("WitnessV0 = %#x, want 0x03", uint8(ScriptTypeWitnessV0))
	}
	if ScriptTypeNullData != 0x04 {
		t.Errorf("NullData = %#x, want 0x04", uint8(ScriptTypeNullData))
	}
}

func TestScriptType_IsWitness(t *testing.T) {
	if !ScriptTypeWitnessV0.IsWitness() {
		t.Error("WitnessV0 should be IsWitness")
	}
	if ScriptTypeP2PKH.IsWitness() {
		t.Error("P2PKH should not be IsWitness")
	}
}

func TestScriptType_IsUnspendable(t *testing.T) {
	if !ScriptTypeNullData.IsUnspendable() {
		t.Error("NullData should be unspendable")
	}
	if ScriptTypeP2PKH.IsUnspendable() {
		t.Error("P2PKH should be spendable")
	}
}
