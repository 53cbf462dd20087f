package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// =============================================================================
// Protocol Rules (immutable, defined in genesis)
// These MUST match across all nodes or consensus breaks.
// =============================================================================

// ConsensusPoW identifies the (only) supported consensus engine.
const ConsensusPoW = "pow"

// Denomination constants.
// 1 coin = 10^12 base units. All on-chain values are in base units.
const (
	Decimals  = 12
	Coin      = 1_000_000_000_000 // 10^12 base units per coin
	MilliCoin = 1_000_000_000     // 10^9
	MicroCoin = 1_000_000         // 10^6
)

// CoinbaseMaturity is the number of blocks a coinbase output must wait
// before it can be spent. Prevents issues during reorgs.
const CoinbaseMaturity uint64 = 100

// Block and transaction size limits (consensus-critical).
const (
	MaxBlockSize   = 4_000_000  // legacy byte cap, retained for API compatibility
	MaxBlockWeight = 4_000_000  // weight units: base bytes*3 + total bytes
	MaxBlockSigops = 80_000     // weight-denominated sigop budget (legacy=4, witness=1)
	MaxBlockTxs    = 100_000    // Max transactions per block (including coinbase)
	MaxTxInputs    = 2500       // Max inputs per transaction
	MaxTxOutputs   = 2500       // Max outputs per transaction
	MaxScriptData  = 65_536     // 64 KB max script data per output
)

// Coinbase budget reserved by the template assembler before selecting
// mempool transactions, so the coinbase itself never gets crowded out.
const (
	CoinbaseWeightReserve = 1_000
	CoinbaseSigopsReserve = 100
)

// Deployment bit positions for BIP9-style version-bit soft-fork signaling.
// Block.Header.Version's low 29 bits (when the top 3 bits read 0b001) are a
// bitmask of deployments a miner signals readiness for.
const (
	DeploymentVersionTopMask = uint32(0xE0000000) // top 3 bits must read 001
	DeploymentVersionTopBits = uint32(0x20000000)
)

// Deployment describes one soft-fork signaling window.
type Deployment struct {
	Name       string `json:"name"`
	Bit        uint8  `json:"bit"`         // bit position within the low 29 bits
	StartTime  uint64 `json:"start_time"`  // median-time-past at which signaling begins
	Timeout    uint64 `json:"timeout"`     // median-time-past after which the deployment fails if not locked in
}

// ForkSchedule holds the set of BIP9-style deployments nodes should track.
// Height-based forks are checked with IsActive, which takes the fork height
// as an argument; a zero fork height means the fork is not scheduled.
type ForkSchedule struct {
	Deployments []Deployment `json:"deployments,omitempty"`
}

// IsActive returns true if a fork at forkHeight has activated at currentHeight.
// Returns false if forkHeight is 0 (not scheduled).
func (f *ForkSchedule) IsActive(forkHeight, currentHeight uint64) bool {
	return forkHeight > 0 && currentHeight >= forkHeight
}

// Genesis holds the genesis block configuration and protocol rules.
// This is immutable after chain launch - changes require a hard fork.
type Genesis struct {
	// Chain identity
	ChainID   string `json:"chain_id"`
	ChainName string `json:"chain_name"`
	Symbol    string `json:"symbol,omitempty"` // Native coin symbol (e.g., "KGX")

	// Genesis block
	Timestamp uint64 `json:"timestamp"`
	ExtraData string `json:"extra_data,omitempty"`

	// Initial allocations (address -> balance in base units)
	Alloc map[string]uint64 `json:"alloc"`

	// Protocol rules
	Protocol ProtocolConfig `json:"protocol"`
}

// ProtocolConfig holds consensus-critical rules.
// All nodes MUST agree on these values.
type ProtocolConfig struct {
	Consensus ConsensusRules `json:"consensus"`
	Forks     ForkSchedule   `json:"forks,omitempty"`
}

// ConsensusRules defines how blocks are produced and validated.
type ConsensusRules struct {
	// Type is always "pow" currently; kept as a field so a future engine
	// can be introduced without changing the Genesis JSON shape.
	Type string `json:"type"`

	// Block timing
	BlockTime int `json:"block_time"` // Target seconds between blocks

	// PoW retarget settings.
	InitialDifficulty uint64 `json:"initial_difficulty"`
	DifficultyAdjust  int    `json:"difficulty_adjust"` // Blocks between retargets

	// Economics
	BlockReward     uint64 `json:"block_reward"`               // Base units per block
	MaxSupply       uint64 `json:"max_supply"`                 // Total coin cap in base units (0 = unlimited)
	HalvingInterval uint64 `json:"halving_interval,omitempty"` // Blocks between reward halvings (0 = no halving)
	MinRelayFeeRate uint64 `json:"min_relay_fee_rate"`          // Minimum fee rate (base units per vbyte) for mempool admission
}

// =============================================================================
// Testnet Identity
//
// Derived from the well-known BIP-39 test mnemonic (DO NOT use on mainnet):
//
//	abandon abandon abandon abandon abandon abandon abandon abandon
//	abandon abandon abandon abandon abandon abandon abandon abandon
//	abandon abandon abandon abandon abandon abandon abandon art
//
// Derivation path: m/44'/8888'/0'/0/0 (no passphrase)
// =============================================================================

const (
	// TestnetMnemonic is the well-known seed phrase for testnet faucet funds.
	TestnetMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon art"

	// TestnetFaucetPubKey is the compressed public key (hex) derived from TestnetMnemonic.
	TestnetFaucetPubKey = "030bef68f8657df88098a0546da1712c88b459788bea1a6bbe964004166a25144f"

	// TestnetFaucetPrivKey is the private key (hex) derived from TestnetMnemonic.
	TestnetFaucetPrivKey = "1f0717e6e34acc6721021f4dfed54558ec8452452b6195545d06dd348b220091"

	// TestnetAddress is the address (bech32, tkgx) derived from TestnetMnemonic.
	// Address = BLAKE3(pubkey)[:20]
	TestnetAddress = "tkgx13uayfwq9djh7cd5dagxtuzk3mx7r7sc9xv4h52"
)

// =============================================================================
// Pre-defined genesis configurations
// =============================================================================

// MainnetGenesis returns the mainnet genesis configuration.
func MainnetGenesis() *Genesis {
	return &Genesis{
		ChainID:   "klingnet-mainnet-1",
		ChainName: "Klingnet Mainnet",
		Symbol:    "KGX",
		Timestamp: 1770734103, // 2026-02-10
		ExtraData: "Klingnet Genesis",
		Alloc: map[string]uint64{
			"kgx1a8tfl79jgres7t90tttkc7ytjmhs5lpdn5ag4l": 100_000 * Coin,
		},
		Protocol: ProtocolConfig{
			Consensus: ConsensusRules{
				Type:              ConsensusPoW,
				BlockTime:         10 * 60, // 10 minute blocks
				InitialDifficulty: 1 << 20,
				DifficultyAdjust:  2016, // ~2 weeks at 10 min/block
				BlockReward:       50 * Coin,
				MaxSupply:         21_000_000 * Coin,
				HalvingInterval:   210_000,
				MinRelayFeeRate:   1_000, // base units per vbyte
			},
			Forks: ForkSchedule{
				Deployments: []Deployment{
					{Name: "segwit", Bit: 1, StartTime: 0, Timeout: 0},
				},
			},
		},
	}
}

// TestnetGenesis returns the testnet genesis configuration.
func TestnetGenesis() *Genesis {
	g := MainnetGenesis()
	g.ChainID = "klingnet-testnet-1"
	g.ChainName = "Klingnet Testnet"
	g.ExtraData = "Klingnet Testnet Genesis"

	// More relaxed rules for testnet.
	g.Protocol.Consensus.BlockTime = 10 // fast blocks for local testing
	g.Protocol.Consensus.DifficultyAdjust = 144
	g.Protocol.Consensus.MinRelayFeeRate = 1

	// Testnet allocation: 200,000 KGX to the well-known testnet faucet address.
	g.Alloc = map[string]uint64{
		TestnetAddress: 200_000 * Coin,
	}

	return g
}

// GenesisFor returns the genesis config for the given network.
func GenesisFor(network NetworkType) *Genesis {
	switch network {
	case Testnet:
		return TestnetGenesis()
	default:
		return MainnetGenesis()
	}
}

// =============================================================================
// Genesis file I/O
// =============================================================================

// LoadGenesis loads genesis configuration from a file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}

	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}

	return &g, nil
}

// Save writes the genesis configuration to a file.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing genesis file: %w", err)
	}

	return nil
}

// Validate checks that the genesis configuration is valid.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}

	if g.Protocol.Consensus.Type != ConsensusPoW {
		return fmt.Errorf("unknown consensus type: %s", g.Protocol.Consensus.Type)
	}
	if g.Protocol.Consensus.InitialDifficulty == 0 {
		return fmt.Errorf("pow requires initial_difficulty")
	}

	if g.Protocol.Consensus.BlockTime <= 0 {
		return fmt.Errorf("block_time must be positive")
	}

	if g.Protocol.Consensus.BlockReward == 0 {
		return fmt.Errorf("block_reward must be positive")
	}

	// Validate alloc addresses and check total doesn't exceed max supply.
	var totalAlloc uint64
	for addrStr, v := range g.Alloc {
		if _, err := types.ParseAddress(addrStr); err != nil {
			return fmt.Errorf("invalid alloc address %q: %w", addrStr, err)
		}
		totalAlloc += v
	}
	if g.Protocol.Consensus.MaxSupply > 0 && totalAlloc > g.Protocol.Consensus.MaxSupply {
		return fmt.Errorf("genesis allocations (%d) exceed max_supply (%d)",
			totalAlloc, g.Protocol.Consensus.MaxSupply)
	}

	return nil
}

// Hash returns a BLAKE3 hash of the genesis configuration.
// Used to identify the chain and detect genesis mismatches.
func (g *Genesis) Hash() (types.Hash, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.Hash(data), nil
}
