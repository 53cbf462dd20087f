package node

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Klingon-tech/klingnet-chain/config"
)

func TestResolveCoinbase_FromString(t *testing.T) {
	// Use a hex address string (20 bytes = 40 hex chars, no "1" to avoid bech32 path).
	addrHex := "aabbccddee00aabbccddee00aabbccddee00aabb"
	addr, err := resolveCoinbase(addrHex)
	if err != nil {
		t.Fatalf("resolveCoinbase: %v", err)
	}
	if addr[0] != 0xaa || addr[19] != 0xbb {
		t.Errorf("unexpected address: %x", addr)
	}
}

func TestResolveCoinbase_NoSource(t *testing.T) {
	_, err := resolveCoinbase("")
	if err == nil {
		t.Fatal("expected error when no coinbase source")
	}
}

func TestCreateEngine(t *testing.T) {
	genesis := config.GenesisFor(config.Testnet)
	engine, err := createEngine(genesis)
	if err != nil {
		t.Fatalf("createEngine: %v", err)
	}
	if engine == nil {
		t.Fatal("engine is nil")
	}
}

func TestCreateEngine_UnsupportedType(t *testing.T) {
	genesis := &config.Genesis{
		Protocol: config.ProtocolConfig{
			Consensus: config.ConsensusRules{
				Type: "unknown",
			},
		},
	}
	_, err := createEngine(genesis)
	if err == nil {
		t.Fatal("expected error for unsupported consensus type")
	}
}

func TestNodeLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	tmpDir := t.TempDir()

	cfg := config.Default(config.Testnet)
	cfg.DataDir = tmpDir
	cfg.P2P.Port = 0 // Use random port to avoid conflicts.
	cfg.P2P.NoDiscover = true
	cfg.P2P.Seeds = nil
	cfg.RPC.Port = 0 // Use random port.
	cfg.Wallet.Enabled = true

	// Ensure data dirs exist.
	if err := config.EnsureDataDirs(cfg); err != nil {
		t.Fatalf("EnsureDataDirs: %v", err)
	}

	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if n.Height() != 0 {
		t.Errorf("expected height 0, got %d", n.Height())
	}

	if n.RPCAddr() == "" {
		t.Error("RPCAddr should not be empty")
	}

	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Stop should not panic or error.
	n.Stop()
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()

	cfg, err := config.LoadFromFile(tmpDir, config.Testnet)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Network != config.Testnet {
		t.Errorf("expected testnet, got %s", cfg.Network)
	}
	if cfg.DataDir != tmpDir {
		t.Errorf("expected datadir %s, got %s", tmpDir, cfg.DataDir)
	}

	// Verify default config file was created.
	confPath := filepath.Join(tmpDir, "klingnet.conf")
	if _, err := os.Stat(confPath); os.IsNotExist(err) {
		t.Error("config file should have been created")
	}
}
