package rpc

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/internal/utxo"
	"github.com/Klingon-tech/klingnet-chain/internal/wallet"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// utxoGetter abstracts UTXO retrieval by address.
type utxoGetter interface {
	GetByAddress(types.Address) ([]*utxo.UTXO, error)
}

// walletUTXOSet holds aggregated UTXOs from all wallet addresses with signing info.
type walletUTXOSet struct {
	utxos           []wallet.UTXO
	signers         map[types.Address]*crypto.PrivateKey
	addrByOutpoint  map[types.Outpoint]types.Address
	spendableNative uint64
	immatureNative  uint64
}

// zeroSigners zeroes all private keys in the wallet UTXO set and removes them from the map.
func (wset *walletUTXOSet) zeroSigners() {
	for addr, key := range wset.signers {
		key.Zero()
		delete(wset.signers, addr)
	}
}

// collectWalletUTXOs gathers UTXOs from all known wallet addresses (external + change).
// Immature coinbase outputs are excluded based on currentHeight.
func (s *Server) collectWalletUTXOs(
	master *wallet.HDKey,
	walletName string,
	store utxoGetter,
	currentHeight uint64,
) (*walletUTXOSet, error) {
	accounts, err := s.keystore.ListAccounts(walletName)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	wset := &walletUTXOSet{
		signers:        make(map[types.Address]*crypto.PrivateKey),
		addrByOutpoint: make(map[types.Outpoint]types.Address),
	}

	// If no accounts yet (brand new wallet), fall back to account 0.
	if len(accounts) == 0 {
		accounts = []wallet.AccountEntry{{Index: 0, Name: "Default"}}
	}

	for _, acct := range accounts {
		// Use the stored address for UTXO lookup (authoritative).
		addr, parseErr := types.ParseAddress(acct.Address)
		if parseErr != nil {
			continue
		}

		utxos, utxoErr := store.GetByAddress(addr)
		if utxoErr != nil || len(utxos) == 0 {
			continue
		}

		// Derive signer lazily (only if this address has UTXOs).
		if _, exists := wset.signers[addr]; !exists {
			change, index := acct.Derivation()
			hdKey, derErr := master.DeriveAddress(0, change, index)
			if derErr != nil {
				continue
			}
			signer, sigErr := hdKey.Signer()
			if sigErr != nil {
				continue
			}
			wset.signers[addr] = signer
		}

		for _, u := range utxos {
			if !u.IsMature(currentHeight, config.CoinbaseMaturity) {
				wset.immatureNative += u.Value
				continue
			}
			wset.utxos = append(wset.utxos, wallet.UTXO{
				Outpoint: u.Outpoint,
				Value:    u.Value,
				Script:   u.Script,
			})
			wset.addrByOutpoint[u.Outpoint] = addr
			wset.spendableNative += u.Value
		}
	}

	return wset, nil
}

func filterNativeUTXOs(utxos []wallet.UTXO) []wallet.UTXO {
	native := make([]wallet.UTXO, 0, len(utxos))
	for _, u := range utxos {
		if u.Script.Type == types.ScriptTypeP2PKH {
			native = append(native, u)
		}
	}
	return native
}

// formatAmount converts raw base units to a human-readable decimal string.
func formatAmount(units uint64) string {
	whole := units / config.Coin
	frac := units % config.Coin
	return fmt.Sprintf("%d.%012d", whole, frac)
}

// requireWallet returns an error if the wallet keystore is not enabled.
func (s *Server) requireWallet() *Error {
	if s.keystore == nil {
		return &Error{Code: CodeInternalError, Message: "wallet not enabled (start node with --wallet)"}
	}
	return nil
}

func (s *Server) handleWalletCreate(req *Request) (interface{}, *Error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}

	var params WalletCreateParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Name == "" || params.Password == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "name and password are required"}
	}

	// Generate mnemonic.
	mnemonic, genErr := wallet.GenerateMnemonic()
	if genErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("generate mnemonic: %v", genErr)}
	}

	// Derive seed.
	seed, seedErr := wallet.SeedFromMnemonic(mnemonic, "")
	if seedErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive seed: %v", seedErr)}
	}

	// Derive account 0 address.
	master, masterErr := wallet.NewMasterKey(seed)
	if masterErr != nil {
		for i := range seed {
			seed[i] = 0
		}
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive master key: %v", masterErr)}
	}

	hdKey, derErr := master.DeriveAddress(0, wallet.ChangeExternal, 0)
	if derErr != nil {
		for i := range seed {
			seed[i] = 0
		}
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive address: %v", derErr)}
	}
	addr := hdKey.Address()

	// Create encrypted wallet.
	if err := s.keystore.Create(params.Name, seed, []byte(params.Password), wallet.DefaultParams()); err != nil {
		for i := range seed {
			seed[i] = 0
		}
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("create wallet: %v", err)}
	}

	// Zero seed.
	for i := range seed {
		seed[i] = 0
	}

	// Store account 0 metadata.
	if err := s.keystore.AddAccount(params.Name, wallet.AccountEntry{
		Index:   0,
		Name:    "Default",
		Address: addr.String(),
	}); err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("add account: %v", err)}
	}

	return &WalletCreateResult{
		Mnemonic: mnemonic,
		Address:  addr.String(),
	}, nil
}

func (s *Server) handleWalletImport(req *Request) (interface{}, *Error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}

	var params WalletImportParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	// Normalize mnemonic: trim whitespace and collapse internal spaces/newlines.
	params.Mnemonic = strings.Join(strings.Fields(params.Mnemonic), " ")

	if params.Name == "" || params.Password == "" || params.Mnemonic == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "name, password, and mnemonic are required"}
	}

	if !wallet.ValidateMnemonic(params.Mnemonic) {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid mnemonic"}
	}

	// Derive seed.
	seed, seedErr := wallet.SeedFromMnemonic(params.Mnemonic, "")
	if seedErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive seed: %v", seedErr)}
	}

	// Derive account 0 address.
	master, masterErr := wallet.NewMasterKey(seed)
	if masterErr != nil {
		for i := range seed {
			seed[i] = 0
		}
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive master key: %v", masterErr)}
	}

	hdKey, derErr := master.DeriveAddress(0, wallet.ChangeExternal, 0)
	if derErr != nil {
		for i := range seed {
			seed[i] = 0
		}
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive address: %v", derErr)}
	}
	addr := hdKey.Address()

	// Create encrypted wallet.
	if err := s.keystore.Create(params.Name, seed, []byte(params.Password), wallet.DefaultParams()); err != nil {
		for i := range seed {
			seed[i] = 0
		}
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("create wallet: %v", err)}
	}

	// Zero seed.
	for i := range seed {
		seed[i] = 0
	}

	// Store account 0 metadata.
	if err := s.keystore.AddAccount(params.Name, wallet.AccountEntry{
		Index:   0,
		Name:    "Default",
		Address: addr.String(),
	}); err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("add account: %v", err)}
	}

	// Scan for previously used addresses (gap limit discovery).
	s.scanWalletAddresses(params.Name, master)

	return &WalletImportResult{
		Address: addr.String(),
	}, nil
}

// scanWalletAddresses discovers previously used addresses via BIP-44 gap limit
// scanning and registers them in the wallet's account list. This allows reimported
// wallets to show their full balance across all derived addresses.
func (s *Server) scanWalletAddresses(walletName string, master *wallet.HDKey) {
	const gapLimit = 20

	// Scan external chain (change=0), then internal/change chain (change=1).
	for _, chain := range []struct {
		change     uint32
		namePrefix string
	}{
		{wallet.ChangeExternal, "Address"},
		{wallet.ChangeInternal, "Change"},
	} {
		var gap int
		var highestUsed int = -1

		for idx := uint32(0); gap < gapLimit; idx++ {
			hdKey, err := master.DeriveAddress(0, chain.change, idx)
			if err != nil {
				break
			}
			addr := hdKey.Address()

			utxos, err := s.utxos.GetByAddress(addr)
			hasUTXOs := err == nil && len(utxos) > 0

			if !hasUTXOs {
				gap++
				continue
			}

			// Address has UTXOs — register it.
			gap = 0
			highestUsed = int(idx)

			// Skip if already exists (e.g., account 0 added by handleWalletImport).
			_ = s.keystore.AddAccount(walletName, wallet.AccountEntry{
				Index:   idx,
				Change:  chain.change,
				Name:    fmt.Sprintf("%s %d", chain.namePrefix, idx),
				Address: addr.String(),
			})
		}

		// Set the next index to highestUsed + 1.
		if highestUsed >= 0 {
			nextIdx := uint32(highestUsed + 1)
			if chain.change == wallet.ChangeExternal {
				_ = s.keystore.SetExternalIndex(walletName, nextIdx)
			} else {
				_ = s.keystore.SetChangeIndex(walletName, nextIdx)
			}
		}
	}
}

func (s *Server) handleWalletList(_ *Request) (interface{}, *Error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}

	names, listErr := s.keystore.List()
	if listErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("list wallets: %v", listErr)}
	}

	if names == nil {
		names = []string{}
	}

	return &WalletListResult{Wallets: names}, nil
}

func (s *Server) handleWalletNewAddress(req *Request) (interface{}, *Error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}

	var params WalletNewAddressParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Name == "" || params.Password == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "name and password are required"}
	}

	// Load seed.
	seed, loadErr := s.keystore.Load(params.Name, []byte(params.Password))
	if loadErr != nil {
		s.logger.Debug().Err(loadErr).Msg("wallet load failed")
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid wallet name or password"}
	}

	master, masterErr := wallet.NewMasterKey(seed)
	for i := range seed {
		seed[i] = 0
	}
	if masterErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive master key: %v", masterErr)}
	}

	// Get current external index.
	extIdx, idxErr := s.keystore.GetExternalIndex(params.Name)
	if idxErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("get external index: %v", idxErr)}
	}

	// Use the next index (existing index 0 is already the default account).
	nextIdx := extIdx
	if nextIdx == 0 {
		nextIdx = 1 // Index 0 is already created at wallet creation time.
	}

	hdKey, derErr := master.DeriveAddress(0, wallet.ChangeExternal, nextIdx)
	if derErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive address: %v", derErr)}
	}
	addr := hdKey.Address()

	// Store account metadata.
	if err := s.keystore.AddAccount(params.Name, wallet.AccountEntry{
		Index:   nextIdx,
		Name:    fmt.Sprintf("Address %d", nextIdx),
		Address: addr.String(),
	}); err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("add account: %v", err)}
	}

	// Advance external index.
	if err := s.keystore.IncrementExternalIndex(params.Name); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to update external index")
	}

	return &WalletAddressResult{
		Index:   nextIdx,
		Address: addr.String(),
	}, nil
}

func (s *Server) handleWalletListAddresses(req *Request) (interface{}, *Error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}

	var params WalletUnlockParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Name == "" || params.Password == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "name and password are required"}
	}

	// Verify password by attempting to load.
	seed, loadErr := s.keystore.Load(params.Name, []byte(params.Password))
	if loadErr != nil {
		s.logger.Debug().Err(loadErr).Msg("wallet load failed")
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid wallet name or password"}
	}
	for i := range seed {
		seed[i] = 0
	}

	accounts, accErr := s.keystore.ListAccounts(params.Name)
	if accErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("list accounts: %v", accErr)}
	}

	entries := make([]WalletAccountEntry, len(accounts))
	for i, a := range accounts {
		change, index := a.Derivation()
		entries[i] = WalletAccountEntry{
			Index:   index,
			Change:  change,
			Name:    a.Name,
			Address: a.Address,
		}
	}

	return &WalletAddressListResult{Accounts: entries}, nil
}

func (s *Server) handleWalletSend(req *Request) (interface{}, *Error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}

	var params WalletSendParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Name == "" || params.Password == "" || params.To == "" || params.Amount == 0 {
		return nil, &Error{Code: CodeInvalidParams, Message: "name, password, to, and amount are required"}
	}

	// Parse recipient address.
	recipientAddr, addrErr := decodeAddress(params.To)
	if addrErr != nil {
		return nil, addrErr
	}

	// Load wallet.
	seed, loadErr := s.keystore.Load(params.Name, []byte(params.Password))
	if loadErr != nil {
		s.logger.Debug().Err(loadErr).Msg("wallet load failed")
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid wallet name or password"}
	}

	master, masterErr := wallet.NewMasterKey(seed)
	for i := range seed {
		seed[i] = 0
	}
	if masterErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive master key: %v", masterErr)}
	}

	// Collect UTXOs from all wallet addresses (external + change).
	wset, collectErr := s.collectWalletUTXOs(master, params.Name, s.utxos, s.chain.Height())
	if collectErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("collect utxos: %v", collectErr)}
	}
	defer wset.zeroSigners()
	nativeUTXOs := filterNativeUTXOs(wset.utxos)
	if len(nativeUTXOs) == 0 {
		return nil, &Error{
			Code: CodeInvalidParams,
			Message: fmt.Sprintf(
				"no spendable native UTXOs found for wallet (spendable=%d, immature=%d)",
				wset.spendableNative, wset.immatureNative,
			),
		}
	}

	// Fee estimation with iterative coin selection.
	feeRate := s.genesis.Protocol.Consensus.MinRelayFeeRate
	fee := tx.EstimateTxFee(1, 2, feeRate) // 1 input, 2 outputs (recipient + change)
	selection, selErr := wallet.SelectCoins(nativeUTXOs, params.Amount+fee)
	if selErr != nil {
		return nil, &Error{
			Code: CodeInvalidParams,
			Message: fmt.Sprintf(
				"coin selection: %v (spendable=%d, immature=%d, need=%d)",
				selErr, wset.spendableNative, wset.immatureNative, params.Amount+fee,
			),
		}
	}
	// Recalculate fee with actual input count.
	fee = tx.EstimateTxFee(len(selection.Inputs), 2, feeRate)
	if selection.Total < params.Amount+fee {
		selection, selErr = wallet.SelectCoins(nativeUTXOs, params.Amount+fee)
		if selErr != nil {
			return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("coin selection: %v", selErr)}
		}
		fee = tx.EstimateTxFee(len(selection.Inputs), 2, feeRate)
	}
	change := selection.Total - params.Amount - fee

	// Build transaction.
	builder := tx.NewBuilder()
	for _, input := range selection.Inputs {
		builder.AddInput(input.Outpoint)
	}

	// Recipient output.
	recipientScript := types.Script{
		Type: types.ScriptTypeP2PKH,
		Data: recipientAddr.Bytes(),
	}
	builder.AddOutput(params.Amount, recipientScript)

	// Change output.
	var changeIdx uint32
	var changeAddr types.Address
	if change > 0 {
		var chErr error
		changeIdx, chErr = s.keystore.GetChangeIndex(params.Name)
		if chErr != nil {
			return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("get change index: %v", chErr)}
		}
		changeKey, chKeyErr := master.DeriveAddress(0, wallet.ChangeInternal, changeIdx)
		if chKeyErr != nil {
			return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive change address: %v", chKeyErr)}
		}
		changeAddr = changeKey.Address()
		changeScript := types.Script{
			Type: types.ScriptTypeP2PKH,
			Data: changeAddr.Bytes(),
		}
		builder.AddOutput(change, changeScript)
	}

	// Sign with per-input keys.
	if err := builder.SignMulti(wset.signers, wset.addrByOutpoint); err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("sign transaction: %v", err)}
	}

	transaction := builder.Build()

	// Add to mempool.
	_, poolErr := s.pool.Add(transaction)
	if poolErr != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("rejected: %v", poolErr)}
	}

	// Broadcast to P2P network.
	if s.p2pNode != nil {
		if err := s.p2pNode.BroadcastTx(transaction); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to broadcast transaction")
		}
	}

	// Track change address and advance index.
	if change > 0 {
		_ = s.keystore.AddAccount(params.Name, wallet.AccountEntry{
			Index:   changeIdx,
			Change:  wallet.ChangeInternal,
			Name:    fmt.Sprintf("Change %d", changeIdx),
			Address: changeAddr.String(),
		})
		if err := s.keystore.IncrementChangeIndex(params.Name); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to update change index")
		}
	}

	return &WalletSendResult{
		TxHash: transaction.Hash().String(),
	}, nil
}

func (s *Server) handleWalletConsolidate(req *Request) (interface{}, *Error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}

	var params WalletConsolidateParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Name == "" || params.Password == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "name and password are required"}
	}

	maxInputs := params.MaxInputs
	if maxInputs == 0 {
		maxInputs = 500
	}
	if maxInputs > config.MaxTxInputs {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("max_inputs too high: %d (max %d)", maxInputs, config.MaxTxInputs)}
	}
	if maxInputs < 2 {
		return nil, &Error{Code: CodeInvalidParams, Message: "max_inputs must be at least 2"}
	}

	currentHeight := s.chain.Height()
	feeRate := s.genesis.Protocol.Consensus.MinRelayFeeRate

	// Load wallet.
	seed, loadErr := s.keystore.Load(params.Name, []byte(params.Password))
	if loadErr != nil {
		s.logger.Debug().Err(loadErr).Msg("wallet load failed")
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid wallet name or password"}
	}

	master, masterErr := wallet.NewMasterKey(seed)
	for i := range seed {
		seed[i] = 0
	}
	if masterErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive master key: %v", masterErr)}
	}

	// Collect spendable UTXOs from all wallet addresses.
	wset, collectErr := s.collectWalletUTXOs(master, params.Name, s.utxos, currentHeight)
	if collectErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("collect utxos: %v", collectErr)}
	}
	defer wset.zeroSigners()

	nativeUTXOs := filterNativeUTXOs(wset.utxos)
	if len(nativeUTXOs) < 2 {
		return nil, &Error{
			Code: CodeInvalidParams,
			Message: fmt.Sprintf(
				"not enough spendable native UTXOs to consolidate (count=%d, spendable=%d, immature=%d)",
				len(nativeUTXOs), wset.spendableNative, wset.immatureNative,
			),
		}
	}

	// Consolidation prefers smallest UTXOs first.
	sort.Slice(nativeUTXOs, func(i, j int) bool {
		return nativeUTXOs[i].Value < nativeUTXOs[j].Value
	})

	limit := int(maxInputs)
	if limit > len(nativeUTXOs) {
		limit = len(nativeUTXOs)
	}
	if limit < 2 {
		return nil, &Error{Code: CodeInvalidParams, Message: "not enough UTXOs to consolidate"}
	}

	selected := nativeUTXOs[:limit]
	var total uint64
	for _, u := range selected {
		if total > ^uint64(0)-u.Value {
			return nil, &Error{Code: CodeInternalError, Message: "input value overflow"}
		}
		total += u.Value
	}
	fee := tx.EstimateTxFee(len(selected), 1, feeRate)
	if total <= fee {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("selected UTXOs too small: total=%d, fee=%d", total, fee)}
	}

	// Consolidate into a single internal/change address.
	changeIdx, chErr := s.keystore.GetChangeIndex(params.Name)
	if chErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("get change index: %v", chErr)}
	}
	changeKey, chKeyErr := master.DeriveAddress(0, wallet.ChangeInternal, changeIdx)
	if chKeyErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive change address: %v", chKeyErr)}
	}
	changeAddr := changeKey.Address()
	changeScript := types.Script{
		Type: types.ScriptTypeP2PKH,
		Data: changeAddr.Bytes(),
	}

	builder := tx.NewBuilder()
	for _, input := range selected {
		builder.AddInput(input.Outpoint)
	}
	outputAmount := total - fee
	builder.AddOutput(outputAmount, changeScript)

	if err := builder.SignMulti(wset.signers, wset.addrByOutpoint); err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("sign transaction: %v", err)}
	}

	transaction := builder.Build()
	if _, err := s.pool.Add(transaction); err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("rejected: %v", err)}
	}
	if s.p2pNode != nil {
		if err := s.p2pNode.BroadcastTx(transaction); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to broadcast consolidation tx")
		}
	}

	// Track change address and advance index.
	_ = s.keystore.AddAccount(params.Name, wallet.AccountEntry{
		Index:   changeIdx,
		Change:  wallet.ChangeInternal,
		Name:    fmt.Sprintf("Change %d", changeIdx),
		Address: changeAddr.String(),
	})
	if err := s.keystore.IncrementChangeIndex(params.Name); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to update change index")
	}

	return &WalletConsolidateResult{
		TxHash:       transaction.Hash().String(),
		InputsUsed:   uint32(limit),
		InputTotal:   total,
		OutputAmount: outputAmount,
		Fee:          fee,
	}, nil
}

func (s *Server) handleWalletSendMany(req *Request) (interface{}, *Error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}

	var params WalletSendManyParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Name == "" || params.Password == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "name and password are required"}
	}
	if len(params.Recipients) == 0 {
		return nil, &Error{Code: CodeInvalidParams, Message: "at least one recipient is required"}
	}

	// Validate all recipients and compute total output amount.
	type parsed struct {
		addr   types.Address
		amount uint64
	}
	recipients := make([]parsed, len(params.Recipients))
	var totalAmount uint64
	for i, r := range params.Recipients {
		if r.To == "" || r.Amount == 0 {
			return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("recipient %d: to and amount are required", i)}
		}
		addr, addrErr := decodeAddress(r.To)
		if addrErr != nil {
			return nil, addrErr
		}
		recipients[i] = parsed{addr: addr, amount: r.Amount}
		totalAmount += r.Amount
	}

	// Load wallet.
	seed, loadErr := s.keystore.Load(params.Name, []byte(params.Password))
	if loadErr != nil {
		s.logger.Debug().Err(loadErr).Msg("wallet load failed")
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid wallet name or password"}
	}

	master, masterErr := wallet.NewMasterKey(seed)
	for i := range seed {
		seed[i] = 0
	}
	if masterErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive master key: %v", masterErr)}
	}

	// Collect UTXOs from all wallet addresses.
	wset, collectErr := s.collectWalletUTXOs(master, params.Name, s.utxos, s.chain.Height())
	if collectErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("collect utxos: %v", collectErr)}
	}
	defer wset.zeroSigners()
	nativeUTXOs := filterNativeUTXOs(wset.utxos)
	if len(nativeUTXOs) == 0 {
		return nil, &Error{Code: CodeInvalidParams, Message: "no UTXOs found for wallet"}
	}

	// Fee estimation with iterative coin selection.
	feeRate := s.genesis.Protocol.Consensus.MinRelayFeeRate
	numOutputs := len(recipients) + 1 // recipients + change
	fee := tx.EstimateTxFee(1, numOutputs, feeRate)
	selection, selErr := wallet.SelectCoins(nativeUTXOs, totalAmount+fee)
	if selErr != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("coin selection: %v", selErr)}
	}
	// Recalculate fee with actual input count.
	fee = tx.EstimateTxFee(len(selection.Inputs), numOutputs, feeRate)
	if selection.Total < totalAmount+fee {
		selection, selErr = wallet.SelectCoins(nativeUTXOs, totalAmount+fee)
		if selErr != nil {
			return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("coin selection: %v", selErr)}
		}
		fee = tx.EstimateTxFee(len(selection.Inputs), numOutputs, feeRate)
	}
	change := selection.Total - totalAmount - fee

	// Build transaction.
	builder := tx.NewBuilder()
	for _, input := range selection.Inputs {
		builder.AddInput(input.Outpoint)
	}

	// Add all recipient outputs.
	for _, r := range recipients {
		script := types.Script{
			Type: types.ScriptTypeP2PKH,
			Data: r.addr.Bytes(),
		}
		builder.AddOutput(r.amount, script)
	}

	// Change output.
	var changeIdx uint32
	var changeAddr types.Address
	if change > 0 {
		var chErr error
		changeIdx, chErr = s.keystore.GetChangeIndex(params.Name)
		if chErr != nil {
			return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("get change index: %v", chErr)}
		}
		changeKey, chKeyErr := master.DeriveAddress(0, wallet.ChangeInternal, changeIdx)
		if chKeyErr != nil {
			return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive change address: %v", chKeyErr)}
		}
		changeAddr = changeKey.Address()
		changeScript := types.Script{
			Type: types.ScriptTypeP2PKH,
			Data: changeAddr.Bytes(),
		}
		builder.AddOutput(change, changeScript)
	}

	// Sign with per-input keys.
	if err := builder.SignMulti(wset.signers, wset.addrByOutpoint); err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("sign transaction: %v", err)}
	}

	transaction := builder.Build()

	// Add to mempool.
	_, poolErr := s.pool.Add(transaction)
	if poolErr != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("rejected: %v", poolErr)}
	}

	// Broadcast to P2P network.
	if s.p2pNode != nil {
		if err := s.p2pNode.BroadcastTx(transaction); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to broadcast transaction")
		}
	}

	// Track change address and advance index.
	if change > 0 {
		_ = s.keystore.AddAccount(params.Name, wallet.AccountEntry{
			Index:   changeIdx,
			Change:  wallet.ChangeInternal,
			Name:    fmt.Sprintf("Change %d", changeIdx),
			Address: changeAddr.String(),
		})
		if err := s.keystore.IncrementChangeIndex(params.Name); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to update change index")
		}
	}

	return &WalletSendManyResult{
		TxHash: transaction.Hash().String(),
	}, nil
}

func (s *Server) handleWalletExportKey(req *Request) (interface{}, *Error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}

	var params WalletExportKeyParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Name == "" || params.Password == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "name and password are required"}
	}

	// Load seed.
	seed, loadErr := s.keystore.Load(params.Name, []byte(params.Password))
	if loadErr != nil {
		s.logger.Debug().Err(loadErr).Msg("wallet load failed")
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid wallet name or password"}
	}

	master, masterErr := wallet.NewMasterKey(seed)
	for i := range seed {
		seed[i] = 0
	}
	if masterErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive master key: %v", masterErr)}
	}

	hdKey, derErr := master.DeriveAddress(params.Account, wallet.ChangeExternal, params.Index)
	if derErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive key: %v", derErr)}
	}

	privBytes := hdKey.PrivateKeyBytes()
	if privBytes == nil {
		return nil, &Error{Code: CodeInternalError, Message: "no private key available"}
	}

	pubBytes := hdKey.PublicKeyBytes()
	addr := hdKey.Address()

	privHexBytes := []byte(hex.EncodeToString(privBytes))

	// Zero private key bytes.
	for i := range privBytes {
		privBytes[i] = 0
	}

	result := &WalletExportKeyResult{
		PrivateKey: string(privHexBytes),
		PubKey:     hex.EncodeToString(pubBytes),
		Address:    addr.String(),
	}

	// Best-effort zero of hex bytes (Go strings are immutable copies).
	for i := range privHexBytes {
		privHexBytes[i] = 0
	}

	return result, nil
}

func (s *Server) handleWalletGetHistory(req *Request) (interface{}, *Error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}

	var params WalletGetHistoryParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Name == "" || params.Password == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "name and password are required"}
	}

	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := params.Offset
	if offset < 0 {
		offset = 0
	}

	// Verify password by loading wallet.
	seed, loadErr := s.keystore.Load(params.Name, []byte(params.Password))
	if loadErr != nil {
		s.logger.Debug().Err(loadErr).Msg("wallet load failed")
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid wallet name or password"}
	}
	for i := range seed {
		seed[i] = 0
	}

	// Gather all wallet addresses into a set.
	accounts, accErr := s.keystore.ListAccounts(params.Name)
	if accErr != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("list accounts: %v", accErr)}
	}

	addrSet := make(map[types.Address]bool, len(accounts))
	for _, a := range accounts {
		addr, err := types.ParseAddress(a.Address)
		if err == nil {
			addrSet[addr] = true
		}
	}

	if len(addrSet) == 0 {
		return &WalletGetHistoryResult{Total: 0, Entries: []TxHistoryEntry{}}, nil
	}

	// If we have a persistent index, use the indexed path.
	if s.txIndex != nil {
		return s.getHistoryIndexed(params.Name, "root", addrSet, limit, offset)
	}

	// Fallback: scan blocks from tip down (newest first).
	return s.getHistoryFallback(addrSet, limit, offset)
}

// getHistoryIndexed uses the persistent WalletTxIndex. It incrementally
// indexes new blocks since the last call, handles reorgs by rolling back
// entries above the current tip, then queries the index.
func (s *Server) getHistoryIndexed(walletName, chainID string, addrSet map[types.Address]bool, limit, offset int) (interface{}, *Error) {
	tipHeight := s.chain.Height()

	meta, err := s.txIndex.GetMeta(walletName, chainID)
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("read index: %v", err)}
	}

	// Reorg detection: if tip is below last indexed height, roll back.
	if meta.Count > 0 && tipHeight < meta.LastHeight {
		if err := s.txIndex.DeleteAbove(walletName, chainID, tipHeight); err != nil {
			return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("reorg rollback: %v", err)}
		}
		meta.LastHeight = tipHeight
	}

	// Incremental indexing: scan blocks from (lastHeight+1) to tipHeight.
	var startHeight uint64
	if meta.Count == 0 {
		startHeight = 0 // Fresh index, scan from genesis.
	} else {
		startHeight = meta.LastHeight + 1
	}

	if startHeight <= tipHeight {
		classifyFn := func(transaction interface{}, txIdx int, as map[types.Address]bool, blk interface{}) *TxHistoryEntry {
			txn, ok := transaction.(*tx.Transaction)
			if !ok {
				return nil
			}
			blkTyped, ok := blk.(interface{ Hash() types.Hash })
			if !ok {
				return nil
			}
			return s.classifyTx(txn, txIdx, as, blkTyped)
		}

		if _, err := s.txIndex.IndexBlocks(walletName, chainID, s.chain, startHeight, tipHeight, addrSet, classifyFn); err != nil {
			return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("index blocks: %v", err)}
		}
	}

	// Query the index.
	entries, total, err := s.txIndex.Query(walletName, chainID, limit, offset)
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("query index: %v", err)}
	}

	return &WalletGetHistoryResult{
		Total:   total,
		Entries: entries,
	}, nil
}

// getHistoryFallback scans blocks from tip down without an index.
// Capped at 1000 entries to bound response time.
func (s *Server) getHistoryFallback(addrSet map[types.Address]bool, limit, offset int) (interface{}, *Error) {
	const maxEntries = 1000
	tipHeight := s.chain.Height()
	var entries []TxHistoryEntry

	for h := int64(tipHeight); h >= 0; h-- {
		blk, err := s.chain.GetBlockByHeight(uint64(h))
		if err != nil {
			continue
		}

		blockHash := blk.Hash().String()
		blockTime := blk.Header.Timestamp

		for txIdx, transaction := range blk.Transactions {
			entry := s.classifyTx(transaction, txIdx, addrSet, blk)
			if entry == nil {
				continue
			}
			entry.BlockHash = blockHash
			entry.Height = uint64(h)
			entry.Timestamp = blockTime
			entry.Confirmed = true
			entries = append(entries, *entry)
		}

		if len(entries) >= maxEntries {
			break
		}
	}

	total := len(entries)

	// Apply pagination.
	if offset >= total {
		return &WalletGetHistoryResult{Total: total, Entries: []TxHistoryEntry{}}, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	paged := entries[offset:end]

	return &WalletGetHistoryResult{
		Total:   total,
		Entries: paged,
	}, nil
}

// classifyTx determines if a transaction is relevant to the wallet and classifies it.
func (s *Server) classifyTx(transaction *tx.Transaction, txIdx int, addrSet map[types.Address]bool, blk interface{ Hash() types.Hash }) *TxHistoryEntry {
	txHash := transaction.Hash().String()
	isCoinbase := txIdx == 0 && len(transaction.Inputs) > 0 && transaction.Inputs[0].PrevOut.IsZero()

	var ourInputSum, otherOutputSum, ourOutputSum uint64
	var hasOurInputs bool
	var firstTo, firstFrom string

	// Check outputs.
	for _, out := range transaction.Outputs {
		addr := scriptToAddress(out.Script)
		isOurs := addr != nil && addrSet[*addr]

		if isOurs {
			ourOutputSum += out.Value
		} else {
			otherOutputSum += out.Value
			if firstTo == "" && addr != nil {
				firstTo = addr.String()
			}
		}
	}

	// Check inputs (skip coinbase). Track input addresses for self-send detection.
	inputAddrs := make(map[types.Address]bool)
	if !isCoinbase {
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			// Derive address from the input's pubkey.
			if len(in.PubKey) == 33 {
				addr := crypto.AddressFromPubKey(in.PubKey)
				inputAddrs[addr] = true
				if addrSet[addr] {
					hasOurInputs = true
					// Look up the input value from the previous tx output.
					prevTx, err := s.chain.GetTransaction(in.PrevOut.TxID)
					if err == nil && int(in.PrevOut.Index) < len(prevTx.Outputs) {
						ourInputSum += prevTx.Outputs[in.PrevOut.Index].Value
					}
				} else if firstFrom == "" {
					firstFrom = addr.String()
				}
			}
		}
	}

	// Classify.
	var entry *TxHistoryEntry

	switch {
	case isCoinbase && ourOutputSum > 0:
		// Mined block reward.
		entry = &TxHistoryEntry{
			TxHash: txHash,
			Type:   "mined",
			Amount: formatAmount(ourOutputSum),
			Fee:    "0.000000000000",
		}

	case hasOurInputs:
		// Sent by us.
		fee := safeSub(ourInputSum, totalOutputs(transaction))
		sentAmount := otherOutputSum
		sentTo := firstTo

		// Self-send: all outputs go to our addresses. Use the first output
		// going to a non-input address as the sent amount (tx builder adds
		// the send output before the change output).
		if otherOutputSum == 0 {
			for _, out := range transaction.Outputs {
				addr := scriptToAddress(out.Script)
				if addr != nil && !inputAddrs[*addr] {
					sentAmount = out.Value
					sentTo = addr.String()
					break
				}
			}
		}

		entry = &TxHistoryEntry{
			TxHash: txHash,
			Type:   "sent",
			Amount: formatAmount(sentAmount),
			Fee:    formatAmount(fee),
			To:     sentTo,
		}

	case ourOutputSum > 0:
		// Received.
		entry = &TxHistoryEntry{
			TxHash: txHash,
			Type:   "received",
			Amount: formatAmount(ourOutputSum),
			Fee:    "0.000000000000",
			From:   firstFrom,
		}
	}

	return entry
}

// scriptToAddress extracts an address from a P2PKH script.
func scriptToAddress(s types.Script) *types.Address {
	if s.Type == types.ScriptTypeP2PKH && len(s.Data) == types.AddressSize {
		var addr types.Address
		copy(addr[:], s.Data)
		return &addr
	}
	return nil
}

func totalOutputs(t *tx.Transaction) uint64 {
	var sum uint64
	for _, out := range t.Outputs {
		sum += out.Value
	}
	return sum
}

func safeSub(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return 0
}

// handleWalletRescan re-derives wallet addresses and scans blocks from a given
// height to discover addresses that received funds. This is useful after
// importing a wallet or if the address index got out of sync.
func (s *Server) handleWalletRescan(req *Request) (interface{}, *Error) {
	if err := s.requireWallet(); err != nil {
		return nil, err
	}

	var params WalletRescanParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Name == "" || params.Password == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "name and password are required"}
	}

	// Load wallet seed.
	seed, loadErr := s.keystore.Load(params.Name, []byte(params.Password))
	if loadErr != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("open wallet: %v", loadErr)}
	}
	master, masterErr := wallet.NewMasterKey(seed)
	if masterErr != nil {
		for i := range seed {
			seed[i] = 0
		}
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("derive master key: %v", masterErr)}
	}
	for i := range seed {
		seed[i] = 0
	}

	// Collect existing known addresses so we can count new discoveries.
	existingAccounts, _ := s.keystore.ListAccounts(params.Name)
	existing := make(map[string]bool, len(existingAccounts))
	for _, a := range existingAccounts {
		existing[a.Address] = true
	}

	// Phase 1: Derive addresses and build a lookup set.
	// Default supports exchange-style wallets with many deposit addresses.
	deriveLimit := uint32(2000)
	if extIdx, err := s.keystore.GetExternalIndex(params.Name); err == nil && extIdx+20 > deriveLimit {
		deriveLimit = extIdx + 20
	}
	if chgIdx, err := s.keystore.GetChangeIndex(params.Name); err == nil && chgIdx+20 > deriveLimit {
		deriveLimit = chgIdx + 20
	}
	if params.DeriveLimit > 0 {
		deriveLimit = params.DeriveLimit
	}
	const maxDeriveLimit = uint32(100000)
	if deriveLimit > maxDeriveLimit {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("derive_limit too high: max %d", maxDeriveLimit)}
	}
	type derivedAddr struct {
		address types.Address
		change  uint32
		index   uint32
	}
	var derived []derivedAddr
	addrSet := make(map[types.Address]bool)

	for _, ch := range []uint32{wallet.ChangeExternal, wallet.ChangeInternal} {
		for idx := uint32(0); idx < deriveLimit; idx++ {
			hdKey, err := master.DeriveAddress(0, ch, idx)
			if err != nil {
				break
			}
			addr := hdKey.Address()
			derived = append(derived, derivedAddr{address: addr, change: ch, index: idx})
			addrSet[addr] = true
		}
	}

	// Phase 2: Scan blocks from fromHeight to tip, marking addresses that appear in outputs.
	tipHeight := s.chain.Height()
	fromHeight := params.FromHeight
	if fromHeight > tipHeight {
		fromHeight = tipHeight
	}
	usedAddrs := make(map[types.Address]bool)

	for h := fromHeight; h <= tipHeight; h++ {
		blk, err := s.chain.GetBlockByHeight(h)
		if err != nil {
			continue
		}
		for _, txn := range blk.Transactions {
			for _, out := range txn.Outputs {
				addr := scriptToAddress(out.Script)
				if addr == nil {
					continue
				}
				if addrSet[*addr] {
					usedAddrs[*addr] = true
				}
			}
		}
	}

	// Phase 3: Also check current UTXO set for any derived address (catches
	// addresses that received funds before fromHeight and still have UTXOs).
	for _, d := range derived {
		if usedAddrs[d.address] {
			continue
		}
		utxos, err := s.utxos.GetByAddress(d.address)
		if err == nil && len(utxos) > 0 {
			usedAddrs[d.address] = true
		}
	}

	// Phase 4: Register all discovered addresses and track gap-limit indexes.
	addressesFound := len(usedAddrs)
	addressesNew := 0
	highestExternal := -1
	highestChange := -1

	for _, d := range derived {
		if !usedAddrs[d.address] {
			continue
		}
		addrStr := d.address.String()
		if !existing[addrStr] {
			addressesNew++
			namePrefix := "Address"
			if d.change == wallet.ChangeInternal {
				namePrefix = "Change"
			}
			_ = s.keystore.AddAccount(params.Name, wallet.AccountEntry{
				Index:   d.index,
				Change:  d.change,
				Name:    fmt.Sprintf("%s %d", namePrefix, d.index),
				Address: addrStr,
			})
		}
		if d.change == wallet.ChangeExternal && int(d.index) > highestExternal {
			highestExternal = int(d.index)
		}
		if d.change == wallet.ChangeInternal && int(d.index) > highestChange {
			highestChange = int(d.index)
		}
	}

	// Update derivation indexes.
	if highestExternal >= 0 {
		_ = s.keystore.SetExternalIndex(params.Name, uint32(highestExternal+1))
	}
	if highestChange >= 0 {
		_ = s.keystore.SetChangeIndex(params.Name, uint32(highestChange+1))
	}

	return &WalletRescanResult{
		AddressesFound: addressesFound,
		AddressesNew:   addressesNew,
		FromHeight:     fromHeight,
		ToHeight:       tipHeight,
	}, nil
}
