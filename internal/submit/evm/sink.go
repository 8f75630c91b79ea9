// Package evm implements the settlement sink against an EVM settlement
// contract via go-ethereum. The contract exposes settleBatch, an atomic
// transfer-list call keyed by batch ID, and an isSettled view used by the
// recovery path.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/clearmesh/settler/internal/domain"
)

// settlementABI is the minimal interface of the settlement contract.
const settlementABI = `[
	{"name":"settleBatch","type":"function","stateMutability":"nonpayable","inputs":[
		{"name":"batchId","type":"bytes32"},
		{"name":"tokens","type":"address[]"},
		{"name":"froms","type":"address[]"},
		{"name":"tos","type":"address[]"},
		{"name":"amounts","type":"uint256[]"},
		{"name":"deadlines","type":"uint256[]"}],"outputs":[]},
	{"name":"isSettled","type":"function","stateMutability":"view","inputs":[
		{"name":"batchId","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]}
]`

// Config holds the sink endpoint, credentials, and token mapping.
type Config struct {
	RPCURL         string
	Contract       string
	PrivateKey     string
	ChainID        int64
	ConfirmTimeout time.Duration
	// AmountDecimals scales decimal leg amounts into the contract's integer
	// units.
	AmountDecimals int32
	// TokenAddresses maps token symbols to ERC-20 contract addresses. A leg
	// whose token has no mapping makes the batch unsubmittable.
	TokenAddresses map[string]string
}

// Sink submits batches to the settlement contract as single atomic
// transactions and waits for them to be mined.
type Sink struct {
	client         *ethclient.Client
	contract       common.Address
	contractABI    abi.ABI
	privateKey     *ecdsa.PrivateKey
	from           common.Address
	chainID        *big.Int
	confirmTimeout time.Duration
	decimals       int32
	tokens         map[string]common.Address
	logger         *slog.Logger
}

// New dials the RPC endpoint and prepares the signing identity.
func New(cfg Config, logger *slog.Logger) (*Sink, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("evm: dial %s: %w", cfg.RPCURL, err)
	}

	parsed, err := abi.JSON(strings.NewReader(settlementABI))
	if err != nil {
		return nil, fmt.Errorf("evm: parse abi: %w", err)
	}

	keyHex := strings.TrimPrefix(cfg.PrivateKey, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("evm: invalid private key: %w", err)
	}

	tokens := make(map[string]common.Address, len(cfg.TokenAddresses))
	for symbol, addr := range cfg.TokenAddresses {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("evm: token %s: invalid address %q", symbol, addr)
		}
		tokens[symbol] = common.HexToAddress(addr)
	}

	return &Sink{
		client:         client,
		contract:       common.HexToAddress(cfg.Contract),
		contractABI:    parsed,
		privateKey:     pk,
		from:           ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID:        big.NewInt(cfg.ChainID),
		confirmTimeout: cfg.ConfirmTimeout,
		decimals:       cfg.AmountDecimals,
		tokens:         tokens,
		logger:         logger.With(slog.String("component", "evm_sink")),
	}, nil
}

// Name identifies the sink variant in logs and results.
func (s *Sink) Name() string { return "evm" }

// Close releases the RPC connection.
func (s *Sink) Close() {
	s.client.Close()
}

// batchKey derives the contract's bytes32 batch key from the batch ID.
func batchKey(batchID string) common.Hash {
	return ethcrypto.Keccak256Hash([]byte(batchID))
}

// Submit maps the batch's legs into the contract's transfer-list shape,
// sends settleBatch as one transaction, and waits for the receipt. The
// contract reverts the whole batch if any leg cannot be applied.
func (s *Sink) Submit(ctx context.Context, batch *domain.Batch) (domain.SinkReceipt, error) {
	calldata, err := s.pack(batch)
	if err != nil {
		return domain.SinkReceipt{}, err
	}

	nonce, err := s.client.PendingNonceAt(ctx, s.from)
	if err != nil {
		return domain.SinkReceipt{}, fmt.Errorf("evm: pending nonce: %w", err)
	}

	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return domain.SinkReceipt{}, fmt.Errorf("evm: suggest gas price: %w", err)
	}

	gasLimit, err := s.client.EstimateGas(ctx, ethereum.CallMsg{
		From: s.from,
		To:   &s.contract,
		Data: calldata,
	})
	if err != nil {
		return domain.SinkReceipt{}, fmt.Errorf("evm: estimate gas: %w", err)
	}

	tx := ethtypes.NewTransaction(nonce, s.contract, big.NewInt(0), gasLimit, gasPrice, calldata)
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(s.chainID), s.privateKey)
	if err != nil {
		return domain.SinkReceipt{}, fmt.Errorf("evm: sign tx: %w", err)
	}

	if err := s.client.SendTransaction(ctx, signed); err != nil {
		return domain.SinkReceipt{}, fmt.Errorf("evm: send tx: %w", err)
	}

	s.logger.InfoContext(ctx, "settlement transaction sent",
		slog.String("batch_id", batch.ID),
		slog.String("tx_hash", signed.Hash().Hex()),
		slog.Uint64("gas_limit", gasLimit),
	)

	receipt, err := s.waitMined(ctx, signed.Hash())
	if err != nil {
		return domain.SinkReceipt{}, err
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return domain.SinkReceipt{}, fmt.Errorf("evm: settleBatch reverted in tx %s", signed.Hash().Hex())
	}

	return domain.SinkReceipt{
		Reference: signed.Hash().Hex(),
		Sequence:  receipt.BlockNumber.Uint64(),
	}, nil
}

// IsSettled calls the contract's isSettled view for the batch key. Recovery
// relies on this before any resubmission.
func (s *Sink) IsSettled(ctx context.Context, batchID string) (bool, domain.SinkReceipt, error) {
	data, err := s.contractABI.Pack("isSettled", batchKey(batchID))
	if err != nil {
		return false, domain.SinkReceipt{}, fmt.Errorf("evm: pack isSettled: %w", err)
	}

	out, err := s.client.CallContract(ctx, ethereum.CallMsg{
		To:   &s.contract,
		Data: data,
	}, nil)
	if err != nil {
		return false, domain.SinkReceipt{}, fmt.Errorf("evm: call isSettled: %w", err)
	}

	var settled bool
	if err := s.contractABI.UnpackIntoInterface(&settled, "isSettled", out); err != nil {
		return false, domain.SinkReceipt{}, fmt.Errorf("evm: unpack isSettled: %w", err)
	}

	// The contract tracks settlement but not the settling transaction, so a
	// recovery-confirmed batch carries the batch key as its reference.
	return settled, domain.SinkReceipt{Reference: batchKey(batchID).Hex()}, nil
}

// pack builds settleBatch calldata from the batch's legs.
func (s *Sink) pack(batch *domain.Batch) ([]byte, error) {
	n := len(batch.Legs)
	tokens := make([]common.Address, n)
	froms := make([]common.Address, n)
	tos := make([]common.Address, n)
	amounts := make([]*big.Int, n)
	deadlines := make([]*big.Int, n)

	for i, leg := range batch.Legs {
		token, ok := s.tokens[leg.Token]
		if !ok {
			return nil, fmt.Errorf("evm: batch %s leg %d: no address for token %s", batch.ID, i, leg.Token)
		}
		if !common.IsHexAddress(leg.From) || !common.IsHexAddress(leg.To) {
			return nil, fmt.Errorf("evm: batch %s leg %d: party is not an address", batch.ID, i)
		}

		tokens[i] = token
		froms[i] = common.HexToAddress(leg.From)
		tos[i] = common.HexToAddress(leg.To)
		amounts[i] = leg.Amount.Shift(s.decimals).BigInt()
		deadlines[i] = big.NewInt(leg.Deadline.Unix())
	}

	calldata, err := s.contractABI.Pack("settleBatch",
		batchKey(batch.ID), tokens, froms, tos, amounts, deadlines)
	if err != nil {
		return nil, fmt.Errorf("evm: pack settleBatch: %w", err)
	}
	return calldata, nil
}

// waitMined polls for the transaction receipt until it lands or the confirm
// timeout elapses.
func (s *Sink) waitMined(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	wctx, cancel := context.WithTimeout(ctx, s.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := s.client.TransactionReceipt(wctx, hash)
		if err == nil {
			return receipt, nil
		}
		if err != ethereum.NotFound {
			return nil, fmt.Errorf("evm: receipt for %s: %w", hash.Hex(), err)
		}

		select {
		case <-wctx.Done():
			return nil, fmt.Errorf("evm: confirmation of %s: %w", hash.Hex(), wctx.Err())
		case <-ticker.C:
		}
	}
}

// Compile-time interface check.
var _ domain.SettlementSink = (*Sink)(nil)
