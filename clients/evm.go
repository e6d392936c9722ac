package clients

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	lru "github.com/hashicorp/golang-lru"

	"github.com/vitwit/cryptopay/logger"
	"github.com/vitwit/cryptopay/types"
)

const erc20TransferABI = `[{
	"anonymous": false,
	"inputs": [
	  {"indexed": true,  "name": "from",  "type": "address"},
	  {"indexed": true,  "name": "to",    "type": "address"},
	  {"indexed": false, "name": "value", "type": "uint256"}
	],
	"name": "Transfer",
	"type": "event"
}]`

var transferEventSig = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// DefaultEVMScanDepth is how many recent blocks are inspected when listing
// references for an address.
const DefaultEVMScanDepth = 12

// EVMTransfer is one value movement inside a transaction. Token is empty for
// the native coin.
type EVMTransfer struct {
	Token string
	From  string
	To    string
	Value *big.Int
}

// EVMTransaction is a receipt-level view of an executed transaction.
type EVMTransaction struct {
	Hash        string
	Succeeded   bool
	BlockNumber uint64
	From        string
	To          string
	Value       *big.Int
	Transfers   []EVMTransfer
	Timestamp   *time.Time
}

// EVMClient reads transactions and address activity from an EVM chain.
type EVMClient struct {
	network   types.Network
	rpcURL    string
	wsURL     string
	client    *ethclient.Client
	tokenABI  abi.ABI
	token     common.Address // zero for native coin
	scanDepth uint64
	log       logger.Logger

	chainMu sync.Mutex
	chainID *big.Int

	// block number -> []blockMatch, so overlapping scans hit the node once
	blocks *lru.Cache
}

var _ Client = (*EVMClient)(nil)

// EVMConfig configures an EVMClient.
type EVMConfig struct {
	Network types.Network
	RPCUrl  string
	WSUrl   string
	// Token is the ERC-20 contract to follow; empty follows the native coin.
	Token     string
	ScanDepth uint64
}

func NewEVMClient(cfg EVMConfig, log logger.Logger) (*EVMClient, error) {
	client, err := ethclient.Dial(cfg.RPCUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s RPC: %w", cfg.Network, err)
	}
	return newEVMClient(cfg, client, log)
}

func newEVMClient(cfg EVMConfig, client *ethclient.Client, log logger.Logger) (*EVMClient, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20TransferABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}

	blocks, err := lru.New(256)
	if err != nil {
		return nil, err
	}

	depth := cfg.ScanDepth
	if depth == 0 {
		depth = DefaultEVMScanDepth
	}

	var token common.Address
	if cfg.Token != "" {
		if !common.IsHexAddress(cfg.Token) {
			return nil, fmt.Errorf("invalid token contract %q", cfg.Token)
		}
		token = common.HexToAddress(cfg.Token)
	}

	return &EVMClient{
		network:   cfg.Network,
		rpcURL:    cfg.RPCUrl,
		wsURL:     cfg.WSUrl,
		client:    client,
		tokenABI:  parsed,
		token:     token,
		scanDepth: depth,
		log:       logger.OrNoop(log).With(map[string]any{"network": cfg.Network.String()}),
		blocks:    blocks,
	}, nil
}

func (e *EVMClient) GetNetwork() types.Network {
	return e.network
}

func (e *EVMClient) Close() {
	e.client.Close()
}

func (e *EVMClient) getChainID(ctx context.Context) (*big.Int, error) {
	e.chainMu.Lock()
	defer e.chainMu.Unlock()

	if e.chainID != nil {
		return e.chainID, nil
	}
	id, err := e.client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id fetch failed: %w", err)
	}
	e.chainID = id
	return id, nil
}

// TransactionByReference fetches a transaction and its receipt. It returns
// ErrTransactionNotFound when the hash is unknown and ErrTransactionPending
// while the transaction sits in the mempool.
func (e *EVMClient) TransactionByReference(ctx context.Context, reference string) (*EVMTransaction, error) {
	if !isTxHash(reference) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidReference, reference)
	}
	hash := common.HexToHash(reference)

	tx, isPending, err := e.client.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", reference, err)
	}
	if isPending {
		return nil, ErrTransactionPending
	}

	receipt, err := e.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrTransactionPending
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt %s: %w", reference, err)
	}

	out := &EVMTransaction{
		Hash:      hash.Hex(),
		Succeeded: receipt.Status == ethtypes.ReceiptStatusSuccessful,
		Value:     tx.Value(),
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}

	if chainID, err := e.getChainID(ctx); err == nil {
		if sender, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(chainID), tx); err == nil {
			out.From = sender.Hex()
		}
	}

	if tx.To() != nil {
		out.To = tx.To().Hex()
		if tx.Value().Sign() > 0 {
			out.Transfers = append(out.Transfers, EVMTransfer{
				From:  out.From,
				To:    out.To,
				Value: tx.Value(),
			})
		}
	}

	for _, l := range receipt.Logs {
		t, ok := e.decodeTransfer(l)
		if ok {
			out.Transfers = append(out.Transfers, t)
		}
	}

	if header, err := e.client.HeaderByNumber(ctx, receipt.BlockNumber); err == nil {
		ts := time.Unix(int64(header.Time), 0).UTC()
		out.Timestamp = &ts
	}

	return out, nil
}

func (e *EVMClient) decodeTransfer(l *ethtypes.Log) (EVMTransfer, bool) {
	if len(l.Topics) != 3 || l.Topics[0] != transferEventSig {
		return EVMTransfer{}, false
	}
	values, err := e.tokenABI.Unpack("Transfer", l.Data)
	if err != nil || len(values) != 1 {
		return EVMTransfer{}, false
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return EVMTransfer{}, false
	}
	return EVMTransfer{
		Token: l.Address.Hex(),
		From:  common.BytesToAddress(l.Topics[1].Bytes()).Hex(),
		To:    common.BytesToAddress(l.Topics[2].Bytes()).Hex(),
		Value: value,
	}, true
}

type blockMatch struct {
	hash string
	to   common.Address
}

// ListRecentReferences scans the most recent blocks for native transfers to
// address, plus ERC-20 Transfer logs when a token is configured.
func (e *EVMClient) ListRecentReferences(ctx context.Context, address string, limit int) ([]string, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid address %q", address)
	}
	target := common.HexToAddress(address)

	head, err := e.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("block number: %w", err)
	}
	from := uint64(0)
	if head+1 > e.scanDepth {
		from = head + 1 - e.scanDepth
	}

	var refs []string
	seen := make(map[string]struct{})
	add := func(h string) {
		if _, ok := seen[h]; ok {
			return
		}
		seen[h] = struct{}{}
		refs = append(refs, h)
	}

	if e.token != (common.Address{}) {
		logs, err := e.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(head),
			Addresses: []common.Address{e.token},
			Topics:    [][]common.Hash{{transferEventSig}, nil, {common.BytesToHash(target.Bytes())}},
		})
		if err != nil {
			return nil, fmt.Errorf("filter logs: %w", err)
		}
		// logs come oldest first
		for i := len(logs) - 1; i >= 0 && len(refs) < limit; i-- {
			add(logs[i].TxHash.Hex())
		}
		return refs, nil
	}

	for n := head; n >= from && len(refs) < limit; n-- {
		matches, err := e.blockMatches(ctx, n)
		if err != nil {
			return nil, err
		}
		for i := len(matches) - 1; i >= 0 && len(refs) < limit; i-- {
			if matches[i].to == target {
				add(matches[i].hash)
			}
		}
		if n == 0 {
			break
		}
	}
	return refs, nil
}

func (e *EVMClient) blockMatches(ctx context.Context, number uint64) ([]blockMatch, error) {
	if cached, ok := e.blocks.Get(number); ok {
		return cached.([]blockMatch), nil
	}

	block, err := e.client.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", number, err)
	}

	matches := make([]blockMatch, 0, len(block.Transactions()))
	for _, tx := range block.Transactions() {
		if tx.To() == nil || tx.Value().Sign() == 0 {
			continue
		}
		matches = append(matches, blockMatch{hash: tx.Hash().Hex(), to: *tx.To()})
	}
	e.blocks.Add(number, matches)
	return matches, nil
}

// SubscribeAddressActivity emits one event per new block head. EVM nodes do
// not push per-address balance changes, so the watcher inspects each head.
func (e *EVMClient) SubscribeAddressActivity(ctx context.Context, address string) (<-chan types.ActivityEvent, error) {
	if e.wsURL == "" {
		return nil, ErrNoWebsocket
	}
	ws, err := ethclient.DialContext(ctx, e.wsURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s websocket: %w", e.network, err)
	}

	heads := make(chan *ethtypes.Header, 16)
	sub, err := ws.SubscribeNewHead(ctx, heads)
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("subscribe new heads: %w", err)
	}

	out := make(chan types.ActivityEvent)
	go func() {
		defer close(out)
		defer ws.Close()
		defer sub.Unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return
			case err := <-sub.Err():
				if err != nil {
					e.log.Warn("head subscription dropped", map[string]any{"error": err})
				}
				return
			case h := <-heads:
				ev := types.ActivityEvent{
					Network: e.network,
					Address: address,
					Height:  h.Number.Uint64(),
					At:      time.Unix(int64(h.Time), 0).UTC(),
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func isTxHash(s string) bool {
	if len(s) != 66 || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, c := range s[2:] {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}
