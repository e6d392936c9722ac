package clients

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	binary "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"

	"github.com/vitwit/cryptopay/logger"
	"github.com/vitwit/cryptopay/types"
)

// SolanaTokenBalance is one SPL token account balance from transaction meta.
type SolanaTokenBalance struct {
	AccountIndex int
	Mint         string
	Owner        string
	Amount       *big.Int
}

// SolanaTransfer is a decoded System program transfer instruction.
type SolanaTransfer struct {
	From     string
	To       string
	Lamports uint64
}

// SolanaTransaction is a confirmed transaction with its balance meta.
// AccountKeys covers static keys followed by lookup-table loaded keys, in the
// order the balance arrays are indexed.
type SolanaTransaction struct {
	Signature         string
	Slot              uint64
	Failed            bool
	AccountKeys       []string
	PreBalances       []uint64
	PostBalances      []uint64
	PreTokenBalances  []SolanaTokenBalance
	PostTokenBalances []SolanaTokenBalance
	Transfers         []SolanaTransfer
	BlockTime         *time.Time
}

// SolanaClient provides Solana transaction lookups and account subscriptions.
type SolanaClient struct {
	network    types.Network
	rpcURL     string
	wsURL      string
	client     *rpc.Client
	commitment rpc.CommitmentType
	log        logger.Logger
}

var _ Client = (*SolanaClient)(nil)

// SolanaConfig configures a SolanaClient.
type SolanaConfig struct {
	Network types.Network
	RPCUrl  string
	WSUrl   string
	// Commitment defaults to confirmed.
	Commitment rpc.CommitmentType
}

// NewSolanaClient creates a Solana client
func NewSolanaClient(cfg SolanaConfig, log logger.Logger) (*SolanaClient, error) {
	if cfg.RPCUrl == "" {
		return nil, fmt.Errorf("rpc url required for %s", cfg.Network)
	}
	commitment := cfg.Commitment
	if commitment == "" {
		commitment = rpc.CommitmentConfirmed
	}
	return &SolanaClient{
		network:    cfg.Network,
		rpcURL:     cfg.RPCUrl,
		wsURL:      cfg.WSUrl,
		client:     rpc.New(cfg.RPCUrl),
		commitment: commitment,
		log:        logger.OrNoop(log).With(map[string]any{"network": cfg.Network.String()}),
	}, nil
}

// TransactionByReference loads a transaction by its base58 signature.
func (c *SolanaClient) TransactionByReference(ctx context.Context, reference string) (*SolanaTransaction, error) {
	sig, err := solana.SignatureFromBase58(reference)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}

	maxVersion := uint64(0)
	res, err := c.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     c.commitment,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", reference, err)
	}
	if res == nil || res.Transaction == nil {
		return nil, ErrTransactionNotFound
	}
	if res.Meta == nil {
		// known to the node but not yet carrying execution meta
		return nil, ErrTransactionPending
	}

	tx, err := solana.TransactionFromDecoder(binary.NewBinDecoder(res.Transaction.GetBinary()))
	if err != nil {
		return nil, fmt.Errorf("decode transaction %s: %w", reference, err)
	}

	keys := make([]solana.PublicKey, 0, len(tx.Message.AccountKeys))
	keys = append(keys, tx.Message.AccountKeys...)
	keys = append(keys, res.Meta.LoadedAddresses.Writable...)
	keys = append(keys, res.Meta.LoadedAddresses.ReadOnly...)

	out := &SolanaTransaction{
		Signature:         sig.String(),
		Slot:              res.Slot,
		Failed:            res.Meta.Err != nil,
		AccountKeys:       make([]string, len(keys)),
		PreBalances:       res.Meta.PreBalances,
		PostBalances:      res.Meta.PostBalances,
		PreTokenBalances:  convertTokenBalances(res.Meta.PreTokenBalances),
		PostTokenBalances: convertTokenBalances(res.Meta.PostTokenBalances),
		Transfers:         systemTransfers(tx),
	}
	for i, k := range keys {
		out.AccountKeys[i] = k.String()
	}
	if res.BlockTime != nil {
		t := res.BlockTime.Time().UTC()
		out.BlockTime = &t
	}
	return out, nil
}

func convertTokenBalances(in []rpc.TokenBalance) []SolanaTokenBalance {
	out := make([]SolanaTokenBalance, 0, len(in))
	for _, b := range in {
		tb := SolanaTokenBalance{
			AccountIndex: int(b.AccountIndex),
			Mint:         b.Mint.String(),
			Amount:       new(big.Int),
		}
		if b.Owner != nil {
			tb.Owner = b.Owner.String()
		}
		if b.UiTokenAmount != nil {
			if v, ok := new(big.Int).SetString(b.UiTokenAmount.Amount, 10); ok {
				tb.Amount = v
			}
		}
		out = append(out, tb)
	}
	return out
}

// systemTransfers decodes System program transfers that reference static
// account keys only.
func systemTransfers(tx *solana.Transaction) []SolanaTransfer {
	var out []SolanaTransfer
	keys := tx.Message.AccountKeys
	for _, inst := range tx.Message.Instructions {
		if int(inst.ProgramIDIndex) >= len(keys) || !keys[inst.ProgramIDIndex].Equals(solana.SystemProgramID) {
			continue
		}

		metas := make([]*solana.AccountMeta, 0, len(inst.Accounts))
		for _, idx := range inst.Accounts {
			if int(idx) >= len(keys) {
				metas = nil
				break
			}
			pub := keys[idx]
			writable, err := tx.Message.IsWritable(pub)
			if err != nil {
				metas = nil
				break
			}
			metas = append(metas, &solana.AccountMeta{
				PublicKey:  pub,
				IsSigner:   tx.Message.IsSigner(pub),
				IsWritable: writable,
			})
		}
		if len(metas) < 2 {
			continue
		}

		decoded, err := system.DecodeInstruction(metas, inst.Data)
		if err != nil {
			continue
		}
		transfer, ok := decoded.Impl.(*system.Transfer)
		if !ok || transfer.Lamports == nil {
			continue
		}
		out = append(out, SolanaTransfer{
			From:     metas[0].PublicKey.String(),
			To:       metas[1].PublicKey.String(),
			Lamports: *transfer.Lamports,
		})
	}
	return out
}

// ListRecentReferences returns successful signatures touching address,
// newest first. Failed transactions are skipped.
func (c *SolanaClient) ListRecentReferences(ctx context.Context, address string, limit int) ([]string, error) {
	pk, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", address, err)
	}

	sigs, err := c.client.GetSignaturesForAddressWithOpts(ctx, pk, &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: c.commitment,
	})
	if err != nil {
		return nil, fmt.Errorf("signatures for %s: %w", address, err)
	}

	refs := make([]string, 0, len(sigs))
	for _, s := range sigs {
		if s == nil || s.Err != nil {
			continue
		}
		refs = append(refs, s.Signature.String())
	}
	return refs, nil
}

// SubscribeAddressActivity opens an account subscription and emits one event
// per account change notification.
func (c *SolanaClient) SubscribeAddressActivity(ctx context.Context, address string) (<-chan types.ActivityEvent, error) {
	if c.wsURL == "" {
		return nil, ErrNoWebsocket
	}
	pk, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", address, err)
	}

	wsClient, err := ws.Connect(ctx, c.wsURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s websocket: %w", c.network, err)
	}
	sub, err := wsClient.AccountSubscribe(pk, c.commitment)
	if err != nil {
		wsClient.Close()
		return nil, fmt.Errorf("account subscribe: %w", err)
	}

	out := make(chan types.ActivityEvent)
	go func() {
		defer close(out)
		defer wsClient.Close()
		defer sub.Unsubscribe()

		for {
			got, err := sub.Recv(ctx)
			if err != nil {
				if ctx.Err() == nil {
					c.log.Warn("account subscription dropped", map[string]any{"address": address, "error": err})
				}
				return
			}
			ev := types.ActivityEvent{
				Network: c.network,
				Address: address,
				At:      time.Now().UTC(),
			}
			if got != nil {
				ev.Height = got.Context.Slot
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *SolanaClient) GetNetwork() types.Network { return c.network }

func (c *SolanaClient) Close() {}
