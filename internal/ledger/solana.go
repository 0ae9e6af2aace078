package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"negotiation-hive/internal/domain"
)

const (
	programMemo  = "spl-memo"
	programToken = "spl-token"
)

// SolanaOptions parameterise the Solana verifier.
type SolanaOptions struct {
	RPCURL         string
	WalletAddress  string
	TokenAccount   string
	Timeout        time.Duration
	SignatureLimit int
}

// Solana verifies payments through the Solana JSON-RPC API.
type Solana struct {
	opts      SolanaOptions
	logger    zerolog.Logger
	client    *rpc.Client
	clientMux sync.Mutex
	now       func() time.Time
}

// NewSolana builds a verifier. The RPC connection is dialled lazily.
func NewSolana(opts SolanaOptions, logger zerolog.Logger) *Solana {
	if opts.SignatureLimit <= 0 {
		opts.SignatureLimit = 20
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Solana{
		opts:   opts,
		logger: logger.With().Str("component", "solana_verifier").Logger(),
		now:    time.Now,
	}
}

// VerifyPayment scans recent finalized transactions to the receiving address.
func (s *Solana) VerifyPayment(ctx context.Context, amount decimal.Decimal, memo, currency string) (*domain.PaymentProof, error) {
	if s.opts.RPCURL == "" {
		return nil, errors.New("solana rpc url not configured")
	}
	if s.opts.WalletAddress == "" {
		return nil, errors.New("solana wallet address not configured")
	}
	cur, err := NormalizeCurrency(currency)
	if err != nil {
		return nil, err
	}
	if cur == CurrencyUSDC && s.opts.TokenAccount == "" {
		return nil, errors.New("usdc token account not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	client, err := s.getClient(ctx)
	if err != nil {
		return nil, err
	}

	var signatures []signatureInfo
	if err := client.CallContext(ctx, &signatures, "getSignaturesForAddress", s.opts.WalletAddress, map[string]any{
		"limit":      s.opts.SignatureLimit,
		"commitment": "finalized",
	}); err != nil {
		return nil, fmt.Errorf("get signatures: %w", err)
	}

	for _, sig := range signatures {
		if sig.failed() {
			continue
		}

		var tx *transaction
		if err := client.CallContext(ctx, &tx, "getTransaction", sig.Signature, map[string]any{
			"encoding":                       "jsonParsed",
			"commitment":                     "finalized",
			"maxSupportedTransactionVersion": 0,
		}); err != nil {
			return nil, fmt.Errorf("get transaction %s: %w", sig.Signature, err)
		}
		if tx == nil || tx.Meta == nil || tx.Meta.failed() {
			continue
		}
		if !tx.hasMemo(memo) {
			continue
		}

		var sender string
		var matched bool
		switch cur {
		case CurrencySOL:
			sender, matched = tx.matchNative(s.opts.WalletAddress, amount)
		case CurrencyUSDC:
			sender, matched = tx.matchToken(s.opts.TokenAccount, amount)
		}
		if !matched {
			s.logger.Debug().Str("signature", sig.Signature).Str("memo", memo).Msg("memo matched but amount did not")
			continue
		}

		confirmed := s.now().UTC()
		if tx.BlockTime != nil {
			confirmed = time.Unix(*tx.BlockTime, 0).UTC()
		}
		if sender == "" {
			sender = "unknown"
		}

		s.logger.Info().Str("signature", sig.Signature).Uint64("slot", tx.Slot).Str("memo", memo).Msg("payment verified")
		return &domain.PaymentProof{
			TransactionHash: sig.Signature,
			BlockNumber:     strconv.FormatUint(tx.Slot, 10),
			FromAddress:     sender,
			ConfirmedAt:     confirmed,
		}, nil
	}

	return nil, nil
}

// Close releases the RPC connection.
func (s *Solana) Close() {
	s.clientMux.Lock()
	defer s.clientMux.Unlock()
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}

func (s *Solana) getClient(ctx context.Context) (*rpc.Client, error) {
	s.clientMux.Lock()
	defer s.clientMux.Unlock()

	if s.client != nil {
		return s.client, nil
	}

	client, err := rpc.DialContext(ctx, s.opts.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial solana rpc: %w", err)
	}
	s.client = client
	return client, nil
}

type signatureInfo struct {
	Signature string          `json:"signature"`
	Slot      uint64          `json:"slot"`
	Err       json.RawMessage `json:"err"`
	BlockTime *int64          `json:"blockTime"`
}

func (s signatureInfo) failed() bool { return isSet(s.Err) }

type transaction struct {
	Slot        uint64           `json:"slot"`
	BlockTime   *int64           `json:"blockTime"`
	Meta        *transactionMeta `json:"meta"`
	Transaction struct {
		Signatures []string `json:"signatures"`
		Message    struct {
			AccountKeys  []accountKey  `json:"accountKeys"`
			Instructions []instruction `json:"instructions"`
		} `json:"message"`
	} `json:"transaction"`
}

type transactionMeta struct {
	Err               json.RawMessage `json:"err"`
	PreBalances       []int64         `json:"preBalances"`
	PostBalances      []int64         `json:"postBalances"`
	InnerInstructions []struct {
		Index        int           `json:"index"`
		Instructions []instruction `json:"instructions"`
	} `json:"innerInstructions"`
}

func (m *transactionMeta) failed() bool { return isSet(m.Err) }

// accountKey accepts both the jsonParsed object form and a bare string.
type accountKey struct {
	Pubkey string `json:"pubkey"`
}

func (k *accountKey) UnmarshalJSON(data []byte) error {
	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		k.Pubkey = plain
		return nil
	}
	type alias accountKey
	var obj alias
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*k = accountKey(obj)
	return nil
}

type instruction struct {
	Program   string          `json:"program"`
	ProgramID string          `json:"programId"`
	Parsed    json.RawMessage `json:"parsed"`
}

type tokenTransfer struct {
	Type string `json:"type"`
	Info struct {
		Source      string `json:"source"`
		Destination string `json:"destination"`
		Authority   string `json:"authority"`
		Amount      string `json:"amount"`
		TokenAmount *struct {
			Amount   string `json:"amount"`
			Decimals int32  `json:"decimals"`
		} `json:"tokenAmount"`
	} `json:"info"`
}

func (tx *transaction) instructions() []instruction {
	all := append([]instruction(nil), tx.Transaction.Message.Instructions...)
	if tx.Meta != nil {
		for _, inner := range tx.Meta.InnerInstructions {
			all = append(all, inner.Instructions...)
		}
	}
	return all
}

func (tx *transaction) hasMemo(memo string) bool {
	for _, ix := range tx.instructions() {
		if ix.Program != programMemo {
			continue
		}
		var parsed string
		if err := json.Unmarshal(ix.Parsed, &parsed); err == nil && parsed == memo {
			return true
		}
	}
	return false
}

// matchNative compares the receiving account's lamport delta and names the
// account with the largest balance decrease as sender.
func (tx *transaction) matchNative(wallet string, expected decimal.Decimal) (string, bool) {
	keys := tx.Transaction.Message.AccountKeys
	pre, post := tx.Meta.PreBalances, tx.Meta.PostBalances
	if len(pre) != len(keys) || len(post) != len(keys) {
		return "", false
	}

	idx := -1
	for i, k := range keys {
		if k.Pubkey == wallet {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", false
	}

	received := decimal.NewFromInt(post[idx] - pre[idx]).Div(lamportsPerSOL)
	if !withinTolerance(received, expected) {
		return "", false
	}

	sender := ""
	var largest int64
	for i := range keys {
		if i == idx {
			continue
		}
		if dec := pre[i] - post[i]; dec > largest {
			largest = dec
			sender = keys[i].Pubkey
		}
	}
	return sender, true
}

func (tx *transaction) matchToken(tokenAccount string, expected decimal.Decimal) (string, bool) {
	for _, ix := range tx.instructions() {
		if ix.Program != programToken {
			continue
		}
		var tr tokenTransfer
		if err := json.Unmarshal(ix.Parsed, &tr); err != nil {
			continue
		}
		if tr.Type != "transfer" && tr.Type != "transferChecked" {
			continue
		}
		if tr.Info.Destination != tokenAccount {
			continue
		}

		raw, scale := tr.Info.Amount, usdcUnits
		if tr.Info.TokenAmount != nil {
			raw = tr.Info.TokenAmount.Amount
			scale = decimal.New(1, tr.Info.TokenAmount.Decimals)
		}
		atoms, err := decimal.NewFromString(raw)
		if err != nil {
			continue
		}
		if !withinTolerance(atoms.Div(scale), expected) {
			continue
		}

		if tr.Info.Authority != "" {
			return tr.Info.Authority, true
		}
		return tr.Info.Source, true
	}
	return "", false
}

func isSet(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

var _ Verifier = (*Solana)(nil)
