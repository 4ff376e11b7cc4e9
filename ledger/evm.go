package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

const (
	defaultReadTimeout  = 15 * time.Second
	defaultWriteTimeout = 2 * time.Minute
	defaultPollInterval = 2 * time.Second
	subscriptionBuffer  = 128
)

// EVMClient defines the subset of the Ethereum RPC used by the gateway.
type EVMClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- gethtypes.Log) (ethereum.Subscription, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// DialEVMClient initialises an EVM RPC client for the provided endpoint. A
// ws:// or wss:// endpoint enables push subscriptions; HTTP endpoints fall
// back to log polling.
func DialEVMClient(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.DialContext(ctx, trimmed)
}

// EVMConfig configures the contract binding.
type EVMConfig struct {
	Contract     common.Address
	ChainID      *big.Int
	StartBlock   uint64
	BlockRange   uint64
	GasLimit     uint64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PollInterval time.Duration
	Logger       *slog.Logger
}

// EVMGateway implements Gateway against the voting contract on an EVM chain.
type EVMGateway struct {
	client   EVMClient
	abi      abi.ABI
	contract common.Address
	eventID  common.Hash
	cfg      EVMConfig
	logger   *slog.Logger

	chainMu sync.Mutex
	chainID *big.Int

	// serialises nonce allocation across concurrent writers
	txMu sync.Mutex
}

// NewEVMGateway binds the gateway to the contract at cfg.Contract.
func NewEVMGateway(client EVMClient, cfg EVMConfig) (*EVMGateway, error) {
	if client == nil {
		return nil, fmt.Errorf("evm client required")
	}
	if cfg.Contract == (common.Address{}) {
		return nil, fmt.Errorf("contract address required")
	}
	parsed, err := ParsedTuringABI()
	if err != nil {
		return nil, err
	}
	event, ok := parsed.Events[eventOnVote]
	if !ok {
		return nil, fmt.Errorf("abi missing %s event", eventOnVote)
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gw := &EVMGateway{
		client:   client,
		abi:      parsed,
		contract: cfg.Contract,
		eventID:  event.ID,
		cfg:      cfg,
		logger:   logger.With("component", "ledger.evm", "contract", cfg.Contract.Hex()),
	}
	if cfg.ChainID != nil {
		gw.chainID = new(big.Int).Set(cfg.ChainID)
	}
	return gw, nil
}

// ListCandidates returns the authorised candidate roster in contract order.
func (g *EVMGateway) ListCandidates(ctx context.Context, sess *Session) ([]Candidate, error) {
	values, err := g.call(ctx, sess, methodCandidates)
	if err != nil {
		return nil, err
	}
	names, ok := values[0].([]string)
	if !ok {
		return nil, ReadError(methodCandidates, fmt.Errorf("unexpected result type %T", values[0]))
	}
	out := make([]Candidate, 0, len(names))
	for _, name := range names {
		out = append(out, Candidate{Name: name})
	}
	return out, nil
}

// SelfAddress returns the candidate identifier the contract associates with
// the session's account.
func (g *EVMGateway) SelfAddress(ctx context.Context, sess *Session) (string, error) {
	values, err := g.call(ctx, sess, methodLoggedUser)
	if err != nil {
		return "", err
	}
	name, ok := values[0].(string)
	if !ok {
		return "", ReadError(methodLoggedUser, fmt.Errorf("unexpected result type %T", values[0]))
	}
	return name, nil
}

// VotingEnabled reads the contract's voting flag.
func (g *EVMGateway) VotingEnabled(ctx context.Context, sess *Session) (bool, error) {
	values, err := g.call(ctx, sess, methodVotingEnabled)
	if err != nil {
		return false, err
	}
	enabled, ok := values[0].(bool)
	if !ok {
		return false, ReadError(methodVotingEnabled, fmt.Errorf("unexpected result type %T", values[0]))
	}
	return enabled, nil
}

// PrivilegedAddresses reads the teacher and deployer accounts.
func (g *EVMGateway) PrivilegedAddresses(ctx context.Context, sess *Session) (Roles, error) {
	var roles Roles
	for _, item := range []struct {
		method string
		dst    *common.Address
	}{
		{methodTeacher, &roles.Teacher},
		{methodDeployer, &roles.Deployer},
	} {
		values, err := g.call(ctx, sess, item.method)
		if err != nil {
			return Roles{}, err
		}
		addr, ok := values[0].(common.Address)
		if !ok {
			return Roles{}, ReadError(item.method, fmt.Errorf("unexpected result type %T", values[0]))
		}
		*item.dst = addr
	}
	return roles, nil
}

// QueryVoteEvents replays every OnVote log from the configured start block.
func (g *EVMGateway) QueryVoteEvents(ctx context.Context, sess *Session) ([]VoteEvent, error) {
	if err := RequireSession(sess); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.ReadTimeout)
	defer cancel()

	if g.cfg.BlockRange == 0 {
		logs, err := g.client.FilterLogs(ctx, g.filter(new(big.Int).SetUint64(g.cfg.StartBlock), nil))
		if err != nil {
			return nil, ReadError("query vote events", err)
		}
		return g.decodeAll(logs), nil
	}

	head, err := g.client.BlockNumber(ctx)
	if err != nil {
		return nil, ReadError("query head", err)
	}
	var out []VoteEvent
	for from := g.cfg.StartBlock; from <= head; from += g.cfg.BlockRange {
		to := from + g.cfg.BlockRange - 1
		if to > head {
			to = head
		}
		logs, err := g.client.FilterLogs(ctx, g.filter(new(big.Int).SetUint64(from), new(big.Int).SetUint64(to)))
		if err != nil {
			return nil, ReadError(fmt.Sprintf("query vote events %d-%d", from, to), err)
		}
		out = append(out, g.decodeAll(logs)...)
	}
	return out, nil
}

// SubscribeVoteEvents streams new OnVote logs. Endpoints without notification
// support are polled at the configured interval instead.
func (g *EVMGateway) SubscribeVoteEvents(ctx context.Context, sess *Session) (Subscription, error) {
	if err := RequireSession(sess); err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := newEventSubscription(cancel)

	logs := make(chan gethtypes.Log, subscriptionBuffer)
	raw, err := g.client.SubscribeFilterLogs(subCtx, g.filter(nil, nil), logs)
	switch {
	case err == nil:
		go g.pumpSubscription(subCtx, sess, raw, logs, sub)
		return sub, nil
	case errors.Is(err, rpc.ErrNotificationsUnsupported):
		readCtx, readCancel := context.WithTimeout(subCtx, g.cfg.ReadTimeout)
		head, headErr := g.client.BlockNumber(readCtx)
		readCancel()
		if headErr != nil {
			cancel()
			return nil, ReadError("subscribe head", headErr)
		}
		g.logger.Info("log subscriptions unsupported; polling", "interval", g.cfg.PollInterval, "from_block", head)
		go g.pollLogs(subCtx, sess, head, sub)
		return sub, nil
	default:
		cancel()
		return nil, ReadError("subscribe vote events", err)
	}
}

// SubmitVote sends vote(name, amount) and waits for the receipt.
func (g *EVMGateway) SubmitVote(ctx context.Context, sess *Session, candidate string, weight *big.Int) (Receipt, error) {
	return g.transact(ctx, sess, methodVote, candidate, weight)
}

// SubmitTokenGrant sends issueToken(code, amount) and waits for the receipt.
func (g *EVMGateway) SubmitTokenGrant(ctx context.Context, sess *Session, candidate string, weight *big.Int) (Receipt, error) {
	return g.transact(ctx, sess, methodIssueToken, candidate, weight)
}

// SetVotingEnabled sends votingOn or votingOff and waits for the receipt.
func (g *EVMGateway) SetVotingEnabled(ctx context.Context, sess *Session, enabled bool) (Receipt, error) {
	if enabled {
		return g.transact(ctx, sess, methodVotingOn)
	}
	return g.transact(ctx, sess, methodVotingOff)
}

func (g *EVMGateway) call(ctx context.Context, sess *Session, method string) ([]interface{}, error) {
	if err := RequireSession(sess); err != nil {
		return nil, err
	}
	data, err := g.abi.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.ReadTimeout)
	defer cancel()
	contract := g.contract
	out, err := g.client.CallContract(ctx, ethereum.CallMsg{From: sess.Address(), To: &contract, Data: data}, nil)
	if err != nil {
		return nil, ReadError(method, err)
	}
	values, err := g.abi.Unpack(method, out)
	if err != nil {
		return nil, ReadError(method, fmt.Errorf("decode result: %w", err))
	}
	if len(values) == 0 {
		return nil, ReadError(method, errors.New("empty result"))
	}
	return values, nil
}

func (g *EVMGateway) transact(ctx context.Context, sess *Session, method string, args ...interface{}) (Receipt, error) {
	if err := RequireSession(sess); err != nil {
		return Receipt{}, err
	}
	data, err := g.abi.Pack(method, args...)
	if err != nil {
		return Receipt{}, WriteError(method, fmt.Errorf("pack: %w", err))
	}

	g.txMu.Lock()
	signed, err := g.send(ctx, sess, data)
	g.txMu.Unlock()
	if err != nil {
		return Receipt{}, WriteError(method, err)
	}

	// Submitted transactions cannot be revoked, so the confirmation wait is
	// detached from the caller and bounded only by the write timeout.
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.WriteTimeout)
	defer cancel()
	receipt, err := g.waitMined(waitCtx, signed.Hash())
	if err != nil {
		return Receipt{}, WriteError(method, err)
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return Receipt{}, WriteError(method, fmt.Errorf("%w: transaction %s reverted", ErrWriteFailed, signed.Hash().Hex()))
	}
	var block uint64
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}
	g.logger.Info("write confirmed", "method", method, "tx", signed.Hash().Hex(), "block", block, "session", sess.ID())
	return Receipt{TxHash: signed.Hash().Hex(), BlockNumber: block}, nil
}

func (g *EVMGateway) send(ctx context.Context, sess *Session, data []byte) (*gethtypes.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.ReadTimeout)
	defer cancel()

	from := sess.Address()
	contract := g.contract
	nonce, err := g.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("fetch nonce: %w", err)
	}
	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	gas := g.cfg.GasLimit
	if gas == 0 {
		gas, err = g.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &contract, Data: data})
		if err != nil {
			return nil, fmt.Errorf("estimate gas: %w", err)
		}
	}
	chainID, err := g.resolveChainID(ctx)
	if err != nil {
		return nil, err
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &contract,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), sess.Signer())
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	if err := g.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send transaction: %w", err)
	}
	return signed, nil
}

func (g *EVMGateway) waitMined(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := g.client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			return receipt, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			g.logger.Warn("receipt lookup failed", "tx", hash.Hex(), "error", err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (g *EVMGateway) resolveChainID(ctx context.Context) (*big.Int, error) {
	g.chainMu.Lock()
	defer g.chainMu.Unlock()
	if g.chainID != nil {
		return g.chainID, nil
	}
	id, err := g.client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	g.chainID = id
	return id, nil
}

func (g *EVMGateway) filter(from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{g.contract},
		Topics:    [][]common.Hash{{g.eventID}},
	}
}

func (g *EVMGateway) decodeAll(logs []gethtypes.Log) []VoteEvent {
	out := make([]VoteEvent, 0, len(logs))
	for _, lg := range logs {
		ev, ok, err := g.decode(lg)
		if err != nil {
			g.logger.Warn("skipping undecodable vote log", "tx", lg.TxHash.Hex(), "index", lg.Index, "error", err)
			continue
		}
		if ok {
			out = append(out, ev)
		}
	}
	return out
}

// decode converts an OnVote log. Removed (reorganised) logs and foreign
// topics are skipped.
func (g *EVMGateway) decode(lg gethtypes.Log) (VoteEvent, bool, error) {
	if lg.Removed || lg.Address != g.contract || len(lg.Topics) == 0 || lg.Topics[0] != g.eventID {
		return VoteEvent{}, false, nil
	}
	values, err := g.abi.Unpack(eventOnVote, lg.Data)
	if err != nil {
		return VoteEvent{}, false, err
	}
	if len(values) != 2 {
		return VoteEvent{}, false, fmt.Errorf("expected 2 fields, got %d", len(values))
	}
	name, ok := values[0].(string)
	if !ok {
		return VoteEvent{}, false, fmt.Errorf("unexpected name type %T", values[0])
	}
	amount, ok := values[1].(*big.Int)
	if !ok || amount == nil {
		return VoteEvent{}, false, fmt.Errorf("unexpected amount type %T", values[1])
	}
	return VoteEvent{ID: LogID(lg), Candidate: name, Weight: amount}, true, nil
}

// LogID returns the stable identity of a log: transaction hash and log index.
func LogID(lg gethtypes.Log) string {
	return fmt.Sprintf("%s:%d", lg.TxHash.Hex(), lg.Index)
}

func (g *EVMGateway) pumpSubscription(ctx context.Context, sess *Session, raw ethereum.Subscription, logs <-chan gethtypes.Log, sub *eventSubscription) {
	defer sub.finish()
	defer raw.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-raw.Err():
			if ok && err != nil {
				sub.fail(ReadError("vote subscription", err))
			} else {
				sub.fail(ReadError("vote subscription", errors.New("subscription closed")))
			}
			return
		case lg := <-logs:
			if !sess.Connected() {
				sub.fail(ErrNotConnected)
				return
			}
			ev, ok, err := g.decode(lg)
			if err != nil {
				g.logger.Warn("skipping undecodable vote log", "tx", lg.TxHash.Hex(), "index", lg.Index, "error", err)
				continue
			}
			if !ok {
				continue
			}
			if !sub.deliver(ctx, ev) {
				return
			}
		}
	}
}

func (g *EVMGateway) pollLogs(ctx context.Context, sess *Session, from uint64, sub *eventSubscription) {
	defer sub.finish()
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()
	next := from
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !sess.Connected() {
			sub.fail(ErrNotConnected)
			return
		}
		readCtx, cancel := context.WithTimeout(ctx, g.cfg.ReadTimeout)
		head, err := g.client.BlockNumber(readCtx)
		if err == nil && head >= next {
			var logs []gethtypes.Log
			logs, err = g.client.FilterLogs(readCtx, g.filter(new(big.Int).SetUint64(next), new(big.Int).SetUint64(head)))
			if err == nil {
				for _, ev := range g.decodeAll(logs) {
					if !sub.deliver(ctx, ev) {
						cancel()
						return
					}
				}
				next = head + 1
			}
		}
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sub.fail(ReadError("poll vote events", err))
			return
		}
	}
}

type eventSubscription struct {
	events chan VoteEvent
	errs   chan error
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newEventSubscription(cancel context.CancelFunc) *eventSubscription {
	return &eventSubscription{
		events: make(chan VoteEvent, subscriptionBuffer),
		errs:   make(chan error, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (s *eventSubscription) Events() <-chan VoteEvent { return s.events }

func (s *eventSubscription) Err() <-chan error { return s.errs }

// Unsubscribe stops delivery and waits for the producer to exit.
func (s *eventSubscription) Unsubscribe() {
	s.once.Do(s.cancel)
	<-s.done
}

func (s *eventSubscription) deliver(ctx context.Context, ev VoteEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *eventSubscription) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

func (s *eventSubscription) finish() {
	close(s.events)
	close(s.done)
}
