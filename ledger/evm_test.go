package ledger

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"
)

var testContract = common.HexToAddress("0x00000000000000000000000000000000000000aa")

type fakeSubscription struct {
	errs chan error
	once sync.Once
}

func (s *fakeSubscription) Unsubscribe()      { s.once.Do(func() { close(s.errs) }) }
func (s *fakeSubscription) Err() <-chan error { return s.errs }

type fakeEVM struct {
	t   *testing.T
	abi abi.ABI

	mu            sync.Mutex
	results       map[string][]byte
	callErr       error
	calls         int
	lastFrom      common.Address
	logs          []gethtypes.Log
	filterCalls   []ethereum.FilterQuery
	head          uint64
	pushSupported bool
	pushCh        chan<- gethtypes.Log
	pushSub       *fakeSubscription
	sent          []*gethtypes.Transaction
	receiptStatus uint64
	pendingPolls  int
}

func newFakeEVM(t *testing.T) *fakeEVM {
	t.Helper()
	parsed, err := ParsedTuringABI()
	require.NoError(t, err)
	return &fakeEVM{t: t, abi: parsed, results: make(map[string][]byte), receiptStatus: gethtypes.ReceiptStatusSuccessful}
}

func (f *fakeEVM) setResult(method string, values ...interface{}) {
	f.t.Helper()
	out, err := f.abi.Methods[method].Outputs.Pack(values...)
	require.NoError(f.t, err)
	f.mu.Lock()
	f.results[method] = out
	f.mu.Unlock()
}

func (f *fakeEVM) voteLog(name string, amount int64, tx byte, index uint) gethtypes.Log {
	f.t.Helper()
	data, err := f.abi.Events[eventOnVote].Inputs.NonIndexed().Pack(name, big.NewInt(amount))
	require.NoError(f.t, err)
	return gethtypes.Log{
		Address:     testContract,
		Topics:      []common.Hash{f.abi.Events[eventOnVote].ID},
		Data:        data,
		BlockNumber: 10,
		TxHash:      common.BytesToHash([]byte{tx}),
		Index:       index,
	}
}

func (f *fakeEVM) ChainID(context.Context) (*big.Int, error) { return big.NewInt(31337), nil }

func (f *fakeEVM) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeEVM) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastFrom = msg.From
	if f.callErr != nil {
		return nil, f.callErr
	}
	for name, method := range f.abi.Methods {
		if bytes.HasPrefix(msg.Data, method.ID) {
			return f.results[name], nil
		}
	}
	return nil, errors.New("unknown selector")
}

func (f *fakeEVM) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filterCalls = append(f.filterCalls, q)
	out := make([]gethtypes.Log, 0, len(f.logs))
	for _, lg := range f.logs {
		if q.FromBlock != nil && lg.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && lg.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}

func (f *fakeEVM) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- gethtypes.Log) (ethereum.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.pushSupported {
		return nil, rpc.ErrNotificationsUnsupported
	}
	f.pushCh = ch
	f.pushSub = &fakeSubscription{errs: make(chan error, 1)}
	return f.pushSub, nil
}

func (f *fakeEVM) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeEVM) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeEVM) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) { return 90_000, nil }

func (f *fakeEVM) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeEVM) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pendingPolls > 0 {
		f.pendingPolls--
		return nil, ethereum.NotFound
	}
	return &gethtypes.Receipt{Status: f.receiptStatus, TxHash: hash, BlockNumber: big.NewInt(42)}, nil
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return NewSession("test", key)
}

func newTestGateway(t *testing.T, client EVMClient, mutate func(*EVMConfig)) *EVMGateway {
	t.Helper()
	cfg := EVMConfig{
		Contract:     testContract,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PollInterval: 5 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	gw, err := NewEVMGateway(client, cfg)
	require.NoError(t, err)
	return gw
}

func TestEVMGatewayReads(t *testing.T) {
	client := newFakeEVM(t)
	teacher := common.HexToAddress("0x0000000000000000000000000000000000000001")
	deployer := common.HexToAddress("0x0000000000000000000000000000000000000002")
	client.setResult(methodCandidates, []string{"alice", "bob"})
	client.setResult(methodLoggedUser, "alice")
	client.setResult(methodVotingEnabled, true)
	client.setResult(methodTeacher, teacher)
	client.setResult(methodDeployer, deployer)

	gw := newTestGateway(t, client, nil)
	sess := newTestSession(t)
	ctx := context.Background()

	roster, err := gw.ListCandidates(ctx, sess)
	require.NoError(t, err)
	require.Equal(t, []Candidate{{Name: "alice"}, {Name: "bob"}}, roster)
	require.Equal(t, sess.Address(), client.lastFrom)

	self, err := gw.SelfAddress(ctx, sess)
	require.NoError(t, err)
	require.Equal(t, "alice", self)

	enabled, err := gw.VotingEnabled(ctx, sess)
	require.NoError(t, err)
	require.True(t, enabled)

	roles, err := gw.PrivilegedAddresses(ctx, sess)
	require.NoError(t, err)
	require.Equal(t, Roles{Teacher: teacher, Deployer: deployer}, roles)
}

func TestEVMGatewayRequiresSession(t *testing.T) {
	client := newFakeEVM(t)
	gw := newTestGateway(t, client, nil)
	sess := newTestSession(t)
	sess.Close()

	_, err := gw.ListCandidates(context.Background(), sess)
	require.ErrorIs(t, err, ErrNotConnected)
	_, err = gw.SubmitVote(context.Background(), nil, "alice", big.NewInt(1))
	require.ErrorIs(t, err, ErrNotConnected)
	require.Zero(t, client.calls)
	require.Empty(t, client.sent)
}

func TestEVMGatewayReadErrorsClassified(t *testing.T) {
	client := newFakeEVM(t)
	gw := newTestGateway(t, client, nil)
	sess := newTestSession(t)

	client.callErr = context.DeadlineExceeded
	_, err := gw.VotingEnabled(context.Background(), sess)
	require.ErrorIs(t, err, ErrLedgerTimeout)

	client.callErr = errors.New("connection refused")
	_, err = gw.VotingEnabled(context.Background(), sess)
	require.ErrorIs(t, err, ErrLedgerUnavailable)
	require.NotErrorIs(t, err, ErrLedgerTimeout)
}

func TestEVMGatewayQueryVoteEvents(t *testing.T) {
	client := newFakeEVM(t)
	removed := client.voteLog("bob", 9, 3, 0)
	removed.Removed = true
	foreign := client.voteLog("bob", 9, 4, 0)
	foreign.Address = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	client.logs = []gethtypes.Log{
		client.voteLog("alice", 1, 1, 0),
		client.voteLog("bob", 3, 1, 1),
		removed,
		foreign,
	}
	gw := newTestGateway(t, client, nil)

	events, err := gw.QueryVoteEvents(context.Background(), newTestSession(t))
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "alice", events[0].Candidate)
	require.Equal(t, int64(1), events[0].Weight.Int64())
	require.Equal(t, LogID(client.logs[0]), events[0].ID)
	require.NotEqual(t, events[0].ID, events[1].ID)
	require.Equal(t, "bob", events[1].Candidate)
}

func TestEVMGatewayQueryVoteEventsChunked(t *testing.T) {
	client := newFakeEVM(t)
	client.head = 25
	early := client.voteLog("alice", 1, 1, 0)
	early.BlockNumber = 2
	late := client.voteLog("bob", 2, 2, 0)
	late.BlockNumber = 24
	client.logs = []gethtypes.Log{early, late}
	gw := newTestGateway(t, client, func(cfg *EVMConfig) { cfg.BlockRange = 10 })

	events, err := gw.QueryVoteEvents(context.Background(), newTestSession(t))
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Len(t, client.filterCalls, 3)
	require.Equal(t, uint64(20), client.filterCalls[2].FromBlock.Uint64())
	require.Equal(t, uint64(25), client.filterCalls[2].ToBlock.Uint64())
}

func TestEVMGatewaySubmitVoteSignsAndWaits(t *testing.T) {
	client := newFakeEVM(t)
	client.pendingPolls = 2
	gw := newTestGateway(t, client, nil)
	sess := newTestSession(t)

	receipt, err := gw.SubmitVote(context.Background(), sess, "alice", big.NewInt(7))
	require.NoError(t, err)
	require.Equal(t, uint64(42), receipt.BlockNumber)
	require.Len(t, client.sent, 1)

	tx := client.sent[0]
	require.Equal(t, receipt.TxHash, tx.Hash().Hex())
	require.Equal(t, testContract, *tx.To())
	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(big.NewInt(31337)), tx)
	require.NoError(t, err)
	require.Equal(t, sess.Address(), sender)

	method := client.abi.Methods[methodVote]
	require.True(t, bytes.HasPrefix(tx.Data(), method.ID))
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	require.Equal(t, "alice", args[0])
	require.Equal(t, int64(7), args[1].(*big.Int).Int64())
}

func TestEVMGatewayRevertedWrite(t *testing.T) {
	client := newFakeEVM(t)
	client.receiptStatus = gethtypes.ReceiptStatusFailed
	gw := newTestGateway(t, client, nil)

	_, err := gw.SetVotingEnabled(context.Background(), newTestSession(t), false)
	require.ErrorIs(t, err, ErrWriteFailed)
	require.True(t, bytes.HasPrefix(client.sent[0].Data(), client.abi.Methods[methodVotingOff].ID))
}

func TestEVMGatewayWriteTimeout(t *testing.T) {
	client := newFakeEVM(t)
	client.pendingPolls = 1 << 30
	gw := newTestGateway(t, client, func(cfg *EVMConfig) { cfg.WriteTimeout = 30 * time.Millisecond })

	_, err := gw.SubmitTokenGrant(context.Background(), newTestSession(t), "bob", big.NewInt(1))
	require.ErrorIs(t, err, ErrWriteFailed)
	require.ErrorIs(t, err, ErrLedgerTimeout)
}

func TestEVMGatewayPollingSubscription(t *testing.T) {
	client := newFakeEVM(t)
	client.head = 10
	gw := newTestGateway(t, client, nil)

	sub, err := gw.SubscribeVoteEvents(context.Background(), newTestSession(t))
	require.NoError(t, err)
	defer sub.Unsubscribe()

	client.mu.Lock()
	client.logs = append(client.logs, client.voteLog("alice", 5, 9, 0))
	client.mu.Unlock()

	select {
	case ev := <-sub.Events():
		require.Equal(t, "alice", ev.Candidate)
		require.Equal(t, int64(5), ev.Weight.Int64())
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestEVMGatewayPushSubscription(t *testing.T) {
	client := newFakeEVM(t)
	client.pushSupported = true
	gw := newTestGateway(t, client, nil)

	sub, err := gw.SubscribeVoteEvents(context.Background(), newTestSession(t))
	require.NoError(t, err)

	removed := client.voteLog("bob", 1, 1, 0)
	removed.Removed = true
	client.pushCh <- removed
	client.pushCh <- client.voteLog("alice", 2, 2, 0)

	select {
	case ev := <-sub.Events():
		require.Equal(t, "alice", ev.Candidate)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}

	client.pushSub.errs <- errors.New("socket closed")
	select {
	case err := <-sub.Err():
		require.ErrorIs(t, err, ErrLedgerUnavailable)
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription error")
	}
	sub.Unsubscribe()
}
