// Package chaintest provides an in-memory chain for tests that need more
// than a call-by-call mock.
package chaintest

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// Backend satisfies blockchain.Backend. Sent transactions are mined into
// the next block unless auto-mining is switched off.
type Backend struct {
	mu sync.Mutex

	head        uint64
	chainID     *big.Int
	gasEstimate uint64
	gasPrice    *big.Int
	balances    map[common.Address]*big.Int
	logs        []types.Log
	receipts    map[common.Hash]*types.Receipt
	calls       map[string][]byte
	sent        []*types.Transaction
	filterCalls int
	autoMine    bool
	mineStatus  uint64
	filterErr   error
	sendErr     error
	sendFaults  []SendFault
	estimateErr error
}

// SendFault scripts one SendTransaction outcome. Accept stores the
// transaction before Err is returned, as when the node takes the
// transaction but the reply is lost.
type SendFault struct {
	Err    error
	Accept bool
}

func NewBackend(head uint64) *Backend {
	return &Backend{
		head:        head,
		chainID:     big.NewInt(31337),
		gasEstimate: 50000,
		gasPrice:    big.NewInt(1_000_000_000),
		balances:    make(map[common.Address]*big.Int),
		receipts:    make(map[common.Hash]*types.Receipt),
		calls:       make(map[string][]byte),
		autoMine:    true,
		mineStatus:  types.ReceiptStatusSuccessful,
	}
}

func (b *Backend) SetHead(head uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = head
}

// Mine advances the head by n blocks.
func (b *Backend) Mine(n uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head += n
}

func (b *Backend) SetAutoMine(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.autoMine = on
}

// SetMineStatus sets the receipt status given to auto-mined transactions.
func (b *Backend) SetMineStatus(status uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mineStatus = status
}

// SetFilterErr makes every FilterLogs call fail with err until cleared.
func (b *Backend) SetFilterErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filterErr = err
}

func (b *Backend) SetSendErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendErr = err
}

// QueueSendFaults scripts the next len(faults) sends, in order.
func (b *Backend) QueueSendFaults(faults ...SendFault) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendFaults = append(b.sendFaults, faults...)
}

func (b *Backend) SetEstimateErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.estimateErr = err
}

func (b *Backend) SetBalance(addr common.Address, wei *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[addr] = new(big.Int).Set(wei)
}

func (b *Backend) SetGasEstimate(gas uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gasEstimate = gas
}

// AddLogs appends logs; ingestion sees them once they fall inside a
// polled range.
func (b *Backend) AddLogs(logs ...types.Log) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logs = append(b.logs, logs...)
}

// SetCallResult fixes the return data for calls to method selector on to.
func (b *Backend) SetCallResult(to common.Address, selector []byte, out []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[callKey(to, selector)] = out
}

func (b *Backend) SetReceipt(receipt *types.Receipt) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receipts[receipt.TxHash] = receipt
}

func (b *Backend) Sent() []*types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.Transaction(nil), b.sent...)
}

func (b *Backend) FilterCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.filterCalls
}

func callKey(to common.Address, selector []byte) string {
	if len(selector) > 4 {
		selector = selector[:4]
	}
	return to.Hex() + hexutil.Encode(selector)
}

func (b *Backend) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.chainID), nil
}

func (b *Backend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.head
	if number != nil {
		n = number.Uint64()
	}
	return &types.Header{Number: new(big.Int).SetUint64(n)}, nil
}

func (b *Backend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bal, ok := b.balances[account]; ok {
		return new(big.Int).Set(bal), nil
	}
	return new(big.Int), nil
}

func (b *Backend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.gasPrice), nil
}

func (b *Backend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.sent)), nil
}

func (b *Backend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.estimateErr != nil {
		return 0, b.estimateErr
	}
	return b.gasEstimate, nil
}

// SendTransaction checks nonces the way a node does: a resend of a held
// transaction is "already known" and a used nonce is "nonce too low".
func (b *Backend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	if len(b.sendFaults) > 0 {
		fault := b.sendFaults[0]
		b.sendFaults = b.sendFaults[1:]
		if fault.Accept {
			b.accept(tx)
		}
		return fault.Err
	}
	for _, held := range b.sent {
		if held.Hash() == tx.Hash() {
			return stderrors.New("already known")
		}
	}
	if next := uint64(len(b.sent)); tx.Nonce() < next {
		return fmt.Errorf("nonce too low: next nonce %d, tx nonce %d", next, tx.Nonce())
	}
	b.accept(tx)
	return nil
}

func (b *Backend) accept(tx *types.Transaction) {
	b.sent = append(b.sent, tx)
	if b.autoMine {
		b.head++
		b.receipts[tx.Hash()] = &types.Receipt{
			TxHash:      tx.Hash(),
			Status:      b.mineStatus,
			BlockNumber: new(big.Int).SetUint64(b.head),
			GasUsed:     tx.Gas(),
		}
	}
}

func (b *Backend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if msg.To == nil {
		return nil, stderrors.New("call without target")
	}
	out, ok := b.calls[callKey(*msg.To, msg.Data)]
	if !ok {
		return nil, stderrors.New("execution reverted")
	}
	return out, nil
}

func (b *Backend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filterCalls++
	if b.filterErr != nil {
		return nil, b.filterErr
	}

	var out []types.Log
	for _, l := range b.logs {
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Addresses) > 0 && !containsAddress(q.Addresses, l.Address) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (b *Backend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	receipt, ok := b.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (b *Backend) Close() {}

func containsAddress(addrs []common.Address, addr common.Address) bool {
	for _, a := range addrs {
		if a == addr {
			return true
		}
	}
	return false
}
