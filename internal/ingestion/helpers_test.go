package ingestion

import (
	"math/big"
	"sync"
	"testing"
	"time"

	"arandu-chain-sync/internal/contracts"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

var (
	rewardsAddr = common.HexToAddress("0x1000000000000000000000000000000000000002")
	tokenAddr   = common.HexToAddress("0x1000000000000000000000000000000000000001")
	studentA    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	studentB    = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func addressTopic(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}

func txHash(n int64) common.Hash {
	return common.BigToHash(big.NewInt(n))
}

func rewardMintedLog(t *testing.T, block uint64, tx common.Hash, student common.Address, amount int64) types.Log {
	t.Helper()
	ev := contracts.RewardsABI.Events["RewardMinted"]
	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(amount))
	require.NoError(t, err)
	return types.Log{
		Address:     rewardsAddr,
		Topics:      []common.Hash{ev.ID, addressTopic(student)},
		Data:        data,
		BlockNumber: block,
		TxHash:      tx,
	}
}

func streakLog(t *testing.T, block uint64, tx common.Hash, student common.Address, streak int64) types.Log {
	t.Helper()
	ev := contracts.RewardsABI.Events["StreakUpdated"]
	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(streak))
	require.NoError(t, err)
	return types.Log{
		Address:     rewardsAddr,
		Topics:      []common.Hash{ev.ID, addressTopic(student)},
		Data:        data,
		BlockNumber: block,
		TxHash:      tx,
		Index:       1,
	}
}

func transferLog(t *testing.T, block uint64, tx common.Hash, from, to common.Address, value int64) types.Log {
	t.Helper()
	ev := contracts.TokenABI.Events["Transfer"]
	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(value))
	require.NoError(t, err)
	return types.Log{
		Address:     tokenAddr,
		Topics:      []common.Hash{ev.ID, addressTopic(from), addressTopic(to)},
		Data:        data,
		BlockNumber: block,
		TxHash:      tx,
	}
}

// manualClock only moves when Advance is called.
type manualClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []manualWaiter
}

type manualWaiter struct {
	at time.Time
	ch chan time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	c.waiters = append(c.waiters, manualWaiter{at: c.now.Add(d), ch: ch})
	return ch
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	pending := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.at.After(c.now) {
			w.ch <- c.now
			continue
		}
		pending = append(pending, w)
	}
	c.waiters = pending
}

func (c *manualClock) Waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
