package ingestion

import (
	"context"
	"testing"
	"time"

	"arandu-chain-sync/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Contracts: config.ContractsConfig{
			Token:        config.ContractConfig{Address: tokenAddr.Hex(), StartBlock: 100},
			Rewards:      config.ContractConfig{Address: rewardsAddr.Hex(), StartBlock: 100},
			Badges:       config.ContractConfig{Address: "0x1000000000000000000000000000000000000003", StartBlock: 100},
			Certificates: config.ContractConfig{Address: "0x1000000000000000000000000000000000000004", StartBlock: 100},
			Resources:    config.ContractConfig{Address: "0x1000000000000000000000000000000000000005", StartBlock: 100},
			DataAnchor:   config.ContractConfig{Address: "0x1000000000000000000000000000000000000006", StartBlock: 100, Name: "AnchorRegistry"},
		},
		Ingestion: config.IngestionConfig{BatchBlocks: 50, PollInterval: time.Minute, LockTTL: time.Minute},
	}
}

func TestSupervisorRunsEveryContract(t *testing.T) {
	f := newFixture(t, 112)
	f.backend.AddLogs(
		rewardMintedLog(t, 105, txHash(1), studentA, 10),
		transferLog(t, 106, txHash(2), studentA, studentB, 4),
	)

	sup, err := NewSupervisorFromConfig(testConfig(), f.client, f.events, f.status, NewLocalLocker(), newManualClock())
	require.NoError(t, err)
	require.Len(t, sup.Pipelines(), 6)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sup.LastCycles()) == 6 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	statuses, err := f.status.List(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 6)
	for _, s := range statuses {
		assert.True(t, s.IsHealthy, s.ContractName)
		assert.Equal(t, int64(110), s.LastSyncedBlock, s.ContractName)
	}

	cycles := sup.LastCycles()
	assert.Equal(t, 1, cycles[lower(rewardsAddr)].Inserted)
	assert.Equal(t, 1, cycles[lower(tokenAddr)].Inserted)

	row, err := f.cache.GetByWallet(context.Background(), lower(studentB))
	require.NoError(t, err)
	assert.Equal(t, "4", row.TokenBalance)

	for _, state := range sup.States() {
		assert.Equal(t, StateIdle, state)
	}
}
