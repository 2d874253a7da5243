package aggregator

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"arandu-chain-sync/internal/models"
	"arandu-chain-sync/internal/repository"
	"arandu-chain-sync/internal/repository/repotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func newAggregator(t *testing.T) (*Aggregator, *gorm.DB) {
	t.Helper()
	db := repotest.NewDB(t)
	a := New(Sources{
		Users:   repository.NewUserRepo(db),
		Rewards: repository.NewRewardRepo(db),
		Events:  repository.NewEventRepo(db),
		Cache:   repository.NewCacheRepo(db),
		Sync:    repository.NewSyncStatusRepo(db),
	}, repository.NewSnapshotRepo(db), 3)
	t.Cleanup(a.Close)
	return a, db
}

func event(name, tx, wallet string, amount *string) repository.EventWrite {
	w := wallet
	return repository.EventWrite{
		Event: &models.BlockchainEvent{
			ContractAddress: "0x1000000000000000000000000000000000000002",
			EventName:       name,
			BlockNumber:     10,
			TxHash:          tx,
			Wallet:          &w,
			Amount:          amount,
			Payload:         datatypes.JSON(`{"kind":"` + name + `"}`),
		},
		Caches: []repository.CacheDelta{{Wallet: wallet, TokenDelta: new(big.Int)}},
	}
}

func TestCaptureTotalsMatchSources(t *testing.T) {
	ctx := context.Background()
	a, db := newAggregator(t)

	require.NoError(t, db.Create(&[]models.User{{Role: models.RoleTeacher}, {Role: "student"}, {Role: "student"}}).Error)

	rewards := repository.NewRewardRepo(db)
	for i := 0; i < 3; i++ {
		rec, err := rewards.CreateIfAbsent(ctx, &models.RewardIssuanceRecord{
			StudentID: "s1", ActivityID: fmt.Sprintf("a%d", i), ActivityType: models.ActivityQuiz,
			Score: 50, WalletAddress: "0x00000000000000000000000000000000000000b1", Status: models.RewardPending,
		})
		require.NoError(t, err)
		if i < 2 {
			_, err = rewards.MarkProcessed(ctx, rec.ID, fmt.Sprintf("0x%02d", i), "15")
			require.NoError(t, err)
		}
	}

	a1, a2 := "1500", "2420"
	_, err := repository.NewEventRepo(db).PersistBatch(ctx, []repository.EventWrite{
		event(models.EventRewardMinted, "0x01", "0x00000000000000000000000000000000000000b1", &a1),
		event(models.EventRewardMinted, "0x02", "0x00000000000000000000000000000000000000b2", &a2),
		event(models.EventBadgeIssued, "0x03", "0x00000000000000000000000000000000000000b1", nil),
		event(models.EventCertificateIssued, "0x04", "0x00000000000000000000000000000000000000b2", nil),
	})
	require.NoError(t, err)

	status := repository.NewSyncStatusRepo(db)
	_, err = status.EnsureRegistered(ctx, "0x1000000000000000000000000000000000000002", "rewards", 0)
	require.NoError(t, err)
	require.NoError(t, status.MarkUnhealthy(ctx, "0x1000000000000000000000000000000000000002", "rpc down"))

	snap, err := a.Capture(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(3), snap.TotalUsers)
	assert.Equal(t, int64(1), snap.TotalTeachers)
	assert.Equal(t, int64(3), snap.TotalActivities)
	assert.Equal(t, int64(2), snap.ProcessedActivities)
	assert.Equal(t, int64(1), snap.PendingActivities)
	assert.Equal(t, "3920", snap.TotalTokensDistributed)
	assert.Equal(t, int64(1), snap.TotalBadges)
	assert.Equal(t, int64(1), snap.TotalCertificates)
	assert.Equal(t, int64(2), snap.ActiveWallets)
	assert.Equal(t, int64(1), snap.UnhealthyContracts)

	latest, err := a.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, snap.ID, latest.ID)
}

func TestCaptureOnEmptyStoresZeroes(t *testing.T) {
	a, _ := newAggregator(t)

	snap, err := a.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0", snap.TotalTokensDistributed)
	assert.Zero(t, snap.TotalActivities)
	assert.Zero(t, snap.UnhealthyContracts)
}

func TestHistoryIsNewestFirst(t *testing.T) {
	ctx := context.Background()
	a, _ := newAggregator(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Hour)
		a.now = func() time.Time { return at }
		_, err := a.Capture(ctx)
		require.NoError(t, err)
	}

	history, err := a.History(ctx, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[0].CapturedAt.After(history[1].CapturedAt))
	assert.Equal(t, base.Add(2*time.Hour), history[0].CapturedAt.UTC())
}
