package reward

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"arandu-chain-sync/internal/config"
	"arandu-chain-sync/internal/contracts"
	"arandu-chain-sync/internal/metrics"
	"arandu-chain-sync/internal/models"
	"arandu-chain-sync/internal/repository"
	"arandu-chain-sync/pkg/errors"
	"arandu-chain-sync/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Gateway is the part of the contract gateway that issues rewards.
type Gateway interface {
	MintReward(ctx context.Context, wallet common.Address, amount *big.Int) (*contracts.Receipt, error)
	CheckTransaction(ctx context.Context, hash common.Hash) (*contracts.Receipt, error)
}

// Completion is a finished activity reported by the API layer.
type Completion struct {
	StudentID    string              `json:"student_id" binding:"required"`
	ActivityID   string              `json:"activity_id" binding:"required"`
	ActivityType models.ActivityType `json:"activity_type" binding:"required"`
	Score        int                 `json:"score"`
	Wallet       string              `json:"wallet_address" binding:"required"`
}

func (c Completion) Validate() error {
	var problems []string
	if strings.TrimSpace(c.StudentID) == "" {
		problems = append(problems, "student_id is required")
	}
	if strings.TrimSpace(c.ActivityID) == "" {
		problems = append(problems, "activity_id is required")
	}
	if !c.ActivityType.Valid() {
		problems = append(problems, fmt.Sprintf("activity_type %q is not one of quiz, lesson, project, streak-bonus", c.ActivityType))
	}
	if c.Score < 0 || c.Score > 100 {
		problems = append(problems, fmt.Sprintf("score %d is outside 0-100", c.Score))
	}
	if !common.IsHexAddress(c.Wallet) {
		problems = append(problems, fmt.Sprintf("wallet_address %q is not a valid address", c.Wallet))
	}
	if len(problems) > 0 {
		return errors.New(errors.ErrValidation, strings.Join(problems, "; "), nil)
	}
	return nil
}

// Result is what a caller learns about an issuance. Status is pending
// until the mint is confirmed; Duplicate marks a request answered from an
// earlier one.
type Result struct {
	Record    *models.RewardIssuanceRecord `json:"record"`
	Amount    string                       `json:"amount"`
	TxHash    string                       `json:"tx_hash,omitempty"`
	Status    models.RewardStatus          `json:"status"`
	Duplicate bool                         `json:"duplicate"`
}

// Orchestrator is the only component that starts a reward mint. At most
// one successful mint is submitted per (student, activity).
type Orchestrator struct {
	rewards      repository.RewardRepository
	events       repository.EventRepository
	gateway      Gateway
	formula      *Formula
	pendingGrace time.Duration
	now          func() time.Time
	inflight     singleflight.Group
}

func NewOrchestrator(
	rewards repository.RewardRepository,
	events repository.EventRepository,
	gateway Gateway,
	formula *Formula,
	cfg config.RewardConfig,
) *Orchestrator {
	grace := cfg.PendingGrace
	if grace <= 0 {
		grace = 10 * time.Minute
	}
	return &Orchestrator{
		rewards:      rewards,
		events:       events,
		gateway:      gateway,
		formula:      formula,
		pendingGrace: grace,
		now:          time.Now,
	}
}

// Issue validates c and, unless the pair was already rewarded or has a
// mint in flight, submits one mint. Concurrent calls for the same pair
// share one execution and one result.
func (o *Orchestrator) Issue(ctx context.Context, c Completion) (*Result, error) {
	if err := c.Validate(); err != nil {
		metrics.RewardIssuanceTotal.WithLabelValues(string(c.ActivityType), "invalid").Inc()
		return nil, err
	}

	key := c.StudentID + "|" + c.ActivityID
	// the mint must not be abandoned halfway because one caller went away
	v, err, _ := o.inflight.Do(key, func() (interface{}, error) {
		return o.issue(context.WithoutCancel(ctx), c)
	})
	res, _ := v.(*Result)
	metrics.RewardIssuanceTotal.WithLabelValues(string(c.ActivityType), outcomeLabel(res, err)).Inc()
	return res, err
}

func outcomeLabel(res *Result, err error) string {
	switch {
	case err != nil:
		return strings.ToLower(errors.CodeOf(err))
	case res == nil:
		return "unknown"
	case res.Duplicate:
		return "duplicate"
	}
	return string(res.Status)
}

func (o *Orchestrator) issue(ctx context.Context, c Completion) (*Result, error) {
	record, err := o.rewards.CreateIfAbsent(ctx, &models.RewardIssuanceRecord{
		StudentID:     c.StudentID,
		ActivityID:    c.ActivityID,
		ActivityType:  c.ActivityType,
		Score:         c.Score,
		WalletAddress: strings.ToLower(common.HexToAddress(c.Wallet).Hex()),
		Status:        models.RewardPending,
	})
	if err != nil {
		return nil, errors.New(errors.ErrDatabaseWrite, "failed to record activity completion", err)
	}

	fields := logrus.Fields{
		"student_id":  record.StudentID,
		"activity_id": record.ActivityID,
		"record_id":   record.ID,
	}

	if record.Processed {
		logger.For("reward").WithFields(fields).Info("Reward already issued, returning existing result")
		return resultFrom(record, true), nil
	}

	// the first request fixes wallet, type and score for the pair
	amount, err := o.formula.Amount(record.ActivityType, record.Score)
	if err != nil {
		return nil, errors.New(errors.ErrValidation, "failed to compute reward", err)
	}

	if record.TxHash != nil {
		res, settled, err := o.reconcile(ctx, record, amount)
		if settled {
			return res, err
		}
	}

	logger.For("reward").WithFields(fields).WithField("amount", amount.String()).Info("Submitting reward mint")
	receipt, err := o.gateway.MintReward(ctx, common.HexToAddress(record.WalletAddress), amount)
	return o.settle(ctx, record, amount, receipt, err)
}

// reconcile resolves an earlier attempt whose hash is known. settled is
// false only when that attempt definitively failed and a new mint may go
// out.
func (o *Orchestrator) reconcile(ctx context.Context, record *models.RewardIssuanceRecord, amount *big.Int) (*Result, bool, error) {
	hash := *record.TxHash
	fields := logrus.Fields{"record_id": record.ID, "tx_hash": hash}

	ingested, err := o.events.FindByTxHash(ctx, hash)
	if err != nil {
		return nil, true, errors.New(errors.ErrTransient, "failed to look up ingested events", err)
	}
	for _, e := range ingested {
		if e.EventName == models.EventRewardMinted {
			logger.For("reward").WithFields(fields).Info("Pending mint confirmed by ingestion")
			res, err := o.markProcessed(ctx, record, hash, amount)
			return res, true, err
		}
	}

	receipt, err := o.gateway.CheckTransaction(ctx, common.HexToHash(hash))
	if err != nil {
		logger.For("reward").WithFields(fields).WithError(err).Warn("Could not check pending mint, leaving it pending")
		return resultFrom(record, false), true, nil
	}

	switch receipt.Status {
	case contracts.StatusConfirmed:
		res, err := o.markProcessed(ctx, record, hash, amount)
		return res, true, err

	case contracts.StatusReverted:
		cause := fmt.Sprintf("mint %s reverted in block %d", hash, receipt.BlockNumber)
		if err := o.rewards.MarkFailed(ctx, record.ID, cause); err != nil {
			return nil, true, errors.New(errors.ErrDatabaseWrite, "failed to record reverted mint", err)
		}
		logger.For("reward").WithFields(fields).Warn("Pending mint reverted, resubmitting")
		return nil, false, nil

	case contracts.StatusNotFound:
		if record.SubmittedAt != nil && o.now().Sub(*record.SubmittedAt) > o.pendingGrace {
			cause := fmt.Sprintf("mint %s unknown to the node after %s", hash, o.pendingGrace)
			if err := o.rewards.MarkFailed(ctx, record.ID, cause); err != nil {
				return nil, true, errors.New(errors.ErrDatabaseWrite, "failed to record dropped mint", err)
			}
			logger.For("reward").WithFields(fields).Warn("Pending mint dropped, resubmitting")
			return nil, false, nil
		}
	}

	return resultFrom(record, false), true, nil
}

// settle records the gateway outcome. Confirmed sets processed; an
// unconfirmed or transient outcome stays pending with its hash; revert
// and insufficient funds are recorded as failed and surfaced.
func (o *Orchestrator) settle(ctx context.Context, record *models.RewardIssuanceRecord, amount *big.Int, receipt *contracts.Receipt, mintErr error) (*Result, error) {
	fields := logrus.Fields{"record_id": record.ID, "student_id": record.StudentID, "activity_id": record.ActivityID}

	if mintErr == nil && receipt != nil && receipt.Status == contracts.StatusConfirmed {
		logger.For("reward").WithFields(fields).WithField("tx_hash", receipt.TxHash.Hex()).Info("Reward minted")
		return o.markProcessed(ctx, record, receipt.TxHash.Hex(), amount)
	}

	if errors.IsFatal(mintErr) {
		if err := o.rewards.MarkFailed(ctx, record.ID, mintErr.Error()); err != nil {
			logger.For("reward").WithFields(fields).WithError(err).Error("Failed to record failed mint")
		}
		logger.For("reward").WithFields(fields).WithError(mintErr).Error("Reward mint failed, operator action required")
		return o.reload(ctx, record, false), mintErr
	}

	var hash *string
	if receipt != nil && receipt.TxHash != (common.Hash{}) {
		h := receipt.TxHash.Hex()
		hash = &h
	}
	cause := ""
	if mintErr != nil {
		cause = mintErr.Error()
	}
	if err := o.rewards.MarkPending(ctx, record.ID, hash, amount.String(), cause); err != nil {
		return nil, errors.New(errors.ErrDatabaseWrite, "failed to record pending mint", err)
	}

	entry := logger.For("reward").WithFields(fields)
	if hash != nil {
		entry = entry.WithField("tx_hash", *hash)
	}
	if mintErr != nil {
		if errors.CodeOf(mintErr) == "" {
			mintErr = errors.New(errors.ErrTransient, "reward mint outcome unknown", mintErr)
		}
		entry.WithError(mintErr).Warn("Reward mint outcome unknown, left pending")
	} else {
		entry.Info("Reward mint sent, awaiting confirmations")
	}
	return o.reload(ctx, record, false), mintErr
}

func (o *Orchestrator) markProcessed(ctx context.Context, record *models.RewardIssuanceRecord, hash string, amount *big.Int) (*Result, error) {
	updated, err := o.rewards.MarkProcessed(ctx, record.ID, hash, amount.String())
	if err != nil {
		// the mint went out; report it even though the flag did not stick
		return &Result{Record: record, Amount: amount.String(), TxHash: hash, Status: models.RewardPending},
			errors.New(errors.ErrDatabaseWrite, "mint sent but failed to mark record processed", err)
	}
	return o.reload(ctx, record, !updated), nil
}

func (o *Orchestrator) reload(ctx context.Context, record *models.RewardIssuanceRecord, duplicate bool) *Result {
	fresh, err := o.rewards.Get(ctx, record.StudentID, record.ActivityID)
	if err != nil || fresh == nil {
		return resultFrom(record, duplicate)
	}
	return resultFrom(fresh, duplicate)
}

func resultFrom(record *models.RewardIssuanceRecord, duplicate bool) *Result {
	res := &Result{
		Record:    record,
		Amount:    record.RewardAmount,
		Status:    record.Status,
		Duplicate: duplicate,
	}
	if record.TxHash != nil {
		res.TxHash = *record.TxHash
	}
	return res
}
