package service

import (
	"context"
	"math/big"
	"time"

	"arandu-chain-sync/internal/blockchain"
	"arandu-chain-sync/internal/ingestion"
	"arandu-chain-sync/internal/models"
	"arandu-chain-sync/internal/repository"
	"arandu-chain-sync/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

// WalletInfo is the backend signer as seen by health checks.
type WalletInfo interface {
	Address() common.Address
	GetBalance(ctx context.Context) (*big.Int, error)
	GetCurrentGasPrice(ctx context.Context) blockchain.GasPrice
}

// CycleSource reports the most recent poll outcome per contract.
type CycleSource interface {
	LastCycles() map[string]ingestion.CycleResult
}

type ContractHealth struct {
	models.SyncStatus
	LastCycle *ingestion.CycleResult `json:"last_cycle,omitempty"`
}

type WalletHealth struct {
	Address           string `json:"address"`
	BalanceWei        string `json:"balance_wei,omitempty"`
	BalanceError      string `json:"balance_error,omitempty"`
	GasPriceWei       string `json:"gas_price_wei,omitempty"`
	GasPriceAvailable bool   `json:"gas_price_available"`
}

type Health struct {
	Status    string           `json:"status"`
	Wallet    WalletHealth     `json:"wallet"`
	Contracts []ContractHealth `json:"contracts"`
	CheckedAt time.Time        `json:"checked_at"`
}

const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
)

type HealthService struct {
	wallet WalletInfo
	status repository.SyncStatusRepository
	cycles CycleSource
}

// NewHealthService accepts a nil cycles source when ingestion is disabled.
func NewHealthService(wallet WalletInfo, status repository.SyncStatusRepository, cycles CycleSource) *HealthService {
	return &HealthService{wallet: wallet, status: status, cycles: cycles}
}

// Check never fails on chain errors: an unreachable node or missing gas
// price degrade the report instead.
func (s *HealthService) Check(ctx context.Context) (*Health, error) {
	h := &Health{
		Status:    HealthOK,
		Wallet:    WalletHealth{Address: s.wallet.Address().Hex()},
		CheckedAt: time.Now().UTC(),
	}

	var (
		balance  *big.Int
		balErr   error
		gasPrice blockchain.GasPrice
		statuses []models.SyncStatus
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		balance, balErr = s.wallet.GetBalance(gctx)
		return nil
	})
	g.Go(func() error {
		gasPrice = s.wallet.GetCurrentGasPrice(gctx)
		return nil
	})
	g.Go(func() error {
		var err error
		statuses, err = s.status.List(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if balErr != nil {
		logger.WithError(balErr).Warn("Health check could not read signer balance")
		h.Wallet.BalanceError = balErr.Error()
		h.Status = HealthDegraded
	} else {
		h.Wallet.BalanceWei = balance.String()
	}
	h.Wallet.GasPriceAvailable = gasPrice.Available
	if gasPrice.Available && gasPrice.Wei != nil {
		h.Wallet.GasPriceWei = gasPrice.Wei.String()
	}

	var last map[string]ingestion.CycleResult
	if s.cycles != nil {
		last = s.cycles.LastCycles()
	}
	for _, st := range statuses {
		ch := ContractHealth{SyncStatus: st}
		if res, ok := last[st.ContractAddress]; ok {
			ch.LastCycle = &res
		}
		if !st.IsHealthy {
			h.Status = HealthDegraded
		}
		h.Contracts = append(h.Contracts, ch)
	}

	return h, nil
}
