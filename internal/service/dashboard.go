package service

import (
	"context"
	"fmt"
	"strings"

	"arandu-chain-sync/internal/contracts"
	"arandu-chain-sync/internal/models"
	"arandu-chain-sync/internal/repository"
	"arandu-chain-sync/pkg/errors"
	"arandu-chain-sync/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// ChainStats is the read-only contract surface the dashboards use.
type ChainStats interface {
	GetStudentStats(ctx context.Context, wallet common.Address) (*contracts.StudentStats, error)
	IsTeacher(ctx context.Context, wallet common.Address) (bool, error)
}

type OnChainStats struct {
	Tokens       string `json:"tokens"`
	Badges       uint64 `json:"badges"`
	Certificates uint64 `json:"certificates"`
	Streak       uint64 `json:"streak"`
}

// StudentDashboard combines the ingested cache with a live contract read.
// OnChain is nil when the node could not be reached; the cached view is
// still returned.
type StudentDashboard struct {
	Wallet       string                   `json:"wallet"`
	Cached       *models.UserChainCache   `json:"cached"`
	OnChain      *OnChainStats            `json:"on_chain,omitempty"`
	RecentEvents []models.BlockchainEvent `json:"recent_events"`
	ChainError   string                   `json:"chain_error,omitempty"`
}

type TeacherDashboard struct {
	Wallet    string                 `json:"wallet"`
	IsTeacher bool                   `json:"is_teacher"`
	Cached    *models.UserChainCache `json:"cached"`
}

type DashboardService struct {
	cache        repository.CacheRepository
	events       repository.EventRepository
	chain        ChainStats
	recentEvents int
}

func NewDashboardService(cache repository.CacheRepository, events repository.EventRepository, chain ChainStats) *DashboardService {
	return &DashboardService{
		cache:        cache,
		events:       events,
		chain:        chain,
		recentEvents: 20,
	}
}

func parseWallet(wallet string) (common.Address, string, error) {
	if !common.IsHexAddress(wallet) {
		return common.Address{}, "", errors.New(errors.ErrValidation, fmt.Sprintf("wallet %q is not a valid address", wallet), nil)
	}
	addr := common.HexToAddress(wallet)
	return addr, strings.ToLower(addr.Hex()), nil
}

// emptyCache stands in for a wallet ingestion has not seen yet.
func emptyCache(wallet string) *models.UserChainCache {
	return &models.UserChainCache{WalletAddress: wallet, TokenBalance: "0"}
}

func (s *DashboardService) Student(ctx context.Context, wallet string) (*StudentDashboard, error) {
	addr, key, err := parseWallet(wallet)
	if err != nil {
		return nil, err
	}

	cached, err := s.cache.GetByWallet(ctx, key)
	if err != nil {
		return nil, errors.New(errors.ErrTransient, "failed to read wallet cache", err)
	}
	if cached == nil {
		cached = emptyCache(key)
	}

	recent, err := s.events.ListByWallet(ctx, key, s.recentEvents)
	if err != nil {
		return nil, errors.New(errors.ErrTransient, "failed to list wallet events", err)
	}

	dash := &StudentDashboard{Wallet: key, Cached: cached, RecentEvents: recent}

	stats, err := s.chain.GetStudentStats(ctx, addr)
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"wallet": key,
		}).WithError(err).Warn("On-chain stats unavailable, serving cached dashboard")
		dash.ChainError = err.Error()
		return dash, nil
	}
	tokens := "0"
	if stats.Tokens != nil {
		tokens = stats.Tokens.String()
	}
	dash.OnChain = &OnChainStats{
		Tokens:       tokens,
		Badges:       stats.Badges,
		Certificates: stats.Certificates,
		Streak:       stats.Streak,
	}
	return dash, nil
}

// Teacher requires the resources contract to recognise the wallet as a
// teacher; the role check is authoritative and is not served from cache.
func (s *DashboardService) Teacher(ctx context.Context, wallet string) (*TeacherDashboard, error) {
	addr, key, err := parseWallet(wallet)
	if err != nil {
		return nil, err
	}

	isTeacher, err := s.chain.IsTeacher(ctx, addr)
	if err != nil {
		return nil, err
	}

	cached, err := s.cache.GetByWallet(ctx, key)
	if err != nil {
		return nil, errors.New(errors.ErrTransient, "failed to read wallet cache", err)
	}
	if cached == nil {
		cached = emptyCache(key)
	}

	return &TeacherDashboard{Wallet: key, IsTeacher: isTeacher, Cached: cached}, nil
}
