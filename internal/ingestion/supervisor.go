package ingestion

import (
	"context"
	"fmt"
	"sort"

	"arandu-chain-sync/internal/config"
	"arandu-chain-sync/internal/contracts"
	"arandu-chain-sync/internal/repository"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/errgroup"
)

// Supervisor runs one pipeline per contract and remembers each one's
// latest cycle for the health probe.
type Supervisor struct {
	pipelines []*Pipeline
	last      *xsync.Map[string, CycleResult]
}

func NewSupervisor(pipelines ...*Pipeline) *Supervisor {
	s := &Supervisor{
		pipelines: pipelines,
		last:      xsync.NewMap[string, CycleResult](),
	}
	for _, p := range pipelines {
		p.OnCycle(func(res CycleResult) {
			s.last.Store(res.Contract, res)
		})
	}
	return s
}

// NewSupervisorFromConfig builds a pipeline for every configured contract.
func NewSupervisorFromConfig(
	cfg *config.Config,
	chain ChainReader,
	events repository.EventRepository,
	status repository.SyncStatusRepository,
	locker Locker,
	clock Clock,
) (*Supervisor, error) {
	all := cfg.Contracts.All()
	roles := make([]string, 0, len(all))
	for role := range all {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	opts := Options{
		BatchBlocks:  cfg.Ingestion.BatchBlocks,
		PollInterval: cfg.Ingestion.PollInterval,
		LockTTL:      cfg.Ingestion.LockTTL,
	}

	pipelines := make([]*Pipeline, 0, len(roles))
	for _, role := range roles {
		c := all[role]
		contractABI, ok := contracts.ABIForRole(role)
		if !ok {
			return nil, fmt.Errorf("no ABI for contract role %q", role)
		}
		pipelines = append(pipelines, NewPipeline(Contract{
			Role:       role,
			Name:       c.ContractName(role),
			Address:    c.NormalizedAddress(),
			StartBlock: c.StartBlock,
			ABI:        contractABI,
		}, chain, events, status, locker, clock, opts))
	}
	return NewSupervisor(pipelines...), nil
}

func (s *Supervisor) Pipelines() []*Pipeline {
	return s.pipelines
}

// Register creates every SyncStatus row up front.
func (s *Supervisor) Register(ctx context.Context) error {
	for _, p := range s.pipelines {
		if err := p.Register(ctx); err != nil {
			return fmt.Errorf("register %s: %w", p.Name(), err)
		}
	}
	return nil
}

// Run blocks until ctx is cancelled or a pipeline fails to start.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range s.pipelines {
		g.Go(func() error {
			return p.Run(gctx)
		})
	}
	return g.Wait()
}

// LastCycles returns the latest cycle per contract address.
func (s *Supervisor) LastCycles() map[string]CycleResult {
	out := make(map[string]CycleResult, s.last.Size())
	s.last.Range(func(addr string, res CycleResult) bool {
		out[addr] = res
		return true
	})
	return out
}

// States reports each pipeline's current state by contract address.
func (s *Supervisor) States() map[string]State {
	out := make(map[string]State, len(s.pipelines))
	for _, p := range s.pipelines {
		out[p.Address()] = p.State()
	}
	return out
}
