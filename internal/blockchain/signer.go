package blockchain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"arandu-chain-sync/internal/config"
	"arandu-chain-sync/internal/metrics"
	"arandu-chain-sync/pkg/errors"
	"arandu-chain-sync/pkg/logger"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// TxRequest is one contract write. Label names it in logs and metrics.
type TxRequest struct {
	To    common.Address
	Data  []byte
	Value *big.Int
	Label string
}

// Submission describes a transaction handed to the node.
type Submission struct {
	ID          string
	Tx          *types.Transaction
	Hash        common.Hash
	Nonce       uint64
	GasEstimate uint64
	GasLimit    uint64
	GasPrice    *big.Int
}

// GasPrice is the node's suggested price. Available is false when the
// node could not answer in time.
type GasPrice struct {
	Wei       *big.Int
	Available bool
}

// BufferedGas is ceil(estimate * 1.2).
func BufferedGas(estimate uint64) uint64 {
	return (estimate*12 + 9) / 10
}

var errSignerClosed = errors.New(errors.ErrTransient, "signer is closed", nil)

type submitJob struct {
	ctx    context.Context
	req    TxRequest
	result chan submitResult
}

type submitResult struct {
	sub *Submission
	err error
}

// Signer owns the backend wallet. Submissions are processed one at a time
// in arrival order by a single worker, which also owns the local nonce.
type Signer struct {
	backend     Backend
	key         *ecdsa.PrivateKey
	from        common.Address
	txSigner    types.Signer
	timeout     time.Duration
	baseDelay   time.Duration
	maxAttempts int

	jobs      chan *submitJob
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// worker-owned
	nonce       uint64
	nonceSynced bool
}

func NewSigner(backend Backend, cfg config.SignerConfig, chainID *big.Int, rpcTimeout time.Duration) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, errors.New(errors.ErrConfigInvalid, "signer key is not a valid secp256k1 key", nil)
	}
	if rpcTimeout <= 0 {
		rpcTimeout = 10 * time.Second
	}
	maxAttempts := cfg.RetryMaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	s := &Signer{
		backend:     backend,
		key:         key,
		from:        crypto.PubkeyToAddress(key.PublicKey),
		txSigner:    types.LatestSignerForChainID(chainID),
		timeout:     rpcTimeout,
		baseDelay:   cfg.RetryBaseDelay,
		maxAttempts: maxAttempts,
		jobs:        make(chan *submitJob),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go s.loop()

	logger.For("signer").WithFields(map[string]interface{}{
		"address":      s.from.Hex(),
		"max_attempts": maxAttempts,
	}).Info("Signer ready")

	return s, nil
}

func (s *Signer) Address() common.Address {
	return s.from
}

// GetBalance reads the wallet balance at the latest block.
func (s *Signer) GetBalance(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	balance, err := s.backend.BalanceAt(ctx, s.from, nil)
	if err != nil {
		return nil, classify("get balance", err)
	}
	return balance, nil
}

// GetCurrentGasPrice never fails: an RPC error or timeout yields an
// unavailable price.
func (s *Signer) GetCurrentGasPrice(ctx context.Context) GasPrice {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	price, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		logger.For("signer").WithError(err).Warn("Gas price unavailable")
		return GasPrice{Available: false}
	}
	return GasPrice{Wei: price, Available: true}
}

// Submit queues req behind earlier submissions and blocks until it has
// been sent or has failed. When the error is RETRIES_EXHAUSTED and a
// signed transaction reached the node, the submission is returned with
// the error so the caller can track its hash.
func (s *Signer) Submit(ctx context.Context, req TxRequest) (*Submission, error) {
	job := &submitJob{ctx: ctx, req: req, result: make(chan submitResult, 1)}

	metrics.SignerQueueDepth.Inc()
	defer metrics.SignerQueueDepth.Dec()

	select {
	case s.jobs <- job:
	case <-ctx.Done():
		return nil, errors.New(errors.ErrTransient, req.Label+": not submitted", ctx.Err())
	case <-s.quit:
		return nil, errSignerClosed
	}

	select {
	case res := <-job.result:
		return res.sub, res.err
	case <-s.quit:
		// the worker still delivers to the buffered channel if it was mid-job
		select {
		case res := <-job.result:
			return res.sub, res.err
		case <-s.done:
			return nil, errSignerClosed
		}
	}
}

// Close stops the worker after the in-flight submission finishes.
func (s *Signer) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
	})
	<-s.done
}

func (s *Signer) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case job := <-s.jobs:
			start := time.Now()
			sub, err := s.process(job.ctx, job.req)
			metrics.SignerSubmitLatency.WithLabelValues(job.req.Label).Observe(time.Since(start).Seconds())
			job.result <- submitResult{sub: sub, err: err}
		}
	}
}

// attempt carries state across retries of one request. signed is set once
// a send failed with an unknown outcome; later attempts rebroadcast it
// instead of signing a new transaction under a fresh nonce.
type attempt struct {
	id     string
	signed *Submission
	last   *Submission
}

func (s *Signer) process(ctx context.Context, req TxRequest) (*Submission, error) {
	state := &attempt{id: uuid.NewString()}
	tries := 0

	policy := backoff.NewExponentialBackOff()
	if s.baseDelay > 0 {
		policy.InitialInterval = s.baseDelay
	}
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.maxAttempts-1)), ctx)

	err := backoff.RetryNotify(func() error {
		tries++
		err := s.submitOnce(ctx, req, state)
		if err == nil || errors.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, retry, func(err error, wait time.Duration) {
		logger.For("signer").WithFields(map[string]interface{}{
			"submission": state.id,
			"label":      req.Label,
			"attempt":    tries,
			"wait":       wait.String(),
		}).WithError(err).Warn("Transaction submission failed, retrying")
	})

	if err == nil {
		metrics.SignerSubmissionsTotal.WithLabelValues(req.Label, "sent").Inc()
		logger.For("signer").WithFields(map[string]interface{}{
			"submission": state.id,
			"label":      req.Label,
			"tx_hash":    state.last.Hash.Hex(),
			"nonce":      state.last.Nonce,
			"gas_limit":  state.last.GasLimit,
		}).Info("Transaction sent")
		return state.last, nil
	}

	if errors.CodeOf(err) == "" {
		// context ended between attempts
		err = errors.New(errors.ErrTransient, req.Label+": submission interrupted", err)
	}
	if errors.IsFatal(err) && state.signed != nil {
		// a broadcast transaction may still be mined; only its receipt can fail it
		err = errors.New(errors.ErrTransient, req.Label+": broadcast outcome unknown after "+err.Error(), nil)
	}
	if errors.IsFatal(err) {
		metrics.SignerSubmissionsTotal.WithLabelValues(req.Label, strings.ToLower(errors.CodeOf(err))).Inc()
		return nil, err
	}

	metrics.SignerSubmissionsTotal.WithLabelValues(req.Label, "exhausted").Inc()
	return state.signed, errors.New(errors.ErrRetriesExhausted,
		fmt.Sprintf("%s: gave up after %d attempts", req.Label, tries), err)
}

func (s *Signer) submitOnce(ctx context.Context, req TxRequest, state *attempt) error {
	if state.signed != nil {
		return s.rebroadcast(ctx, state)
	}

	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	to := req.To

	var estimate uint64
	err := s.rpc(ctx, func(ctx context.Context) error {
		var err error
		estimate, err = s.backend.EstimateGas(ctx, ethereum.CallMsg{From: s.from, To: &to, Value: value, Data: req.Data})
		return err
	})
	if err != nil {
		return classify(req.Label+": estimate gas", err)
	}
	gasLimit := BufferedGas(estimate)

	var gasPrice *big.Int
	if err := s.rpc(ctx, func(ctx context.Context) error {
		var err error
		gasPrice, err = s.backend.SuggestGasPrice(ctx)
		return err
	}); err != nil {
		return errors.New(errors.ErrTransient, req.Label+": gas price unavailable", err)
	}

	var balance *big.Int
	if err := s.rpc(ctx, func(ctx context.Context) error {
		var err error
		balance, err = s.backend.BalanceAt(ctx, s.from, nil)
		return err
	}); err != nil {
		return classify(req.Label+": read balance", err)
	}
	cost := new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), gasPrice)
	cost.Add(cost, value)
	if balance.Cmp(cost) < 0 {
		return errors.New(errors.ErrInsufficientFunds,
			fmt.Sprintf("%s: balance %s wei below required %s wei", req.Label, balance, cost), nil)
	}

	if !s.nonceSynced {
		var pending uint64
		if err := s.rpc(ctx, func(ctx context.Context) error {
			var err error
			pending, err = s.backend.PendingNonceAt(ctx, s.from)
			return err
		}); err != nil {
			return classify(req.Label+": read nonce", err)
		}
		s.nonce = pending
		s.nonceSynced = true
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    s.nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     req.Data,
	})
	signed, err := types.SignTx(tx, s.txSigner, s.key)
	if err != nil {
		return errors.New(errors.ErrReverted, req.Label+": failed to sign transaction", err)
	}
	sub := &Submission{
		ID:          state.id,
		Tx:          signed,
		Hash:        signed.Hash(),
		Nonce:       signed.Nonce(),
		GasEstimate: estimate,
		GasLimit:    gasLimit,
		GasPrice:    gasPrice,
	}

	err = s.rpc(ctx, func(ctx context.Context) error {
		return s.backend.SendTransaction(ctx, signed)
	})
	switch {
	case err == nil || IsAlreadyKnown(err):
		s.nonce++
		state.last = sub
		return nil
	case IsNonceTooLow(err):
		s.nonceSynced = false
		return errors.New(errors.ErrTransient, req.Label+": stale nonce, resyncing", err)
	}

	classified := classifySend(req.Label+": send transaction", err)
	if classified.Code == errors.ErrTransient {
		// the node may hold the transaction; keep the nonce and resend as-is
		state.signed = sub
	}
	return classified
}

func (s *Signer) rebroadcast(ctx context.Context, state *attempt) error {
	sub := state.signed
	err := s.rpc(ctx, func(ctx context.Context) error {
		return s.backend.SendTransaction(ctx, sub.Tx)
	})
	switch {
	case err == nil || IsAlreadyKnown(err):
		s.nonce = sub.Nonce + 1
		state.last = sub
		return nil
	case IsNonceTooLow(err):
		// the earlier broadcast was mined or replaced; the receipt decides
		s.nonceSynced = false
		state.last = sub
		return nil
	}
	// the first broadcast may have been accepted, so no answer here is final
	return errors.New(errors.ErrTransient, "rebroadcast "+sub.Hash.Hex()+": outcome unknown", err)
}

func (s *Signer) rpc(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return fn(callCtx)
}
