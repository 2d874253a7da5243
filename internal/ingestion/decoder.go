package ingestion

import (
	"fmt"
	"math/big"
	"strings"

	"arandu-chain-sync/internal/contracts"
	"arandu-chain-sync/internal/models"
	"arandu-chain-sync/internal/repository"
	"arandu-chain-sync/pkg/errors"
	"arandu-chain-sync/pkg/logger"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

// Decoder turns one contract's logs into event rows and cache effects.
type Decoder struct {
	address  string
	contract abi.ABI
}

func NewDecoder(address string, contract abi.ABI) *Decoder {
	return &Decoder{address: normalize(common.HexToAddress(address)), contract: contract}
}

func normalize(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// Decode never fails on unknown or malformed logs: they are stored as
// Opaque so the range can still be checkpointed.
func (d *Decoder) Decode(log types.Log) (repository.EventWrite, error) {
	event := &models.BlockchainEvent{
		ContractAddress: d.address,
		BlockNumber:     int64(log.BlockNumber),
		TxHash:          strings.ToLower(log.TxHash.Hex()),
		LogIndex:        log.Index,
	}

	var (
		payload Payload
		caches  []repository.CacheDelta
	)

	ev, values, err := d.unpack(log)
	if err != nil {
		logger.For("ingestion").WithFields(logrus.Fields{
			"contract":  d.address,
			"tx_hash":   event.TxHash,
			"log_index": log.Index,
		}).WithError(err).Warn("Undecodable log stored as opaque")
	}
	if ev == nil || err != nil {
		event.EventName = opaqueName(log)
		payload = opaquePayload(log)
	} else {
		event.EventName = ev.Name
		payload, caches = d.interpret(event, log, ev.Name, values)
	}

	raw, err := EncodePayload(payload)
	if err != nil {
		return repository.EventWrite{}, errors.New(errors.ErrEventParse, "failed to encode payload", err)
	}
	event.Payload = raw

	return repository.EventWrite{Event: event, Caches: caches}, nil
}

func (d *Decoder) unpack(log types.Log) (*abi.Event, map[string]interface{}, error) {
	if len(log.Topics) == 0 {
		return nil, nil, nil
	}
	ev, ok := contracts.EventBySignature(d.contract, log.Topics[0])
	if !ok {
		return nil, nil, nil
	}

	values := make(map[string]interface{})
	if err := ev.Inputs.UnpackIntoMap(values, log.Data); err != nil {
		return ev, nil, err
	}
	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopicsIntoMap(values, indexed, log.Topics[1:]); err != nil {
		return ev, nil, err
	}
	return ev, values, nil
}

// interpret builds the payload variant and, for wallet-affecting events,
// the cache deltas.
func (d *Decoder) interpret(event *models.BlockchainEvent, log types.Log, name string, v map[string]interface{}) (Payload, []repository.CacheDelta) {
	switch name {
	case models.EventRewardMinted:
		student := addressArg(v, "student")
		amount := bigArg(v, "amount")
		amountStr := amount.String()
		event.Wallet = &student
		event.Amount = &amountStr
		return RewardMinted{Student: student, Amount: amountStr},
			[]repository.CacheDelta{{Wallet: student, TokenDelta: amount}}

	case models.EventBadgeIssued:
		student := addressArg(v, "student")
		event.Wallet = &student
		payload := BadgeIssued{
			Student:   student,
			TokenID:   bigArg(v, "tokenId").String(),
			BadgeType: bigArg(v, "badgeType").String(),
		}
		return payload, []repository.CacheDelta{{Wallet: student, Badges: 1}}

	case models.EventCertificateIssued:
		student := addressArg(v, "student")
		uri, _ := v["uri"].(string)
		event.Wallet = &student
		payload := CertificateIssued{
			Student:  student,
			TokenID:  bigArg(v, "tokenId").String(),
			CourseID: bigArg(v, "courseId").String(),
			URI:      uri,
		}
		return payload, []repository.CacheDelta{{Wallet: student, Certificates: 1}}

	case models.EventStreakUpdated:
		student := addressArg(v, "student")
		streak := bigArg(v, "streak")
		value := streak.Int64()
		event.Wallet = &student
		return StreakUpdated{Student: student, Streak: streak.Uint64()},
			[]repository.CacheDelta{{Wallet: student, Streak: &value}}

	case models.EventTransfer:
		return d.transfer(event, v)

	case models.EventRoleGranted:
		account := addressArg(v, "account")
		event.Wallet = &account
		role, _ := v["role"].([32]byte)
		return RoleGranted{
			Role:    hexutil.Encode(role[:]),
			Account: account,
			Sender:  addressArg(v, "sender"),
		}, nil

	case models.EventDataAnchored:
		submitter := addressArg(v, "submitter")
		hash, _ := v["dataHash"].([32]byte)
		event.Wallet = &submitter
		return DataAnchored{
			DataHash:  hexutil.Encode(hash[:]),
			Submitter: submitter,
			Timestamp: bigArg(v, "timestamp").Uint64(),
		}, nil
	}

	// in the ABI but not one the engine interprets
	payload := opaquePayload(log)
	payload.Fields = make(map[string]string, len(v))
	for k, val := range v {
		payload.Fields[k] = formatArg(val)
	}
	return payload, nil
}

func formatArg(val interface{}) string {
	switch a := val.(type) {
	case common.Address:
		return normalize(a)
	case *big.Int:
		if a == nil {
			return "0"
		}
		return a.String()
	case [32]byte:
		return hexutil.Encode(a[:])
	case []byte:
		return hexutil.Encode(a)
	default:
		return fmt.Sprintf("%v", a)
	}
}

// transfer mints (from the zero address) carry no cache effect: the
// matching RewardMinted already credited the wallet.
func (d *Decoder) transfer(event *models.BlockchainEvent, v map[string]interface{}) (Payload, []repository.CacheDelta) {
	from := addressArg(v, "from")
	to := addressArg(v, "to")
	value := bigArg(v, "value")
	zero := normalize(common.Address{})

	var caches []repository.CacheDelta
	switch {
	case from == zero:
		event.Wallet = &to
	case to == zero:
		event.Wallet = &from
		caches = append(caches, repository.CacheDelta{Wallet: from, TokenDelta: new(big.Int).Neg(value)})
	default:
		event.Wallet = &to
		caches = append(caches,
			repository.CacheDelta{Wallet: from, TokenDelta: new(big.Int).Neg(value)},
			repository.CacheDelta{Wallet: to, TokenDelta: new(big.Int).Set(value)},
		)
	}
	return Transfer{From: from, To: to, Value: value.String()}, caches
}

func opaqueName(log types.Log) string {
	if len(log.Topics) == 0 {
		return "Opaque:anonymous"
	}
	return "Opaque:" + log.Topics[0].Hex()[:10]
}

func opaquePayload(log types.Log) Opaque {
	topics := make([]string, len(log.Topics))
	for i, t := range log.Topics {
		topics[i] = t.Hex()
	}
	return Opaque{Topics: topics, Data: hexutil.Encode(log.Data)}
}

func addressArg(v map[string]interface{}, name string) string {
	addr, _ := v[name].(common.Address)
	return normalize(addr)
}

func bigArg(v map[string]interface{}, name string) *big.Int {
	if n, ok := v[name].(*big.Int); ok && n != nil {
		return n
	}
	return new(big.Int)
}
