package contracts

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const tokenABIJSON = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"Transfer","anonymous":false,"inputs":[
    {"name":"from","type":"address","indexed":true},
    {"name":"to","type":"address","indexed":true},
    {"name":"value","type":"uint256","indexed":false}]}
]`

const rewardsABIJSON = `[
  {"type":"function","name":"mintReward","stateMutability":"nonpayable",
   "inputs":[{"name":"student","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"getStudentStats","stateMutability":"view",
   "inputs":[{"name":"student","type":"address"}],
   "outputs":[
     {"name":"tokens","type":"uint256"},
     {"name":"badges","type":"uint256"},
     {"name":"certificates","type":"uint256"},
     {"name":"streak","type":"uint256"}]},
  {"type":"event","name":"RewardMinted","anonymous":false,"inputs":[
    {"name":"student","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"StreakUpdated","anonymous":false,"inputs":[
    {"name":"student","type":"address","indexed":true},
    {"name":"streak","type":"uint256","indexed":false}]}
]`

const badgesABIJSON = `[
  {"type":"function","name":"issueBadge","stateMutability":"nonpayable",
   "inputs":[{"name":"student","type":"address"},{"name":"badgeType","type":"uint256"}],
   "outputs":[]},
  {"type":"event","name":"BadgeIssued","anonymous":false,"inputs":[
    {"name":"student","type":"address","indexed":true},
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"badgeType","type":"uint256","indexed":false}]}
]`

const certificatesABIJSON = `[
  {"type":"function","name":"issueCertificate","stateMutability":"nonpayable",
   "inputs":[
     {"name":"student","type":"address"},
     {"name":"courseId","type":"uint256"},
     {"name":"uri","type":"string"}],
   "outputs":[]},
  {"type":"event","name":"CertificateIssued","anonymous":false,"inputs":[
    {"name":"student","type":"address","indexed":true},
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"courseId","type":"uint256","indexed":false},
    {"name":"uri","type":"string","indexed":false}]}
]`

const resourcesABIJSON = `[
  {"type":"function","name":"isTeacher","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"event","name":"RoleGranted","anonymous":false,"inputs":[
    {"name":"role","type":"bytes32","indexed":true},
    {"name":"account","type":"address","indexed":true},
    {"name":"sender","type":"address","indexed":true}]}
]`

const dataAnchorABIJSON = `[
  {"type":"function","name":"anchorData","stateMutability":"nonpayable",
   "inputs":[{"name":"dataHash","type":"bytes32"}],
   "outputs":[]},
  {"type":"event","name":"DataAnchored","anonymous":false,"inputs":[
    {"name":"dataHash","type":"bytes32","indexed":true},
    {"name":"submitter","type":"address","indexed":true},
    {"name":"timestamp","type":"uint256","indexed":false}]}
]`

var (
	TokenABI        = mustParseABI(tokenABIJSON)
	RewardsABI      = mustParseABI(rewardsABIJSON)
	BadgesABI       = mustParseABI(badgesABIJSON)
	CertificatesABI = mustParseABI(certificatesABIJSON)
	ResourcesABI    = mustParseABI(resourcesABIJSON)
	DataAnchorABI   = mustParseABI(dataAnchorABIJSON)
)

// Contract roles as used in config.ContractsConfig.All.
const (
	RoleToken        = "token"
	RoleRewards      = "rewards"
	RoleBadges       = "badges"
	RoleCertificates = "certificates"
	RoleResources    = "resources"
	RoleDataAnchor   = "data_anchor"
)

// ABIForRole returns the interface of the contract deployed for role.
func ABIForRole(role string) (abi.ABI, bool) {
	switch role {
	case RoleToken:
		return TokenABI, true
	case RoleRewards:
		return RewardsABI, true
	case RoleBadges:
		return BadgesABI, true
	case RoleCertificates:
		return CertificatesABI, true
	case RoleResources:
		return ResourcesABI, true
	case RoleDataAnchor:
		return DataAnchorABI, true
	}
	return abi.ABI{}, false
}

// EventBySignature finds the event whose topic0 is sig in contract's ABI.
func EventBySignature(contract abi.ABI, sig common.Hash) (*abi.Event, bool) {
	ev, err := contract.EventByID(sig)
	if err != nil {
		return nil, false
	}
	return ev, true
}

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("contracts: invalid ABI: " + err.Error())
	}
	return parsed
}
