package ingestion

import (
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"
)

// Payload is the decoded body of one event. Each known event has its own
// variant; anything else is kept as Opaque.
type Payload interface {
	Kind() string
}

type RewardMinted struct {
	Student string `json:"student"`
	Amount  string `json:"amount"`
}

type BadgeIssued struct {
	Student   string `json:"student"`
	TokenID   string `json:"token_id"`
	BadgeType string `json:"badge_type"`
}

type CertificateIssued struct {
	Student  string `json:"student"`
	TokenID  string `json:"token_id"`
	CourseID string `json:"course_id"`
	URI      string `json:"uri"`
}

type StreakUpdated struct {
	Student string `json:"student"`
	Streak  uint64 `json:"streak"`
}

type Transfer struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Value string `json:"value"`
}

type RoleGranted struct {
	Role    string `json:"role"`
	Account string `json:"account"`
	Sender  string `json:"sender"`
}

type DataAnchored struct {
	DataHash  string `json:"data_hash"`
	Submitter string `json:"submitter"`
	Timestamp uint64 `json:"timestamp"`
}

// Opaque keeps the raw log of an event the engine does not interpret.
// Fields holds the decoded arguments when the ABI describes the event.
type Opaque struct {
	Topics []string          `json:"topics"`
	Data   string            `json:"data"`
	Fields map[string]string `json:"fields,omitempty"`
}

func (RewardMinted) Kind() string      { return "RewardMinted" }
func (BadgeIssued) Kind() string       { return "BadgeIssued" }
func (CertificateIssued) Kind() string { return "CertificateIssued" }
func (StreakUpdated) Kind() string     { return "StreakUpdated" }
func (Transfer) Kind() string          { return "Transfer" }
func (RoleGranted) Kind() string       { return "RoleGranted" }
func (DataAnchored) Kind() string      { return "DataAnchored" }
func (Opaque) Kind() string            { return "Opaque" }

type envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func EncodePayload(p Payload) (datatypes.JSON, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Kind: p.Kind(), Data: data})
}

func DecodePayload(raw datatypes.JSON) (Payload, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}

	var p Payload
	switch env.Kind {
	case "RewardMinted":
		p = &RewardMinted{}
	case "BadgeIssued":
		p = &BadgeIssued{}
	case "CertificateIssued":
		p = &CertificateIssued{}
	case "StreakUpdated":
		p = &StreakUpdated{}
	case "Transfer":
		p = &Transfer{}
	case "RoleGranted":
		p = &RoleGranted{}
	case "DataAnchored":
		p = &DataAnchored{}
	case "Opaque":
		p = &Opaque{}
	default:
		return nil, fmt.Errorf("unknown payload kind %q", env.Kind)
	}
	if err := json.Unmarshal(env.Data, p); err != nil {
		return nil, err
	}
	return p, nil
}
