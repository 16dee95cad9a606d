package chainlink

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/goliatone/go-settlement-guard/core"
	"github.com/goliatone/go-settlement-guard/webhooks"
)

const Source = core.SourceChainlink

const (
	EventOracleResponse = "oracle_response"
	EventPriceUpdate    = "price_update"
	EventIssuance       = "issuance"
	EventTransfer       = "transfer"
)

// OracleReport is a decoded Chainlink callback. Price updates carry Feed and
// Answer; issuance and transfer callbacks carry the on-chain event fields.
type OracleReport struct {
	RequestID   string
	JobID       string
	Event       string
	Feed        string
	Answer      decimal.Decimal
	RoundID     string
	UpdatedAt   time.Time
	TxHash      string
	LogIndex    uint64
	BlockNumber uint64
	ISIN        string
	From        string
	To          string
	Amount      decimal.Decimal
	Data        map[string]any
}

func (r OracleReport) EventType() string { return r.Event }

func (r OracleReport) Reference() string { return r.RequestID }

// OnChainEvent projects issuance and transfer callbacks into reconciliation
// input.
func (r OracleReport) OnChainEvent(observedAt time.Time) (core.OnChainEvent, bool) {
	var kind core.EntityKind
	switch r.Event {
	case EventIssuance:
		kind = core.EntityIssuance
	case EventTransfer:
		kind = core.EntityTransfer
	default:
		return core.OnChainEvent{}, false
	}
	return core.OnChainEvent{
		EventType:   kind,
		TxHash:      r.TxHash,
		LogIndex:    r.LogIndex,
		BlockNumber: r.BlockNumber,
		ISIN:        r.ISIN,
		From:        r.From,
		To:          r.To,
		Amount:      r.Amount,
		ObservedAt:  observedAt,
		Fields:      map[string]string{"request_id": r.RequestID},
	}, true
}

type rawEnvelope struct {
	RequestID string         `json:"requestId"`
	JobID     string         `json:"jobId"`
	Data      map[string]any `json:"data"`
}

func NewWebhookTemplate(secret string) webhooks.SourceTemplate {
	return webhooks.SourceTemplate{
		Source: Source,
		Secret: strings.TrimSpace(secret),
		Decoder: webhooks.DecoderFunc(func(body []byte) (webhooks.Payload, error) {
			return Decode(body)
		}),
	}
}

func Decode(body []byte) (OracleReport, error) {
	var payload rawEnvelope
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(&payload); err != nil {
		return OracleReport{}, fmt.Errorf("providers/chainlink: parse webhook payload: %w", err)
	}
	report := OracleReport{
		RequestID: strings.TrimSpace(payload.RequestID),
		JobID:     strings.TrimSpace(payload.JobID),
		Data:      payload.Data,
	}
	if report.RequestID == "" {
		return OracleReport{}, fmt.Errorf("providers/chainlink: requestId is required")
	}
	report.Event = strings.ToLower(field(payload.Data, "event"))
	if report.Event == "" {
		report.Event = EventOracleResponse
	}

	var err error
	switch report.Event {
	case EventOracleResponse:
	case EventPriceUpdate:
		err = decodePrice(&report, payload.Data)
	case EventIssuance, EventTransfer:
		err = decodeChainEvent(&report, payload.Data)
	default:
		err = fmt.Errorf("providers/chainlink: unsupported event %q", report.Event)
	}
	if err != nil {
		return OracleReport{}, err
	}
	return report, nil
}

func decodePrice(report *OracleReport, data map[string]any) error {
	report.Feed = field(data, "feed")
	if report.Feed == "" {
		return fmt.Errorf("providers/chainlink: price_update feed is required")
	}
	answer, err := decimal.NewFromString(field(data, "answer"))
	if err != nil {
		return fmt.Errorf("providers/chainlink: price_update answer: %w", err)
	}
	report.Answer = answer
	report.RoundID = field(data, "roundId")
	if raw := field(data, "updatedAt"); raw != "" {
		updatedAt, err := webhooks.ParseTimestamp(raw)
		if err != nil {
			return fmt.Errorf("providers/chainlink: price_update updatedAt: %w", err)
		}
		report.UpdatedAt = updatedAt
	}
	return nil
}

func decodeChainEvent(report *OracleReport, data map[string]any) error {
	txHash := field(data, "txHash")
	trimmed := strings.TrimPrefix(strings.ToLower(txHash), "0x")
	if len(trimmed) != common.HashLength*2 {
		return fmt.Errorf("providers/chainlink: %s txHash %q is not a 32-byte hash", report.Event, txHash)
	}
	report.TxHash = common.HexToHash(trimmed).Hex()

	var err error
	if report.LogIndex, err = uintField(data, "logIndex"); err != nil {
		return err
	}
	if report.BlockNumber, err = uintField(data, "blockNumber"); err != nil {
		return err
	}
	report.ISIN = strings.ToUpper(field(data, "isin"))
	if report.From, err = addressField(data, "from", report.Event == EventTransfer); err != nil {
		return err
	}
	toKey := "to"
	if report.Event == EventIssuance {
		toKey = "investor"
	}
	if report.To, err = addressField(data, toKey, true); err != nil {
		return err
	}
	amount, err := decimal.NewFromString(field(data, "amount"))
	if err != nil {
		return fmt.Errorf("providers/chainlink: %s amount: %w", report.Event, err)
	}
	report.Amount = amount
	return nil
}

func addressField(data map[string]any, key string, required bool) (string, error) {
	raw := field(data, key)
	if raw == "" {
		if required {
			return "", fmt.Errorf("providers/chainlink: %s address is required", key)
		}
		return "", nil
	}
	if !common.IsHexAddress(raw) {
		return "", fmt.Errorf("providers/chainlink: %s %q is not a hex address", key, raw)
	}
	return common.HexToAddress(raw).Hex(), nil
}

func uintField(data map[string]any, key string) (uint64, error) {
	raw := field(data, key)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("providers/chainlink: %s: %w", key, err)
	}
	return value, nil
}

func field(data map[string]any, key string) string {
	value, ok := data[key]
	if !ok || value == nil {
		return ""
	}
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed)
	case json.Number:
		return typed.String()
	default:
		return strings.TrimSpace(fmt.Sprint(typed))
	}
}
