package custodian

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/goliatone/go-settlement-guard/core"
	"github.com/goliatone/go-settlement-guard/webhooks"
)

// SettlementConfirmation is the decoded body shared by custodian sources.
type SettlementConfirmation struct {
	Source       core.Source
	Event        string
	Ref          string
	ISIN         string
	Quantity     decimal.Decimal
	HasQuantity  bool
	Status       core.SettlementStatus
	Account      string
	Counterparty string
	TxHash       string
	ValueDate    string
	DataKeys     []string
	Data         map[string]any
}

func (c SettlementConfirmation) EventType() string { return c.Event }

func (c SettlementConfirmation) Reference() string { return c.Ref }

type rawEnvelope struct {
	Event     string         `json:"event"`
	Reference string         `json:"reference"`
	Data      map[string]any `json:"data"`
}

var allowedEvents = map[string]struct{}{
	"status_update":          {},
	"settlement_instructed":  {},
	"settlement_matched":     {},
	"settlement_confirmed":   {},
	"settlement_failed":      {},
	"position_update":        {},
	"corporate_action":       {},
	"instruction_cancelled":  {},
	"instruction_amended":    {},
	"reconciliation_request": {},
}

func NewTemplate(source core.Source, secret string) webhooks.SourceTemplate {
	return webhooks.SourceTemplate{
		Source:  source,
		Secret:  strings.TrimSpace(secret),
		Decoder: NewDecoder(source),
	}
}

func NewDecoder(source core.Source) webhooks.Decoder {
	return webhooks.DecoderFunc(func(body []byte) (webhooks.Payload, error) {
		return Decode(source, body)
	})
}

func Decode(source core.Source, body []byte) (SettlementConfirmation, error) {
	var payload rawEnvelope
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(&payload); err != nil {
		return SettlementConfirmation{}, fmt.Errorf("providers/custodian: parse webhook payload: %w", err)
	}
	event := strings.TrimSpace(strings.ToLower(payload.Event))
	if event == "" {
		return SettlementConfirmation{}, fmt.Errorf("providers/custodian: webhook event is required")
	}
	if _, ok := allowedEvents[event]; !ok {
		return SettlementConfirmation{}, fmt.Errorf("providers/custodian: unsupported %s event %q", source, event)
	}

	out := SettlementConfirmation{
		Source:       source,
		Event:        event,
		Ref:          strings.TrimSpace(payload.Reference),
		ISIN:         strings.ToUpper(stringField(payload.Data, "isin")),
		Account:      stringField(payload.Data, "account"),
		Counterparty: stringField(payload.Data, "counterparty"),
		ValueDate:    stringField(payload.Data, "value_date"),
		Data:         payload.Data,
	}
	if out.ISIN != "" && len(out.ISIN) != 12 {
		return SettlementConfirmation{}, fmt.Errorf("providers/custodian: isin %q must be 12 characters", out.ISIN)
	}

	if status := strings.ToUpper(stringField(payload.Data, "status")); status != "" {
		parsed, err := parseStatus(status)
		if err != nil {
			return SettlementConfirmation{}, err
		}
		out.Status = parsed
	}

	for _, key := range []string{"quantity", "amount"} {
		raw, ok := payload.Data[key]
		if !ok {
			continue
		}
		quantity, err := decimalField(raw)
		if err != nil {
			return SettlementConfirmation{}, fmt.Errorf("providers/custodian: %s: %w", key, err)
		}
		out.Quantity = quantity
		out.HasQuantity = true
		break
	}

	if txHash := stringField(payload.Data, "tx_hash"); txHash != "" {
		if !isHash(txHash) {
			return SettlementConfirmation{}, fmt.Errorf("providers/custodian: tx_hash %q is not a 32-byte hex hash", txHash)
		}
		out.TxHash = common.HexToHash(txHash).Hex()
	}

	keys := make([]string, 0, len(payload.Data))
	for key := range payload.Data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out.DataKeys = keys
	return out, nil
}

func parseStatus(raw string) (core.SettlementStatus, error) {
	switch status := core.SettlementStatus(raw); status {
	case core.SettlementInitiated, core.SettlementMatched, core.SettlementSettled, core.SettlementFailed:
		return status, nil
	default:
		return "", fmt.Errorf("providers/custodian: unknown settlement status %q", raw)
	}
}

func stringField(data map[string]any, key string) string {
	if len(data) == 0 {
		return ""
	}
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

func decimalField(value any) (decimal.Decimal, error) {
	switch typed := value.(type) {
	case json.Number:
		return decimal.NewFromString(typed.String())
	case string:
		return decimal.NewFromString(strings.TrimSpace(typed))
	default:
		return decimal.Decimal{}, fmt.Errorf("unsupported amount type %T", value)
	}
}

func isHash(value string) bool {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(value, "0x"), "0X")
	return len(trimmed) == common.HashLength*2 && isHex(trimmed)
}

func isHex(value string) bool {
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
