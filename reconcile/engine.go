package reconcile

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/goliatone/go-settlement-guard/core"
)

const (
	FieldAmount = "amount"
	FieldStatus = "status"
	FieldISIN   = "isin"
	FieldFrom   = "from"
	FieldTo     = "to"
	FieldTxHash = "tx_hash"
	FieldIndex  = "log_index"
	FieldLedger = "ledger_id"
	FieldBlock  = "block_number"
)

// Engine compares an on-chain snapshot with a ledger snapshot. It holds no
// state between calls; DetectedAt is the only clock-dependent output.
type Engine struct {
	Now func() time.Time
}

func NewEngine() *Engine {
	return &Engine{Now: core.SystemClock}
}

type chainSide struct {
	key   string
	event core.OnChainEvent
	state core.EntityState
}

type ledgerSide struct {
	key    string
	entity core.LedgerEntity
	state  core.EntityState
}

// Reconcile returns discrepancies ordered by entity key then kind. Input
// order never affects the output.
func (e *Engine) Reconcile(onChain []core.OnChainEvent, ledger []core.LedgerEntity) core.ReconciliationResult {
	detectedAt := e.now()
	result := core.ReconciliationResult{
		OnChainCount: len(onChain),
		LedgerCount:  len(ledger),
	}

	chain, chainDupes := indexOnChain(onChain)
	rows, pending, ledgerDupes := indexLedger(ledger)
	result.Pending = pending
	result.Duplicates = chainDupes + ledgerDupes

	discrepancies := make([]core.DiscrepancyRecord, 0)
	for key, observed := range chain {
		expected, ok := rows[key]
		if !ok {
			discrepancies = append(discrepancies, core.DiscrepancyRecord{
				EntityKey:     key,
				Kind:          core.DiscrepancyMissingInLedger,
				EntityKind:    observed.event.EventType,
				ObservedState: observed.state.Clone(),
				DetectedAt:    detectedAt,
			})
			continue
		}
		fields := mismatchedFields(expected.entity, observed.event)
		if len(fields) == 0 {
			result.Matched++
			continue
		}
		discrepancies = append(discrepancies, core.DiscrepancyRecord{
			EntityKey:     key,
			Kind:          core.DiscrepancyValueMismatch,
			EntityKind:    expected.entity.Kind,
			ExpectedState: expected.state.Clone(),
			ObservedState: observed.state.Clone(),
			Fields:        fields,
			DetectedAt:    detectedAt,
		})
	}
	for key, expected := range rows {
		if _, ok := chain[key]; ok {
			continue
		}
		discrepancies = append(discrepancies, core.DiscrepancyRecord{
			EntityKey:     key,
			Kind:          core.DiscrepancyMissingOnChain,
			EntityKind:    expected.entity.Kind,
			ExpectedState: expected.state.Clone(),
			DetectedAt:    detectedAt,
		})
	}

	core.SortDiscrepancies(discrepancies)
	result.Discrepancies = discrepancies
	return result
}

func (e *Engine) now() time.Time {
	if e != nil && e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// EntityKey is the natural identifier shared by both views:
// <kind>:<tx hash>:<log index>. Settlement rows key on their transfer leg.
func EntityKey(kind core.EntityKind, txHash string, logIndex uint64) string {
	return string(keyKind(kind)) + ":" + NormalizeTxHash(txHash) + ":" + strconv.FormatUint(logIndex, 10)
}

func NormalizeTxHash(txHash string) string {
	value := strings.ToLower(strings.TrimSpace(txHash))
	if value == "" {
		return ""
	}
	if !strings.HasPrefix(value, "0x") {
		value = "0x" + value
	}
	return value
}

// NormalizeAddress returns the checksummed form of hex addresses and the
// trimmed input for anything else (custodian account ids).
func NormalizeAddress(address string) string {
	value := strings.TrimSpace(address)
	if common.IsHexAddress(value) {
		return common.HexToAddress(value).Hex()
	}
	return value
}

func keyKind(kind core.EntityKind) core.EntityKind {
	kind = core.EntityKind(strings.ToLower(strings.TrimSpace(string(kind))))
	if kind == core.EntitySettlement {
		return core.EntityTransfer
	}
	return kind
}

func indexOnChain(events []core.OnChainEvent) (map[string]chainSide, int) {
	sorted := append([]core.OnChainEvent(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool {
		left, right := sorted[i], sorted[j]
		if left.BlockNumber != right.BlockNumber {
			return left.BlockNumber < right.BlockNumber
		}
		if !left.ObservedAt.Equal(right.ObservedAt) {
			return left.ObservedAt.Before(right.ObservedAt)
		}
		if left.Amount.String() != right.Amount.String() {
			return left.Amount.String() < right.Amount.String()
		}
		return stateRank(left.EventType, chainState(left)) < stateRank(right.EventType, chainState(right))
	})

	out := make(map[string]chainSide, len(sorted))
	duplicates := 0
	for _, event := range sorted {
		key := EntityKey(event.EventType, event.TxHash, event.LogIndex)
		if _, exists := out[key]; exists {
			duplicates++
			continue
		}
		out[key] = chainSide{key: key, event: event, state: chainState(event)}
	}
	return out, duplicates
}

func indexLedger(entities []core.LedgerEntity) (map[string]ledgerSide, int, int) {
	sorted := append([]core.LedgerEntity(nil), entities...)
	sort.SliceStable(sorted, func(i, j int) bool {
		left, right := sorted[i], sorted[j]
		if left.ID != right.ID {
			return left.ID < right.ID
		}
		return stateRank(left.Kind, ledgerState(left)) < stateRank(right.Kind, ledgerState(right))
	})

	out := make(map[string]ledgerSide, len(sorted))
	pending := 0
	duplicates := 0
	for _, entity := range sorted {
		if NormalizeTxHash(entity.TxHash) == "" {
			pending++
			continue
		}
		key := EntityKey(entity.Kind, entity.TxHash, entity.LogIndex)
		if _, exists := out[key]; exists {
			duplicates++
			continue
		}
		out[key] = ledgerSide{key: key, entity: entity, state: ledgerState(entity)}
	}
	return out, pending, duplicates
}

// stateRank renders kind and state with sorted keys. Duplicates that tie on
// every earlier criterion are ordered by it.
func stateRank(kind core.EntityKind, state core.EntityState) string {
	keys := make([]string, 0, len(state))
	for key := range state {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(string(kind))
	for _, key := range keys {
		b.WriteString("|")
		b.WriteString(key)
		b.WriteString("=")
		b.WriteString(state[key])
	}
	return b.String()
}

func chainState(event core.OnChainEvent) core.EntityState {
	state := core.EntityState{
		FieldAmount: event.Amount.String(),
		FieldTxHash: NormalizeTxHash(event.TxHash),
		FieldIndex:  strconv.FormatUint(event.LogIndex, 10),
	}
	if event.BlockNumber > 0 {
		state[FieldBlock] = strconv.FormatUint(event.BlockNumber, 10)
	}
	putIfSet(state, FieldStatus, normalizeStatus(event.Status))
	putIfSet(state, FieldISIN, normalizeISIN(event.ISIN))
	putIfSet(state, FieldFrom, NormalizeAddress(event.From))
	putIfSet(state, FieldTo, NormalizeAddress(event.To))
	return state
}

func ledgerState(entity core.LedgerEntity) core.EntityState {
	state := core.EntityState{
		FieldAmount: entity.Amount.String(),
		FieldTxHash: NormalizeTxHash(entity.TxHash),
		FieldIndex:  strconv.FormatUint(entity.LogIndex, 10),
	}
	putIfSet(state, FieldLedger, strings.TrimSpace(entity.ID))
	putIfSet(state, FieldStatus, normalizeStatus(entity.Status))
	putIfSet(state, FieldISIN, normalizeISIN(entity.ISIN))
	putIfSet(state, FieldFrom, NormalizeAddress(entity.From))
	putIfSet(state, FieldTo, NormalizeAddress(entity.To))
	return state
}

// mismatchedFields lists differing comparable fields in a fixed order.
// Amounts compare exactly; optional fields compare only when both sides
// carry a value.
func mismatchedFields(expected core.LedgerEntity, observed core.OnChainEvent) []string {
	var fields []string
	if !amountsEqual(expected.Amount, observed.Amount) {
		fields = append(fields, FieldAmount)
	}
	if differs(normalizeStatus(expected.Status), normalizeStatus(observed.Status)) {
		fields = append(fields, FieldStatus)
	}
	if differs(normalizeISIN(expected.ISIN), normalizeISIN(observed.ISIN)) {
		fields = append(fields, FieldISIN)
	}
	if differs(NormalizeAddress(expected.From), NormalizeAddress(observed.From)) {
		fields = append(fields, FieldFrom)
	}
	if differs(NormalizeAddress(expected.To), NormalizeAddress(observed.To)) {
		fields = append(fields, FieldTo)
	}
	return fields
}

func amountsEqual(left decimal.Decimal, right decimal.Decimal) bool {
	return left.Equal(right)
}

func differs(left string, right string) bool {
	return left != "" && right != "" && left != right
}

func normalizeStatus(status string) string {
	return strings.ToUpper(strings.TrimSpace(status))
}

func normalizeISIN(isin string) string {
	return strings.ToUpper(strings.TrimSpace(isin))
}

func putIfSet(state core.EntityState, key string, value string) {
	if value != "" {
		state[key] = value
	}
}
