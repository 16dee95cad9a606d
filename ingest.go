package guard

import (
	"context"
	"fmt"
	"strings"

	guardcommand "github.com/goliatone/go-settlement-guard/command"
	"github.com/goliatone/go-settlement-guard/core"
	"github.com/goliatone/go-settlement-guard/providers/chainlink"
	"github.com/goliatone/go-settlement-guard/providers/custodian"
)

// handleOracleReport records issuance and transfer callbacks as on-chain
// snapshot rows. Price and oracle responses are accepted but not reconciled.
func (s *Service) handleOracleReport(ctx context.Context, event core.WebhookEvent) error {
	report, ok := event.DecodedPayload.(chainlink.OracleReport)
	if !ok {
		return fmt.Errorf("guard: unexpected chainlink payload %T", event.DecodedPayload)
	}
	onChain, ok := report.OnChainEvent(event.ReceivedAt)
	if !ok {
		s.logger.Debug("oracle report accepted",
			"event_id", event.ID,
			"event", report.Event,
			"request_id", report.RequestID,
		)
		return nil
	}
	onChain.Fields["event_id"] = event.ID
	return s.commands.RecordOnChainEvent.Execute(ctx, guardcommand.RecordOnChainEventMessage{Event: onChain})
}

// handleSettlementConfirmation folds a custodian confirmation into the ledger
// row sharing its reference. Unknown references start a new settlement row.
func (s *Service) handleSettlementConfirmation(ctx context.Context, event core.WebhookEvent) error {
	confirmation, ok := event.DecodedPayload.(custodian.SettlementConfirmation)
	if !ok {
		return fmt.Errorf("guard: unexpected %s payload %T", event.Source, event.DecodedPayload)
	}
	if confirmation.Ref == "" {
		s.logger.Debug("custodian event without reference accepted",
			"event_id", event.ID,
			"source", event.Source.String(),
			"event", confirmation.Event,
		)
		return nil
	}
	entity, found, err := s.ledger.FindByReference(ctx, confirmation.Ref)
	if err != nil {
		return err
	}
	if !found {
		entity = core.LedgerEntity{
			ID:        settlementID(event.Source, confirmation.Ref),
			Kind:      core.EntitySettlement,
			Reference: confirmation.Ref,
		}
	}
	applyConfirmation(&entity, confirmation)
	entity.RecordedAt = event.ReceivedAt
	if entity.Fields == nil {
		entity.Fields = map[string]string{}
	}
	entity.Fields["source"] = event.Source.String()
	entity.Fields["event_id"] = event.ID
	return s.commands.UpsertLedgerEntity.Execute(ctx, guardcommand.UpsertLedgerEntityMessage{Entity: entity})
}

func applyConfirmation(entity *core.LedgerEntity, confirmation custodian.SettlementConfirmation) {
	if txHash := strings.TrimSpace(confirmation.TxHash); txHash != "" {
		entity.TxHash = txHash
	}
	if isin := strings.TrimSpace(confirmation.ISIN); isin != "" {
		entity.ISIN = isin
	}
	if confirmation.HasQuantity {
		entity.Amount = confirmation.Quantity
	}
	if confirmation.Status != "" {
		entity.Status = string(confirmation.Status)
	}
	if entity.Fields == nil {
		entity.Fields = map[string]string{}
	}
	putField(entity.Fields, "custodian_event", confirmation.Event)
	putField(entity.Fields, "account", confirmation.Account)
	putField(entity.Fields, "counterparty", confirmation.Counterparty)
	putField(entity.Fields, "value_date", confirmation.ValueDate)
}

func settlementID(source core.Source, reference string) string {
	return source.String() + ":" + strings.TrimSpace(reference)
}

func putField(fields map[string]string, key string, value string) {
	if value = strings.TrimSpace(value); value != "" {
		fields[key] = value
	}
}
