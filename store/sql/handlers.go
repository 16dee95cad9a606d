package sqlstore

import (
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

func reconciliationRunHandlers() repository.ModelHandlers[*reconciliationRunRecord] {
	return repository.ModelHandlers[*reconciliationRunRecord]{
		NewRecord: func() *reconciliationRunRecord {
			return &reconciliationRunRecord{}
		},
		GetID: func(record *reconciliationRunRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *reconciliationRunRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *reconciliationRunRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func discrepancyHandlers() repository.ModelHandlers[*discrepancyRecord] {
	return repository.ModelHandlers[*discrepancyRecord]{
		NewRecord: func() *discrepancyRecord {
			return &discrepancyRecord{}
		},
		GetID: func(record *discrepancyRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *discrepancyRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *discrepancyRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func onChainEventHandlers() repository.ModelHandlers[*onChainEventRecord] {
	return repository.ModelHandlers[*onChainEventRecord]{
		NewRecord: func() *onChainEventRecord {
			return &onChainEventRecord{}
		},
		GetID: func(record *onChainEventRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *onChainEventRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *onChainEventRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

// Ledger ids are business references (settlement or issuance ids), not uuids.
func ledgerEntityHandlers() repository.ModelHandlers[*ledgerEntityRecord] {
	return repository.ModelHandlers[*ledgerEntityRecord]{
		NewRecord: func() *ledgerEntityRecord {
			return &ledgerEntityRecord{}
		},
		GetID: func(record *ledgerEntityRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.TrimSpace(record.ID)))
		},
		SetID: func(record *ledgerEntityRecord, id uuid.UUID) {
			if record == nil || strings.TrimSpace(record.ID) != "" {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *ledgerEntityRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func parseUUID(value string) uuid.UUID {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil
	}
	return parsed
}
