package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[RunReconciliationMessage]  = (*RunReconciliationCommand)(nil)
	_ gocmd.Commander[PurgeExpiredMessage]       = (*PurgeExpiredCommand)(nil)
	_ gocmd.Commander[RecordOnChainEventMessage] = (*RecordOnChainEventCommand)(nil)
	_ gocmd.Commander[UpsertLedgerEntityMessage] = (*UpsertLedgerEntityCommand)(nil)
)
