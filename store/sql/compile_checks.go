package sqlstore

import "github.com/goliatone/go-settlement-guard/core"

var (
	_ core.ConditionalStore = (*ConditionalStore)(nil)
	_ core.ReportSink       = (*DiscrepancyStore)(nil)
	_ core.ReportReader     = (*CachedReportStore)(nil)
	_ core.OnChainSource    = (*OnChainEventStore)(nil)
	_ core.LedgerSource     = (*LedgerEntityStore)(nil)
)
