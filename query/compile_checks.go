package query

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Querier[LatestReportMessage, LatestReportResult]           = (*LatestReportQuery)(nil)
	_ gocmd.Querier[ListDiscrepanciesMessage, DiscrepancyPage]         = (*ListDiscrepanciesQuery)(nil)
	_ gocmd.Querier[LookupNonceMessage, NonceLookupResult]             = (*LookupNonceQuery)(nil)
	_ gocmd.Querier[LookupIdempotencyMessage, IdempotencyLookupResult] = (*LookupIdempotencyQuery)(nil)
)
