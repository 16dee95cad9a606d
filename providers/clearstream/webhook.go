package clearstream

import (
	"github.com/goliatone/go-settlement-guard/core"
	"github.com/goliatone/go-settlement-guard/providers/custodian"
	"github.com/goliatone/go-settlement-guard/webhooks"
)

const Source = core.SourceClearstream

func NewWebhookTemplate(secret string) webhooks.SourceTemplate {
	return custodian.NewTemplate(Source, secret)
}

func Decode(body []byte) (custodian.SettlementConfirmation, error) {
	return custodian.Decode(Source, body)
}
