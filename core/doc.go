// Package core holds the settlement guard domain model, store contracts,
// error taxonomy, configuration, and the replay-protection primitives shared
// by the webhook and idempotency layers.
package core
