// Package webhooks verifies and dispatches signed settlement webhooks.
//
// Every delivery walks one pipeline regardless of source:
// RECEIVED -> SIGNATURE_OK -> TIMESTAMP_OK -> NONCE_FRESH -> DECODED -> HANDLED.
// The first failed step ends the delivery as REJECTED with a reason. Sources
// differ only in the decoder registered for them. Nothing is retried here;
// senders retry with a new nonce.
package webhooks
