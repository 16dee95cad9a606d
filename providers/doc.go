// Package providers groups the per-source webhook templates. Each source
// package binds a signing secret to the decoder for its payload shape; the
// verification pipeline itself lives in package webhooks.
package providers
