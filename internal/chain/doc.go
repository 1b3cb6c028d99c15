// Package chain groups the payment lookup collaborators used by the verifier.
// Each subpackage implements payment.Lookup against a different source: an
// HTTP indexer or an EVM escrow contract read through go-ethereum.
package chain
