// Package ethereum reads escrow payments from an EVM compatible chain. It
// filters PaymentLocked(bytes32,uint256) events emitted by the escrow contract
// and reports the locked amount together with its confirmation depth.
package ethereum
