// Package payment correlates submitted jobs with escrow payments. It generates
// the blockchain identifier a purchaser must lock funds under and polls a
// lookup collaborator until the payment is confirmed, mismatched or late.
package payment
