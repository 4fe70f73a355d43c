// Package signal defines the core data model for trading signals and the
// Fingerprinter that gives each signal its semantic identity.
//
// A Signal moves through a fixed lifecycle:
//
//	pending → queued → executing → {executed | failed | ignored}
//
// with executing → queued permitted only when a failed attempt is
// re-enqueued for retry, pending → ignored when the confidence gate rejects,
// and queued → ignored when a queued signal is cancelled. CanTransition is
// the single source of truth for these rules; every store mutation checks it.
//
// Fingerprints are SHA-256 digests over a normalized rendering of the parsed
// fields with domain separation, so that the same trade intent expressed with
// different casing, spacing, take-profit order or price noise below tick size
// maps to the same identity.
package signal
