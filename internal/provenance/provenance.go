// Package provenance implements a hash-chained, append-only record of the
// processing stages applied to one tracked unit, such as a wafer batch.
//
// The chain begins with a genesis record whose PrevDigest is the sentinel
// GenesisPrevDigest ("0"). Every later record stores the digest of its
// predecessor, so a broken link anywhere in the chain is detectable via
// Ledger.Verify.
//
// A Ledger has no internal locking. It assumes a single writer; callers that
// share a Ledger between goroutines must serialize Append and Verify
// themselves (see the trace/service package).
package provenance
