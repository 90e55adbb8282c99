// Package canon provides the canonical value model and encoder used for
// every content hash in the system: row payloads, node configuration,
// and checkpoint state.
//
// Two logically-equal structures must produce identical bytes regardless
// of how they were constructed, so object keys are sorted by UTF-16 code
// units (RFC 8785), strings are NFC normalized, and numbers have exactly
// one encoding. Non-finite floats are rejected rather than resolved - a
// NaN that encodes differently per platform would silently fork lineage
// hashes.
package canon
