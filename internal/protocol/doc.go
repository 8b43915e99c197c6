// Package protocol owns the RPC wire contract and its parsing primitives.
//
// A message is a fixed 32-byte big-endian header, an optional auth block and
// a payload of TLV fields (see package tlv). The header carries the payload
// length, so a message is self-delimiting on a stream.
//
// Ownership boundary:
// - header and message encode/decode
// - typed field constructors and accessors
// - schema validation of decoded messages
package protocol
