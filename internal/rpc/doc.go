// Package rpc carries method invocations between hosts as binary envelopes.
//
// Ownership boundary:
// - envelope encode/decode on top of the protocol codec
// - transport-agnostic connections (in-process pipe, framed stream)
// - client-side stubs and the serving loop
//
// An envelope is one protocol message: MessageCall for requests, MessageResult
// and MessageError for replies. Replies echo the request's UniqueID; the
// Client uses it to route concurrent calls sharing one connection.
package rpc
