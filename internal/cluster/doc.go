// Package cluster binds named object classes into an Env and routes each
// identity to the host that owns it.
//
// Ownership boundary:
// - identity derivation (IDFromName, IDFromString, NewUniqueID)
// - shard placement: fnv32a(id) mod host count
// - local handles backed by the registry, remote handles backed by rpc stubs
// - the rpc handler that serves calls addressed to this host
package cluster
