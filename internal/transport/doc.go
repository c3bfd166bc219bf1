// Package transport owns the peer and role contracts every transport
// implements.
//
// Ownership boundary:
// - remote identity (local radio peer or global network client)
// - publisher/subscriber role contracts
// - conversation identity and the authorization predicate surface
// - the error taxonomy shared by all transports
//
// Transport implementations live in subpackages; this package holds no
// connection state.
package transport
