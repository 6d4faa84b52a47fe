// Package ipc implements the request/response protocol spoken between the
// sharding orchestrator and its worker processes.
//
// Every message is an envelope {op, d} where op is one of a closed set of
// OpCodes. A send is either receptive (Request, the sender waits for a
// correlated Reply{success, d}) or a notification (Notify). Failures travel
// as ErrorObject{name, message, stack} and come back as *RemoteError, which
// still matches the well-known sentinel errors with errors.Is.
//
// Master is the orchestrator endpoint and Cluster the worker endpoint. Both
// are independent of the wire: they run over any ServerTransport and
// ClientTransport pair. MemoryTransport is provided for tests; adapters/ws and
// adapters/nats provide real ones.
package ipc
