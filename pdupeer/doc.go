// Package pdupeer implements the PDUPeer stack: pluggable Endpoint
// transports (file-descriptor, in-process, mirrored), the per-peer
// outbound Queue with its three backpressure policies, the Peer that
// couples one Endpoint with one Queue, and the PeerSet that multiplexes
// many peers over a single netpoll.Monitor.
package pdupeer
