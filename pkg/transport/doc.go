// Package transport defines the readiness contract every wire transport
// implements to plug into the middleware's I/O reactor, plus the endpoint
// registry used to instantiate transports by protocol name.
//
// Key concepts:
//   - Transceiver: a duplex, non-blocking byte stream for one connection. Read
//     and Write make best-effort progress and report the readiness still
//     required.
//   - Acceptor: produces Transceivers for inbound connections.
//   - Connector: produces a Transceiver for one outbound connection.
//   - Endpoint: immutable address + options value for one transport instance.
//   - ReadyCallback: how transports without a pollable handle tell the reactor
//     that an operation became satisfiable.
//
// Subpackages tcp, ssl, bt, quic, ws and winpipe provide implementations;
// subpackage blocking turns any blocking-only stream into a Transceiver.
package transport
