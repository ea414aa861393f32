// Package blocking adapts connections that only offer blocking calls to the
// non-blocking transceiver contract.
//
// Each Transceiver owns a reader and a writer goroutine which perform every
// call on the underlying connection and exchange bytes with the application
// through two bounded buffers guarded by one mutex. Readiness changes are
// reported through the transport.ReadyCallback. The inbound buffer never
// grows past the configured receive size: the reader only asks the
// connection for as many bytes as still fit.
//
// Acceptor does the same for listening resources with one accept goroutine
// and a stack of pending connections.
package blocking
