// Package session owns the peer-to-peer connection lifecycle helpers shared by
// every spine link: the shared-secret handshake, dial/handshake/write timeouts
// and the reconnect backoff schedule.
//
// Message framing lives in protocol/frame and protocol/tlv; the payload codec
// for bus traffic lives in protocol/wire.
package session
