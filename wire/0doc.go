// Package wire implements the on-the-wire representation of protocol
// messages: a fixed header used to filter foreign traffic, a symmetric
// obfuscation cipher, optional compression of larger payloads and the
// four message kinds known to the datagram protocol.
//
// The cipher is an obfuscation layer, not a security boundary. Key and
// nonce are fixed per Codec instance and shared by both peers.
package wire
