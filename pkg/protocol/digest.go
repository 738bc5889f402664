// Package protocol implements the wire format spoken between a tunnel
// server and its clients: the Hello/Auth handshake frames, the small
// command set exchanged on control and data channels, and the digests
// used to identify services and authenticate sessions without ever
// putting the shared token on the wire.
package protocol

import "crypto/sha256"

// HashWidthInBytes is the width of every Digest on the wire: a raw
// SHA-256 output, fixed-width and never length-prefixed.
const HashWidthInBytes = sha256.Size

// Digest is a fixed-width 32-byte value. It plays two roles depending on
// context: a ServiceDigest identifies a service without revealing its
// name, and a Nonce/SessionKey challenges and authenticates a control
// channel.
type Digest [HashWidthInBytes]byte

// ServiceDigest returns SHA256(name), used to address a service on the
// wire without leaking its configured name to anyone sniffing traffic.
func ServiceDigest(name string) Digest {
	return sha256.Sum256([]byte(name))
}

// SessionKey returns SHA256(token || nonce[:]), the value a client must
// echo back during the auth step to prove it holds the service token.
func SessionKey(token string, nonce Digest) Digest {
	buf := make([]byte, 0, len(token)+HashWidthInBytes)
	buf = append(buf, token...)
	buf = append(buf, nonce[:]...)
	return sha256.Sum256(buf)
}
