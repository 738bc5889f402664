package protocol

// CurrentProtoVersion is the single version octet carried in every Hello
// frame. It is reserved for future use: a mismatch does not fail the
// handshake in this version of the protocol (see ReadHello callers).
const CurrentProtoVersion uint8 = 1

// HelloKind is the declaration-index discriminant of the Hello union.
// The two variants share one wire shape and are told apart strictly by
// this tag, never by which side of the connection sent it.
type HelloKind uint32

const (
	HelloKindControlChannel HelloKind = iota
	HelloKindDataChannel
)

// Hello is sent as the very first frame on every inbound connection,
// control or data alike. Digest holds the service digest in a client's
// HelloKindControlChannel (and the nonce in the server's challenge reply),
// and the session key in a HelloKindDataChannel; they share one 32-byte
// field slot because the wire shape is identical.
type Hello struct {
	Kind    HelloKind
	Version uint8
	Digest  Digest
}

// ControlChannelHello builds a Hello identifying a service by digest.
func ControlChannelHello(digest Digest) Hello {
	return Hello{Kind: HelloKindControlChannel, Version: CurrentProtoVersion, Digest: digest}
}

// DataChannelHello builds a Hello identifying a control channel by its
// session key.
func DataChannelHello(sessionKey Digest) Hello {
	return Hello{Kind: HelloKindDataChannel, Version: CurrentProtoVersion, Digest: sessionKey}
}

// Auth carries the client's response to a control channel's nonce
// challenge: SHA256(token || nonce). It has no variant tag of its own —
// a plain struct, not a union.
type Auth struct {
	SessionKey Digest
}

// AckKind is the declaration-index discriminant of the Ack union.
type AckKind uint32

const (
	AckOk AckKind = iota
	AckAuthFailed
	AckServiceNotExist
)

// Ack is the server's reply to a control channel's auth attempt.
type Ack struct {
	Kind AckKind
}

// ControlChannelCmdKind is the declaration-index discriminant of the
// ControlChannelCmd union. There is only one variant today; the type
// still carries a tag so a future command can be added without breaking
// the framing of existing ones.
type ControlChannelCmdKind uint32

const (
	ControlChannelCmdCreateDataChannel ControlChannelCmdKind = iota
)

// ControlChannelCmd is written by the server onto a live control
// connection to ask the client to dial a new data channel.
type ControlChannelCmd struct {
	Kind ControlChannelCmdKind
}

// DataChannelCmdKind is the declaration-index discriminant of the
// DataChannelCmd union.
type DataChannelCmdKind uint32

const (
	DataChannelCmdStartForward DataChannelCmdKind = iota
)

// DataChannelCmd is written by the server onto a freshly paired data
// channel to tell the client byte forwarding is about to begin.
type DataChannelCmd struct {
	Kind DataChannelCmdKind
}
