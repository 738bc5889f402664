package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frames use a fixed, deterministic binary encoding so that any client
// built against this wire format stays interoperable: union discriminants
// are 4-byte little-endian declaration indices, plain integers are
// little-endian, and fixed-width byte arrays (Digest) are emitted raw
// with no length prefix. This mirrors the bincode encoding the original
// implementation shipped, which is the contract every existing client was
// built against.

func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func writeDigest(w io.Writer, d Digest) error {
	_, err := w.Write(d[:])
	return err
}

func readDigest(r io.Reader) (Digest, error) {
	var d Digest
	_, err := io.ReadFull(r, d[:])
	return d, err
}

// WriteHello encodes a Hello frame: discriminant, version octet, digest.
func WriteHello(w io.Writer, h Hello) error {
	if err := writeUint32(w, uint32(h.Kind)); err != nil {
		return err
	}
	if _, err := w.Write([]byte{h.Version}); err != nil {
		return err
	}
	return writeDigest(w, h.Digest)
}

// ReadHello decodes a Hello frame. The caller disambiguates direction by
// inspecting the returned Kind, not by which side read it.
func ReadHello(r io.Reader) (Hello, error) {
	kind, err := readUint32(r)
	if err != nil {
		return Hello{}, fmt.Errorf("read hello discriminant: %w", err)
	}
	if kind != uint32(HelloKindControlChannel) && kind != uint32(HelloKindDataChannel) {
		return Hello{}, fmt.Errorf("unknown hello variant %d", kind)
	}
	var vbuf [1]byte
	if _, err := io.ReadFull(r, vbuf[:]); err != nil {
		return Hello{}, fmt.Errorf("read hello version: %w", err)
	}
	digest, err := readDigest(r)
	if err != nil {
		return Hello{}, fmt.Errorf("read hello digest: %w", err)
	}
	return Hello{Kind: HelloKind(kind), Version: vbuf[0], Digest: digest}, nil
}

// WriteAuth encodes an Auth frame: just the raw session key, no tag.
func WriteAuth(w io.Writer, a Auth) error {
	return writeDigest(w, a.SessionKey)
}

// ReadAuth decodes an Auth frame.
func ReadAuth(r io.Reader) (Auth, error) {
	d, err := readDigest(r)
	if err != nil {
		return Auth{}, fmt.Errorf("read auth: %w", err)
	}
	return Auth{SessionKey: d}, nil
}

// WriteAck encodes an Ack frame: a bare discriminant, no payload.
func WriteAck(w io.Writer, a Ack) error {
	return writeUint32(w, uint32(a.Kind))
}

// ReadAck decodes an Ack frame.
func ReadAck(r io.Reader) (Ack, error) {
	kind, err := readUint32(r)
	if err != nil {
		return Ack{}, fmt.Errorf("read ack: %w", err)
	}
	if kind > uint32(AckServiceNotExist) {
		return Ack{}, fmt.Errorf("unknown ack variant %d", kind)
	}
	return Ack{Kind: AckKind(kind)}, nil
}

// WriteControlChannelCmd encodes a ControlChannelCmd frame.
func WriteControlChannelCmd(w io.Writer, c ControlChannelCmd) error {
	return writeUint32(w, uint32(c.Kind))
}

// ReadControlChannelCmd decodes a ControlChannelCmd frame.
func ReadControlChannelCmd(r io.Reader) (ControlChannelCmd, error) {
	kind, err := readUint32(r)
	if err != nil {
		return ControlChannelCmd{}, fmt.Errorf("read control channel cmd: %w", err)
	}
	if kind != uint32(ControlChannelCmdCreateDataChannel) {
		return ControlChannelCmd{}, fmt.Errorf("unknown control channel cmd variant %d", kind)
	}
	return ControlChannelCmd{Kind: ControlChannelCmdKind(kind)}, nil
}

// WriteDataChannelCmd encodes a DataChannelCmd frame.
func WriteDataChannelCmd(w io.Writer, c DataChannelCmd) error {
	return writeUint32(w, uint32(c.Kind))
}

// ReadDataChannelCmd decodes a DataChannelCmd frame.
func ReadDataChannelCmd(r io.Reader) (DataChannelCmd, error) {
	kind, err := readUint32(r)
	if err != nil {
		return DataChannelCmd{}, fmt.Errorf("read data channel cmd: %w", err)
	}
	if kind != uint32(DataChannelCmdStartForward) {
		return DataChannelCmd{}, fmt.Errorf("unknown data channel cmd variant %d", kind)
	}
	return DataChannelCmd{Kind: DataChannelCmdKind(kind)}, nil
}
