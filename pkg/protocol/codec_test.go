package protocol

import (
	"bytes"
	"testing"
)

func TestHelloRoundTrip(t *testing.T) {
	cases := []Hello{
		ControlChannelHello(ServiceDigest("web")),
		DataChannelHello(Digest{1, 2, 3}),
	}
	for _, want := range cases {
		var buf bytes.Buffer
		if err := WriteHello(&buf, want); err != nil {
			t.Fatalf("WriteHello: %v", err)
		}
		got, err := ReadHello(&buf)
		if err != nil {
			t.Fatalf("ReadHello: %v", err)
		}
		if got != want {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
		}
	}
}

func TestHelloRejectsUnknownVariant(t *testing.T) {
	var buf bytes.Buffer
	if err := writeUint32(&buf, 99); err != nil {
		t.Fatal(err)
	}
	buf.Write(make([]byte, 1+HashWidthInBytes))
	if _, err := ReadHello(&buf); err == nil {
		t.Fatal("expected error decoding unknown hello variant")
	}
}

func TestAuthRoundTrip(t *testing.T) {
	want := Auth{SessionKey: SessionKey("t0k", Digest{9, 9})}
	var buf bytes.Buffer
	if err := WriteAuth(&buf, want); err != nil {
		t.Fatalf("WriteAuth: %v", err)
	}
	got, err := ReadAuth(&buf)
	if err != nil {
		t.Fatalf("ReadAuth: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestAckRoundTrip(t *testing.T) {
	for _, want := range []Ack{{Kind: AckOk}, {Kind: AckAuthFailed}, {Kind: AckServiceNotExist}} {
		var buf bytes.Buffer
		if err := WriteAck(&buf, want); err != nil {
			t.Fatalf("WriteAck: %v", err)
		}
		got, err := ReadAck(&buf)
		if err != nil {
			t.Fatalf("ReadAck: %v", err)
		}
		if got != want {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
		}
	}
}

func TestControlChannelCmdRoundTrip(t *testing.T) {
	want := ControlChannelCmd{Kind: ControlChannelCmdCreateDataChannel}
	var buf bytes.Buffer
	if err := WriteControlChannelCmd(&buf, want); err != nil {
		t.Fatalf("WriteControlChannelCmd: %v", err)
	}
	got, err := ReadControlChannelCmd(&buf)
	if err != nil {
		t.Fatalf("ReadControlChannelCmd: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestDataChannelCmdRoundTrip(t *testing.T) {
	want := DataChannelCmd{Kind: DataChannelCmdStartForward}
	var buf bytes.Buffer
	if err := WriteDataChannelCmd(&buf, want); err != nil {
		t.Fatalf("WriteDataChannelCmd: %v", err)
	}
	got, err := ReadDataChannelCmd(&buf)
	if err != nil {
		t.Fatalf("ReadDataChannelCmd: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestServiceDigestAndSessionKeyAreDeterministic(t *testing.T) {
	if ServiceDigest("web") != ServiceDigest("web") {
		t.Fatal("ServiceDigest is not deterministic")
	}
	n := Digest{1, 2, 3}
	if SessionKey("t0k", n) != SessionKey("t0k", n) {
		t.Fatal("SessionKey is not deterministic")
	}
	if SessionKey("t0k", n) == SessionKey("wrong", n) {
		t.Fatal("SessionKey collided across different tokens")
	}
}
