package buffer

import (
	"bytes"
	"testing"
)

type pair struct {
	A uint32
	B int32
}

func TestConsumeAndString(t *testing.T) {
	var om OutMessage
	// The empty string sits at offset 8, just past the pair, and takes one
	// byte for its terminator.
	om.AppendStruct(pair{A: 7, B: 9})
	om.AppendString("")
	om.AppendString("foo")

	var im InMessage
	im.InitBytes(om.Bytes())

	var p pair
	if err := im.Consume(&p); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	if p.A != 7 || p.B != 9 {
		t.Errorf("Unexpected pair: %+v", p)
	}

	empty, err := im.String(8)
	if err != nil || empty != "" {
		t.Errorf("String(8) returned %q, %v", empty, err)
	}

	s, err := im.String(p.B)
	if err != nil {
		t.Fatalf("String: %v", err)
	}

	if s != "foo" {
		t.Errorf("String returned %q", s)
	}
}

func TestConsumeShortMessage(t *testing.T) {
	var im InMessage
	im.InitBytes([]byte{1, 2, 3})

	var p pair
	if err := im.Consume(&p); err == nil {
		t.Fatal("Expected an error for a truncated message")
	}
}

func TestStringRejectsBadOffsets(t *testing.T) {
	var im InMessage
	im.InitBytes([]byte("abc"))

	if _, err := im.String(17); err == nil {
		t.Error("Expected an error for an out of range offset")
	}

	if _, err := im.String(0); err == nil {
		t.Error("Expected an error for an unterminated string")
	}
}

func TestInitReadsOneMessage(t *testing.T) {
	var im InMessage
	if err := im.Init(bytes.NewReader([]byte("hello\x00"))); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if im.Len() != 6 {
		t.Errorf("Len: %d", im.Len())
	}
}

func TestPutStructPatchesInPlace(t *testing.T) {
	var om OutMessage
	om.AppendStruct(pair{A: 1, B: 2})
	om.AppendStruct(pair{A: 3, B: 4})
	om.PutStructAt(8, pair{A: 5, B: 6})

	var im InMessage
	im.InitBytes(om.Bytes())

	var first, second pair
	im.Consume(&first)
	im.Consume(&second)

	if first != (pair{1, 2}) || second != (pair{5, 6}) {
		t.Errorf("Unexpected contents: %+v %+v", first, second)
	}
}
