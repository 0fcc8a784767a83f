package bencode

import (
	"bytes"
	"testing"
)

func TestRoundTripScalars(t *testing.T) {
	cases := []Value{
		int64(0),
		int64(-12345),
		int64(1 << 40),
		[]byte(""),
		[]byte("hello world"),
	}
	for _, c := range cases {
		enc, err := Marshal(c)
		if err != nil {
			t.Fatalf("Marshal(%v): %v", c, err)
		}
		dec, rest, err := Unmarshal(enc)
		if err != nil {
			t.Fatalf("Unmarshal(%q): %v", enc, err)
		}
		if len(rest) != 0 {
			t.Fatalf("Unmarshal(%q): unexpected trailing bytes %q", enc, rest)
		}
		switch want := c.(type) {
		case int64:
			if dec.(int64) != want {
				t.Fatalf("int round trip: got %v want %v", dec, want)
			}
		case []byte:
			if !bytes.Equal(dec.([]byte), want) {
				t.Fatalf("bytes round trip: got %q want %q", dec, want)
			}
		}
	}
}

func TestCanonicalDictKeyOrder(t *testing.T) {
	dw := NewDictWriter()
	dw.PutInt("z", 1)
	dw.PutInt("a", 2)
	dw.PutBytes("m", []byte("mid"))
	out, err := dw.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	want := "d1:ai2e1:m3:mid1:zi1ee"
	if string(out) != want {
		t.Fatalf("got %q want %q", out, want)
	}
}

func TestDictReaderRoundTrip(t *testing.T) {
	dw := NewDictWriter()
	dw.PutInt("V", 1)
	dw.PutBytes("A", []byte{0xDE, 0xAD, 0xBE, 0xEF})
	nested := NewDictWriter()
	nested.PutInt("port", 1090)
	dw.PutDict("addr", nested)
	out, err := dw.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}

	dr, err := NewDictReader(out)
	if err != nil {
		t.Fatalf("NewDictReader: %v", err)
	}
	v, err := dr.Int("V")
	if err != nil || v != 1 {
		t.Fatalf("Int(V): %v %v", v, err)
	}
	a, err := dr.Bytes("A")
	if err != nil || !bytes.Equal(a, []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Fatalf("Bytes(A): %v %v", a, err)
	}
	nestedReader, err := dr.Dict("addr")
	if err != nil {
		t.Fatalf("Dict(addr): %v", err)
	}
	port, err := nestedReader.Int("port")
	if err != nil || port != 1090 {
		t.Fatalf("Int(port): %v %v", port, err)
	}
}

func TestListRoundTrip(t *testing.T) {
	list := []Value{int64(1), []byte("two"), int64(3)}
	enc, err := Marshal(list)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	dec, rest, err := Unmarshal(enc)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("unexpected trailing bytes: %q", rest)
	}
	got, ok := dec.([]Value)
	if !ok || len(got) != 3 {
		t.Fatalf("decoded list shape: %v", dec)
	}
}

func FuzzUnmarshal(f *testing.F) {
	f.Add("d1:ai1ee")
	f.Add("l1:a1:be")
	f.Add("i123e")
	f.Add("")
	f.Add("d")
	f.Add("9999999999999999999:x")
	f.Add("li1e")

	f.Fuzz(func(t *testing.T, s string) {
		// Must not panic on any input, malformed or not.
		Unmarshal([]byte(s))
	})
}
