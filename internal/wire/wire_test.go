package wire

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	cases := []Message{
		DialStatic(),
		DialSocks5(),
		RegisterReverse(7),
		VisitReverse(7),
		RegisterReverse(0xFFFFFFFF),
	}

	for _, m := range cases {
		t.Run(string(rune('A'+int(m.Tag))), func(t *testing.T) {
			var buf bytes.Buffer
			if err := Write(&buf, m); err != nil {
				t.Fatalf("Write: %v", err)
			}
			got, err := Read(&buf)
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if got != m {
				t.Fatalf("round trip mismatch: got %+v, want %+v", got, m)
			}
		})
	}
}

func TestReadUnknownTag(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 1, 0xFE})
	if _, err := Read(&buf); err == nil {
		t.Fatal("expected error for unknown tag")
	}
}

func TestReadTruncated(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 5, 2, 0, 0}) // claims 5 bytes, only 3 follow
	if _, err := Read(&buf); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}
