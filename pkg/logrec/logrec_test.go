package logrec

import (
	"bytes"
	"testing"

	"github.com/lslersch/zero/pkg/lsn"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	r := &Record{
		TypeTag:      Insert,
		IsRedo:       true,
		LSN:          lsn.New(1, 100),
		PageID:       42,
		PagePrevLSN:  lsn.New(1, 80),
		Payload:      []byte("key=value"),
	}
	buf := make([]byte, headerSize+len(r.Payload))
	n := Encode(buf, r)
	if n != len(buf) {
		t.Fatalf("Encode returned %d, want %d", n, len(buf))
	}

	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.TypeTag != Insert || !got.IsRedo || got.IsMultiPage {
		t.Fatalf("flags/type mismatch: %+v", got)
	}
	if got.LSN != r.LSN || got.PageID != r.PageID || got.PagePrevLSN != r.PagePrevLSN {
		t.Fatalf("field mismatch: %+v", got)
	}
	if !bytes.Equal(got.Payload, r.Payload) {
		t.Fatalf("Payload = %q, want %q", got.Payload, r.Payload)
	}
}

func TestPeekLength(t *testing.T) {
	r := &Record{TypeTag: Update, LSN: lsn.New(0, 1), Payload: []byte("abc")}
	buf := make([]byte, headerSize+len(r.Payload))
	Encode(buf, r)

	n, ok := PeekLength(buf[:2])
	if !ok || int(n) != len(buf) {
		t.Fatalf("PeekLength = %d, %v; want %d, true", n, ok, len(buf))
	}
	if _, ok := PeekLength(buf[:1]); ok {
		t.Fatalf("PeekLength on a single byte should report ok=false")
	}
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	if _, err := Decode(make([]byte, headerSize-1)); err == nil {
		t.Fatalf("expected Decode to reject a buffer shorter than the header")
	}
}

func TestDefaultIgnoreSet(t *testing.T) {
	s := DefaultIgnoreSet()
	for _, ty := range []Type{Checkpoint, XctBegin, XctEnd, XctAbort, Comment, Tick, PageRead, PageWrite, RestoreMark} {
		if !s.Ignored(ty) {
			t.Fatalf("type %d should be ignored", ty)
		}
	}
	for _, ty := range []Type{Insert, Update, Overwrite, GhostMark, UndoGhostMark, Skip} {
		if s.Ignored(ty) {
			t.Fatalf("type %d should not be ignored", ty)
		}
	}
}

func TestValidHeaderAndSkip(t *testing.T) {
	at := lsn.New(2, 50)
	s := NewSkip(at)
	if !s.IsSkip() {
		t.Fatalf("NewSkip record should report IsSkip")
	}
	if !s.ValidHeader(at) {
		t.Fatalf("ValidHeader should match the LSN the record was built with")
	}
	if s.ValidHeader(lsn.New(2, 51)) {
		t.Fatalf("ValidHeader should reject a mismatched LSN")
	}
}
