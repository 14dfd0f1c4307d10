package transfer

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestChainedBufferPreservesOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	var src []byte
	var b ChainedBuffer
	for i := 0; i < 200; i++ {
		p := make([]byte, rng.Intn(300))
		rng.Read(p)
		src = append(src, p...)
		b.Append(p)
	}
	if b.Len() != int64(len(src)) {
		t.Fatalf("Len = %d, want %d", b.Len(), len(src))
	}

	var got []byte
	for b.Len() > 0 {
		dst := make([]byte, 1+rng.Intn(500))
		n, skipped := b.Consume(dst, 0)
		if skipped != 0 {
			t.Fatalf("skipped %d bytes without a skip request", skipped)
		}
		got = append(got, dst[:n]...)
		if !bytes.Equal(got, src[:len(got)]) {
			t.Fatalf("stream diverged at offset %d", len(got))
		}
	}
	if !bytes.Equal(got, src) {
		t.Fatalf("read %d bytes, want %d", len(got), len(src))
	}
	if b.Chunks() != 0 {
		t.Errorf("Chunks = %d after draining", b.Chunks())
	}
}

func TestChainedBufferSkip(t *testing.T) {
	var b ChainedBuffer
	b.Append([]byte("Hel"))
	b.Append([]byte("lo, "))
	b.Append([]byte("world!"))

	dst := make([]byte, 3)
	n, skipped := b.Consume(dst, 5)
	if skipped != 5 || n != 3 || string(dst) != ", w" {
		t.Fatalf("Consume = (%d, %d, %q), want (3, 5, \", w\")", n, skipped, dst)
	}

	dst = make([]byte, 100)
	n, skipped = b.Consume(dst, 0)
	if skipped != 0 || string(dst[:n]) != "orld!" {
		t.Fatalf("Consume = (%q, %d), want \"orld!\"", dst[:n], skipped)
	}
	if b.Len() != 0 {
		t.Errorf("Len = %d, want 0", b.Len())
	}
}

func TestChainedBufferSkipBeyondData(t *testing.T) {
	var b ChainedBuffer
	b.Append([]byte("abc"))

	n, skipped := b.Consume(make([]byte, 4), 10)
	if n != 0 || skipped != 3 {
		t.Fatalf("Consume = (%d, %d), want (0, 3)", n, skipped)
	}
}

func TestChainedBufferIgnoresEmptyWrites(t *testing.T) {
	var b ChainedBuffer
	b.Append(nil)
	b.Append([]byte{})
	if b.Chunks() != 0 || b.Len() != 0 {
		t.Fatalf("empty writes created %d chunks", b.Chunks())
	}
}

func TestChainedBufferCompacts(t *testing.T) {
	var b ChainedBuffer
	for i := 0; i < 1000; i++ {
		b.Append([]byte{byte(i)})
	}
	dst := make([]byte, 1)
	for i := 0; i < 900; i++ {
		if n, _ := b.Consume(dst, 0); n != 1 || dst[0] != byte(i) {
			t.Fatalf("byte %d = %d", i, dst[0])
		}
	}
	if b.Chunks() != 100 {
		t.Fatalf("Chunks = %d, want 100", b.Chunks())
	}
	if b.head >= 64 && b.head*2 >= len(b.chunks) {
		t.Errorf("head %d of %d was not compacted", b.head, len(b.chunks))
	}
}

func TestChainedBufferReset(t *testing.T) {
	var b ChainedBuffer
	b.Append([]byte("data"))
	b.Reset()
	if b.Len() != 0 || b.Chunks() != 0 {
		t.Fatalf("Reset left %d bytes in %d chunks", b.Len(), b.Chunks())
	}
}
