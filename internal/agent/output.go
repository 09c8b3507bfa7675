package agent

import (
	"sync"
	"unicode/utf8"
)

// cappedBuffer keeps the first max bytes written and drops the rest. Writes
// never fail, so a chatty command is not killed by SIGPIPE.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.truncated {
		return len(p), nil
	}
	room := b.max - len(b.buf)
	if len(p) <= room {
		b.buf = append(b.buf, p...)
		return len(p), nil
	}
	b.buf = dropPartialRune(append(b.buf, p[:max(room, 0)]...))
	b.truncated = true
	return len(p), nil
}

// dropPartialRune removes a multi-byte character cut off at the end of buf.
// Bytes that are not UTF-8 at all are kept as they are.
func dropPartialRune(buf []byte) []byte {
	for i := len(buf) - 1; i >= 0 && i >= len(buf)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(buf[i]) {
			continue
		}
		if !utf8.FullRune(buf[i:]) {
			return buf[:i]
		}
		break
	}
	return buf
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
