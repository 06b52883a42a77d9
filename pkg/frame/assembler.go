package frame

import "fmt"

// Assembler rebuilds one entry from frames fed in order. The zero value is
// ready to use.
type Assembler struct {
	buf      []byte
	entrySeq uint64
	total    uint64
	frames   int
}

// Add appends the next frame. It returns true once the entry's last frame has
// been added.
func (a *Assembler) Add(f Frame) (bool, error) {
	h := f.Header
	if a.frames == 0 {
		if !h.IsFirst() {
			return false, fmt.Errorf("%w: entry %d starts at frame %d", ErrFrameSequence, h.EntrySequence, h.FrameSequence)
		}
		a.entrySeq = h.EntrySequence
		a.total = h.FrameTotal
	} else {
		if h.EntrySequence != a.entrySeq {
			return false, fmt.Errorf("%w: expected entry %d, got %d", ErrEntryMismatch, a.entrySeq, h.EntrySequence)
		}
		if h.FrameSequence != uint64(a.frames) || h.FrameTotal != a.total {
			return false, fmt.Errorf("%w: expected frame %d of %d, got %d of %d",
				ErrFrameSequence, a.frames, a.total, h.FrameSequence, h.FrameTotal)
		}
	}

	a.buf = append(a.buf, f.Data()...)
	a.frames++
	return h.IsLast(), nil
}

// Started reports whether at least one frame has been added.
func (a *Assembler) Started() bool {
	return a.frames > 0
}

// Progress returns the number of frames added and the expected total.
func (a *Assembler) Progress() (int, uint64) {
	return a.frames, a.total
}

// Bytes returns the payload assembled so far.
func (a *Assembler) Bytes() []byte {
	if a.buf == nil {
		return []byte{}
	}
	return a.buf
}

// Reset clears the assembler for reuse.
func (a *Assembler) Reset() {
	a.buf = a.buf[:0]
	a.entrySeq = 0
	a.total = 0
	a.frames = 0
}
