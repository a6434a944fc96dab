package main

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/x/vt"
)

// AltMode identifies which DECSET/DECRST alternate-screen variant is
// currently active, if any.
type AltMode int

const (
	AltNone AltMode = iota
	Alt1047
	Alt1048
	Alt1049
)

// altSeq describes one DECSET/DECRST alternate-screen byte sequence. We own
// alternate-screen buffering entirely ourselves (see Emulator doc comment),
// so these sequences are intercepted and consumed before the underlying
// vt.Emulator ever sees them, rather than relying on its own native
// handling.
type altSeq struct {
	seq   []byte
	enter bool
	mode  AltMode
}

var altSeqs = []altSeq{
	{[]byte("\x1b[?1047h"), true, Alt1047},
	{[]byte("\x1b[?1047l"), false, Alt1047},
	{[]byte("\x1b[?1048h"), true, Alt1048},
	{[]byte("\x1b[?1048l"), false, Alt1048},
	{[]byte("\x1b[?1049h"), true, Alt1049},
	{[]byte("\x1b[?1049l"), false, Alt1049},
}

func maxAltSeqLen() int {
	max := 0
	for _, s := range altSeqs {
		if len(s.seq) > max {
			max = len(s.seq)
		}
	}
	return max
}

// matchAltSeq reports whether data starts with one of altSeqs.
func matchAltSeq(data []byte) (s altSeq, matched bool) {
	for _, s := range altSeqs {
		if bytes.HasPrefix(data, s.seq) {
			return s, true
		}
	}
	return altSeq{}, false
}

// isPrefixOfAltSeq reports whether data is a strict prefix of some
// altSeqs entry, meaning a sequence may be split across two Write calls.
func isPrefixOfAltSeq(data []byte) bool {
	for _, s := range altSeqs {
		if len(data) < len(s.seq) && bytes.HasPrefix(s.seq, data) {
			return true
		}
	}
	return false
}

// clearPair is the EL2+CUU1 sequence ("erase line", "cursor up one") that
// some TUI frameworks emit in a run to clear their rendered region.
var clearPair = []byte("\x1b[2K\x1b[1A")

// screenSnapshot captures what replayBytes needs to reconstruct a
// screen: its cell contents and the cursor position within it. Replay bytes
// are built lazily, at restore time, rather than at capture time, so the
// leading reset+home is always relative to the moment of the actual
// restore.
type screenSnapshot struct {
	render  string
	cursorX int
	cursorY int
}

// replayBytes renders the snapshot the way vterm.go's Snapshot() does:
// style reset and cursor-home first, so the replayed content lands at the
// top-left regardless of where the cursor happened to be when DECRST fired,
// then the captured cursor position.
func (s screenSnapshot) replayBytes() []byte {
	var buf strings.Builder
	buf.WriteString("\x1b[m\x1b[H")
	buf.WriteString(s.render)
	fmt.Fprintf(&buf, "\x1b[%d;%dH", s.cursorY+1, s.cursorX+1)
	return []byte(buf.String())
}

// Emulator wraps a vt.Emulator with the two extensions this gateway needs
// beyond base VT-100 behaviour: alternate-screen snapshot/restore across
// 1047/1048/1049, and the partial erase-to-top pre-processor.
//
// Alternate-screen handling is owned entirely by this wrapper rather than
// left to vt.Emulator's own native 1047/1048/1049 support: §4.2's discard-
// on-resize rule ("resize while a snapshot exists: discard the snapshot and
// do not restore on the next DECRST") is a gateway-specific invariant that a
// standards-following terminal's own primary/alternate split has no reason
// to honour on its own. The three enter/exit sequences are therefore
// stripped out of the byte stream before it ever reaches the underlying
// emulator; everything in between runs against the single live screen,
// which we've cleared to stand in for the alternate buffer. Grounded on the
// escape-sequence scanner in the moat tui Writer (escBuf/matchAltScreen/
// isPrefixOfAltScreen), generalized from its two-emulator compositor swap to
// snapshot/clear/restore against one emulator.
type Emulator struct {
	mu   sync.Mutex
	emu  *vt.Emulator
	cols int
	rows int

	mode              AltMode
	snapshot          *screenSnapshot
	resizedSinceEntry bool
	escBuf            []byte
}

// NewEmulator builds a screen of the given dimensions.
func NewEmulator(cols, rows int) *Emulator {
	return &Emulator{cols: cols, rows: rows, emu: vt.NewEmulator(cols, rows)}
}

func (e *Emulator) captureSnapshotLocked() *screenSnapshot {
	pos := e.emu.CursorPosition()
	return &screenSnapshot{render: e.emu.Render(), cursorX: pos.X, cursorY: pos.Y}
}

// enterAltLocked runs when an alternate-screen DECSET is consumed: snapshot
// then clear, per §4.2.
func (e *Emulator) enterAltLocked(mode AltMode) {
	e.snapshot = e.captureSnapshotLocked()
	e.resizedSinceEntry = false
	e.mode = mode
	e.emu.Write([]byte("\x1b[2J\x1b[H"))
}

// exitAltLocked runs when the matching DECRST is consumed: restore the
// snapshot unless a resize discarded it, then clear the flag regardless.
// The restore happens here, as a sibling call to the Write that is
// currently draining (see processLocked), never nested inside one of the
// underlying emulator's own Write calls.
func (e *Emulator) exitAltLocked() {
	if !e.resizedSinceEntry && e.snapshot != nil {
		e.emu.Write(e.snapshot.replayBytes())
	}
	e.snapshot = nil
	e.mode = AltNone
}

// passThroughLocked forwards a run of bytes containing no alternate-screen
// transition to the underlying emulator untouched.
func (e *Emulator) passThroughLocked(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	_, err := e.emu.Write(b)
	return err
}

// processLocked scans data for the six alternate-screen byte sequences,
// consuming each one (so the underlying emulator never sees it) and
// forwarding everything else untouched. A sequence split across the end of
// data and the start of the next Write call is buffered in escBuf rather
// than misread as ordinary content.
func (e *Emulator) processLocked(data []byte) error {
	for len(data) > 0 {
		idx := bytes.IndexByte(data, 0x1b)
		if idx == -1 {
			return e.passThroughLocked(data)
		}
		if idx > 0 {
			if err := e.passThroughLocked(data[:idx]); err != nil {
				return err
			}
			data = data[idx:]
		}

		if s, matched := matchAltSeq(data); matched {
			data = data[len(s.seq):]
			if s.enter {
				e.enterAltLocked(s.mode)
			} else {
				e.exitAltLocked()
			}
			continue
		}

		if isPrefixOfAltSeq(data) && len(data) < maxAltSeqLen() {
			e.escBuf = append(e.escBuf[:0], data...)
			return nil
		}

		if err := e.passThroughLocked(data[:1]); err != nil {
			return err
		}
		data = data[1:]
	}
	return nil
}

// Write feeds bytes to the emulator. Callers are expected to have already
// run the bytes through ExpandClearRuns (the partial erase-to-top
// pre-processor runs before the emulator ever sees the data, per §4.2).
func (e *Emulator) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	data := p
	if len(e.escBuf) > 0 {
		data = make([]byte, 0, len(e.escBuf)+len(p))
		data = append(data, e.escBuf...)
		data = append(data, p...)
		e.escBuf = nil
	}
	return len(p), e.processLocked(data)
}

// Resize changes the screen dimensions. A resize while a snapshot is held
// (alternate-screen mode is active) invalidates the snapshot: the next
// DECRST will not restore it, and the TUI is expected to redraw instead.
func (e *Emulator) Resize(cols, rows int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emu.Resize(cols, rows)
	e.cols, e.rows = cols, rows
	if e.snapshot != nil {
		e.resizedSinceEntry = true
	}
}

// Render returns the current screen contents.
func (e *Emulator) Render() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.emu.Render()
}

// CursorRow returns the cursor's current row, 0-indexed. Used by the
// pre-processor to decide whether a clear run needs extending.
func (e *Emulator) CursorRow() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.emu.CursorPosition().Y
}

// Mode reports which alternate-screen variant, if any, is currently active.
func (e *Emulator) Mode() AltMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// Close releases the underlying emulator.
func (e *Emulator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.emu.Close()
}

// ExpandClearRuns is the partial erase-to-top pre-processor (§4.2). It
// scans data for runs of the EL2+CUU1 pair; a run of at least 3 pairs that
// doesn't already reach the top of the screen (run length < cursorRow) is
// extended to exactly cursorRow pairs. Shorter runs (ordinary line edits)
// and runs that already reach row 0 pass through unchanged. Bytes outside
// a run pass through verbatim. cursorRow is the cursor's row index before
// the run begins, since that's the row the run is trying to clear back to.
func ExpandClearRuns(data []byte, cursorRow int) []byte {
	if cursorRow <= 0 {
		return data
	}

	var out bytes.Buffer
	i := 0
	for i < len(data) {
		if !bytes.HasPrefix(data[i:], clearPair) {
			out.WriteByte(data[i])
			i++
			continue
		}

		runPairs := 0
		j := i
		for bytes.HasPrefix(data[j:], clearPair) {
			runPairs++
			j += len(clearPair)
		}

		if runPairs >= 3 && runPairs < cursorRow {
			out.Write(bytes.Repeat(clearPair, cursorRow))
		} else {
			out.Write(data[i:j])
		}
		i = j
	}
	return out.Bytes()
}
