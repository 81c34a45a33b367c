package shell

import (
	"strings"
	"sync"
	"time"

	"github.com/tuzig/vt10x"
)

// defaultSettleWindow is how long output must stay quiet before the screen
// counts as settled.
const defaultSettleWindow = 400 * time.Millisecond

// Tracker feeds PTY output through a virtual terminal emulator so the
// current screen can be rendered without a client attached. It also backs
// the prompt-idle heuristic: the shell counts as idle once output has been
// quiet for the settle window and the last visible line ends in a prompt
// character.
type Tracker struct {
	mu        sync.Mutex
	term      vt10x.Terminal
	cols      int
	rows      int
	settle    time.Duration
	lastWrite time.Time
}

// NewTracker builds a tracker for a cols x rows terminal. A settle of zero
// selects the default window.
func NewTracker(cols, rows int, settle time.Duration) *Tracker {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	if settle <= 0 {
		settle = defaultSettleWindow
	}
	return &Tracker{
		term:   vt10x.New(vt10x.WithSize(cols, rows)),
		cols:   cols,
		rows:   rows,
		settle: settle,
	}
}

// Write feeds raw PTY output into the emulator.
func (t *Tracker) Write(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = t.term.Write(data)
	t.lastWrite = time.Now()
}

// Resize adjusts the emulated terminal dimensions.
func (t *Tracker) Resize(cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.term.Resize(cols, rows)
	t.cols = cols
	t.rows = rows
}

// Screen renders the visible terminal content, one string per row, padded
// to the full width.
func (t *Tracker) Screen() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.screenLocked()
}

func (t *Tracker) screenLocked() []string {
	lines := make([]string, t.rows)
	for row := 0; row < t.rows; row++ {
		chars := make([]rune, t.cols)
		for col := 0; col < t.cols; col++ {
			g := t.term.Cell(col, row)
			if g.Char == 0 {
				chars[col] = ' '
			} else {
				chars[col] = g.Char
			}
		}
		lines[row] = string(chars)
	}
	return lines
}

// Idle reports whether the shell appears to be waiting at a prompt.
func (t *Tracker) Idle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastWrite.IsZero() || time.Since(t.lastWrite) < t.settle {
		return false
	}
	return endsWithPrompt(t.screenLocked())
}

// endsWithPrompt checks whether the last non-blank line ends in one of the
// characters common shells finish their prompt with.
func endsWithPrompt(lines []string) bool {
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimRight(lines[i], " ")
		if line == "" {
			continue
		}
		switch line[len(line)-1] {
		case '$', '#', '%', '>':
			return true
		default:
			return false
		}
	}
	return false
}
