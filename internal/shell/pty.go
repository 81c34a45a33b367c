package shell

import "io"

// PtyHandle abstracts the pseudo terminal attached to the shell process.
// On Unix it wraps a creack/pty master, on Windows a ConPTY console.
type PtyHandle interface {
	io.ReadWriteCloser
	// Resize changes the terminal window size.
	Resize(cols, rows uint16) error
}
