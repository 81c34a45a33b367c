package shell

import "strings"

// escapeArg quotes one argument following the CommandLineToArgvW rules used
// by Windows CreateProcess: backslashes are doubled only when they precede
// a double quote, double quotes get a backslash escape, and the argument is
// wrapped in quotes only when it contains whitespace. An empty argument
// becomes a pair of double quotes.
func escapeArg(arg string) string {
	if arg == "" {
		return `""`
	}

	needsQuote := strings.ContainsAny(arg, " \t")
	needsEscape := strings.ContainsAny(arg, `"\`)
	if !needsQuote && !needsEscape {
		return arg
	}
	if !needsEscape {
		return `"` + arg + `"`
	}

	var b strings.Builder
	if needsQuote {
		b.WriteByte('"')
	}
	slashes := 0
	for i := 0; i < len(arg); i++ {
		c := arg[i]
		switch c {
		case '\\':
			slashes++
		case '"':
			// Double the preceding run of backslashes, then escape the quote.
			b.WriteString(strings.Repeat(`\`, slashes+1))
			slashes = 0
		default:
			slashes = 0
		}
		b.WriteByte(c)
	}
	if needsQuote {
		// Trailing backslashes would otherwise escape the closing quote.
		b.WriteString(strings.Repeat(`\`, slashes))
		b.WriteByte('"')
	}
	return b.String()
}

// buildCmdLine renders argv as a single Windows command line.
func buildCmdLine(args []string) string {
	escaped := make([]string, len(args))
	for i, arg := range args {
		escaped[i] = escapeArg(arg)
	}
	return strings.Join(escaped, " ")
}
