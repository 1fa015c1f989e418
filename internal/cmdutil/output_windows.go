//go:build windows

package cmdutil

const (
	// statusLineFormat is the format string to use for status line printing.
	// On Windows, we truncate and pad messages (with spaces) so that the
	// printed content is exactly 79 characters. The reason for 79 is that
	// for cmd.exe consoles the line width needs to be narrower than the
	// console (which is 80 columns by default) for carriage return wipes to
	// work (if it's the same width, the next carriage return overflows to
	// the next line, behaving exactly like a newline).
	statusLineFormat = "\r%-79.79s"
	// statusLineClearFormat is the format string to use for printing an
	// empty string to clear the status line. It adds a carriage return to
	// return the cursor to the beginning of the line.
	statusLineClearFormat = statusLineFormat + "\r"
)
