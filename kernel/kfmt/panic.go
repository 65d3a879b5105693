package kfmt

import (
	"io"

	"github.com/alexeev-prog/KintsugiOS/kernel"
	"github.com/alexeev-prog/KintsugiOS/kernel/cpu"
)

// PanicSink receives every unrecoverable condition detected by the memory
// subsystem. Implementations backed by real hardware never return.
type PanicSink interface {
	Panic(title string, err *kernel.Error, details string)
}

// HaltingSink is a PanicSink that prints a banner describing the error to
// the console and halts the CPU.
type HaltingSink struct {
	CPU cpu.CPU

	// Out receives the banner. If nil, the active output sink is used.
	Out io.Writer
}

// Panic outputs the supplied error (if not nil) and the indented details to
// the console and halts the CPU.
func (s *HaltingSink) Panic(title string, err *kernel.Error, details string) {
	out := s.Out
	if out == nil {
		out = GetOutputSink()
	}

	io.WriteString(out, "\n-----------------------------------\n")
	if title != "" {
		io.WriteString(out, "*** "+title+" ***\n")
	}
	if err != nil {
		io.WriteString(out, "["+err.Module+"] unrecoverable error: "+err.Message+"\n")
	}
	if details != "" {
		w := NewPrefixWriter(out, "  ")
		io.WriteString(w, details)
		if details[len(details)-1] != '\n' {
			io.WriteString(out, "\n")
		}
	}
	io.WriteString(out, "*** kernel panic: system halted ***")
	io.WriteString(out, "\n-----------------------------------\n")

	if s.CPU != nil {
		s.CPU.Halt()
	}
}
