// Package parser turns raw test-process output into typed event streams.
//
// Parsers are stateful per invocation: they track the currently open test so
// output chunks can be attributed correctly, and they buffer partial lines
// because process output arrives in arbitrary-sized chunks.
package parser

import (
	"bytes"
	"log/slog"

	"github.com/testdeck-dev/testdeck/internal/events"
)

// Parser decodes one invocation's output incrementally.
//
// Feed accepts output in arbitrary-sized chunks, not necessarily
// line-aligned; complete lines are decoded as soon as they are available.
// Close flushes any buffered partial line and finishes the currently open
// test as crashed, so a process that dies mid-test never leaves a test
// permanently running.
type Parser interface {
	Feed(chunk []byte)
	Close()
}

// Factory builds a fresh parser for one invocation, wired to the sink the
// decoded events should flow into.
type Factory func(sink events.Sink, logger *slog.Logger) Parser

// lineBuffer splits an incremental byte stream into lines. Carriage returns
// are trimmed so Windows output parses the same as Unix output.
type lineBuffer struct {
	pending []byte
}

// feed appends a chunk and invokes fn once per complete line, without the
// trailing newline. Incomplete trailing data stays buffered.
func (b *lineBuffer) feed(chunk []byte, fn func(line string)) {
	b.pending = append(b.pending, chunk...)
	for {
		i := bytes.IndexByte(b.pending, '\n')
		if i < 0 {
			return
		}
		line := b.pending[:i]
		b.pending = b.pending[i+1:]
		fn(string(bytes.TrimRight(line, "\r")))
	}
}

// flush invokes fn with any buffered partial line and empties the buffer.
func (b *lineBuffer) flush(fn func(line string)) {
	if len(b.pending) == 0 {
		return
	}
	line := string(bytes.TrimRight(b.pending, "\r"))
	b.pending = nil
	if line != "" {
		fn(line)
	}
}
