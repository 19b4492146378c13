package parser

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/testdeck-dev/testdeck/internal/events"
)

const teamcityPrefix = "##teamcity["

// TeamCity decodes TeamCity service messages, the lowest common denominator
// reporting format many frameworks and CI runners can emit. One lifecycle
// event per line; everything else is attributed to the open test as output.
type TeamCity struct {
	sink   events.Sink
	logger *slog.Logger
	buf    lineBuffer

	// report id of the currently open test, empty when none
	current string
	status  events.Status
	message string
	closed  bool
}

// NewTeamCity returns a parser for one invocation's output.
func NewTeamCity(sink events.Sink, logger *slog.Logger) *TeamCity {
	return &TeamCity{sink: sink, logger: logger, status: events.StatusPassed}
}

func (p *TeamCity) Feed(chunk []byte) {
	p.buf.feed(chunk, p.line)
}

func (p *TeamCity) Close() {
	if p.closed {
		return
	}
	p.closed = true
	p.buf.flush(p.line)
	p.crashOpenTest()
}

func (p *TeamCity) line(line string) {
	if !strings.HasPrefix(line, teamcityPrefix) {
		if p.current != "" {
			p.sink.Emit(events.Event{TestOutput: &events.TestOutput{ReportID: p.current, Text: line + "\n"}})
		}
		return
	}

	name, attrs, err := parseServiceMessage(line)
	if err != nil {
		p.logger.Warn("skipping malformed service message", "line", line, "error", err)
		return
	}

	switch name {
	case "testSuiteStarted":
		p.sink.Emit(events.Event{SuiteStarted: &events.SuiteStarted{Name: attrs["name"]}})
	case "testSuiteFinished":
		p.sink.Emit(events.Event{SuiteFinished: &events.SuiteFinished{Name: attrs["name"]}})
	case "testStarted":
		p.crashOpenTest()
		p.current = attrs["name"]
		p.status = events.StatusPassed
		p.message = ""
		p.sink.Emit(events.Event{TestStarted: &events.TestStarted{ReportID: p.current, Time: time.Now()}})
	case "testFailed":
		p.status = events.StatusFailed
		p.message = attrs["message"]
		if details := attrs["details"]; details != "" {
			if p.message != "" {
				p.message += "\n"
			}
			p.message += details
		}
	case "testIgnored":
		if p.status == events.StatusPassed {
			p.status = events.StatusSkipped
			p.message = attrs["message"]
		}
	case "testFinished":
		if p.current == "" {
			p.logger.Warn("testFinished without open test", "name", attrs["name"])
			return
		}
		p.sink.Emit(events.Event{TestFinished: &events.TestFinished{
			ReportID: p.current,
			Status:   p.status,
			Message:  p.message,
			Time:     time.Now(),
		}})
		p.current = ""
	default:
		// Other service messages (progress, counts) carry nothing we track.
	}
}

// crashOpenTest closes a dangling test as crashed. A framework that starts a
// test and never finishes it either died mid-test or violated the protocol;
// both end the same way for the test.
func (p *TeamCity) crashOpenTest() {
	if p.current == "" {
		return
	}
	p.sink.Emit(events.Event{TestFinished: &events.TestFinished{
		ReportID: p.current,
		Status:   events.StatusCrashed,
		Time:     time.Now(),
	}})
	p.current = ""
}

// parseServiceMessage decodes `##teamcity[name key='value' ...]`.
func parseServiceMessage(line string) (string, map[string]string, error) {
	body := strings.TrimPrefix(line, teamcityPrefix)
	end := strings.LastIndexByte(body, ']')
	if end < 0 {
		return "", nil, fmt.Errorf("missing closing bracket")
	}
	body = body[:end]

	i := 0
	skipSpace := func() {
		for i < len(body) && body[i] == ' ' {
			i++
		}
	}
	readIdent := func() string {
		start := i
		for i < len(body) && body[i] != ' ' && body[i] != '=' && body[i] != '\'' {
			i++
		}
		return body[start:i]
	}

	skipSpace()
	name := readIdent()
	if name == "" {
		return "", nil, fmt.Errorf("missing message name")
	}

	attrs := make(map[string]string)
	for {
		skipSpace()
		if i >= len(body) {
			return name, attrs, nil
		}
		key := readIdent()
		if key == "" || i >= len(body) || body[i] != '=' {
			return "", nil, fmt.Errorf("malformed attribute near %q", body[i:])
		}
		i++ // '='
		if i >= len(body) || body[i] != '\'' {
			return "", nil, fmt.Errorf("attribute %q not quoted", key)
		}
		i++ // opening quote
		var value strings.Builder
		for {
			if i >= len(body) {
				return "", nil, fmt.Errorf("unterminated value for %q", key)
			}
			c := body[i]
			if c == '\'' {
				i++
				break
			}
			if c != '|' {
				value.WriteByte(c)
				i++
				continue
			}
			// escape sequence
			i++
			if i >= len(body) {
				return "", nil, fmt.Errorf("dangling escape in %q", key)
			}
			switch body[i] {
			case 'n':
				value.WriteByte('\n')
				i++
			case 'r':
				value.WriteByte('\r')
				i++
			case '\'', '[', ']', '|':
				value.WriteByte(body[i])
				i++
			case '0':
				// |0xNNNN unicode escape
				if len(body) < i+6 || body[i+1] != 'x' {
					return "", nil, fmt.Errorf("malformed unicode escape in %q", key)
				}
				code, err := strconv.ParseUint(body[i+2:i+6], 16, 32)
				if err != nil {
					return "", nil, fmt.Errorf("malformed unicode escape in %q: %w", key, err)
				}
				value.WriteRune(rune(code))
				i += 6
			default:
				return "", nil, fmt.Errorf("unknown escape |%c in %q", body[i], key)
			}
		}
		attrs[key] = value.String()
	}
}

// EscapeValue applies the TeamCity escape set to a raw string. Adapters use
// it to derive report ids from run ids that contain forbidden characters,
// and the store can invert it with UnescapeValue.
func EscapeValue(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '|':
			b.WriteString("||")
		case '\'':
			b.WriteString("|'")
		case '\n':
			b.WriteString("|n")
		case '\r':
			b.WriteString("|r")
		case '[':
			b.WriteString("|[")
		case ']':
			b.WriteString("|]")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// UnescapeValue inverts EscapeValue.
func UnescapeValue(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '|' || i+1 >= len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case '0':
			if len(s) >= i+6 && s[i+1] == 'x' {
				if code, err := strconv.ParseUint(s[i+2:i+6], 16, 32); err == nil {
					b.WriteRune(rune(code))
					i += 5
					continue
				}
			}
			b.WriteByte(s[i])
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
