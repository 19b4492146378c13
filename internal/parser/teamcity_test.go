package parser

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testdeck-dev/testdeck/internal/events"
)

type capturingSink struct {
	events []events.Event
}

func (s *capturingSink) Emit(e events.Event) { s.events = append(s.events, e) }

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestTeamCity_BasicLifecycle(t *testing.T) {
	sink := &capturingSink{}
	p := NewTeamCity(sink, discard())

	p.Feed([]byte("##teamcity[testSuiteStarted name='Math']\n"))
	p.Feed([]byte("##teamcity[testStarted name='Math.Add']\n"))
	p.Feed([]byte("computing...\n"))
	p.Feed([]byte("##teamcity[testFinished name='Math.Add' duration='12']\n"))
	p.Feed([]byte("##teamcity[testSuiteFinished name='Math']\n"))
	p.Close()

	require.Len(t, sink.events, 5)
	assert.Equal(t, "Math", sink.events[0].SuiteStarted.Name)
	assert.Equal(t, "Math.Add", sink.events[1].TestStarted.ReportID)
	assert.Equal(t, "computing...\n", sink.events[2].TestOutput.Text)
	assert.Equal(t, events.StatusPassed, sink.events[3].TestFinished.Status)
	assert.Equal(t, "Math", sink.events[4].SuiteFinished.Name)
}

func TestTeamCity_FailureCarriesMessageAndDetails(t *testing.T) {
	sink := &capturingSink{}
	p := NewTeamCity(sink, discard())

	p.Feed([]byte("##teamcity[testStarted name='T']\n"))
	p.Feed([]byte("##teamcity[testFailed name='T' message='expected 1' details='got 2|nat line 3']\n"))
	p.Feed([]byte("##teamcity[testFinished name='T']\n"))

	require.Len(t, sink.events, 2)
	fin := sink.events[1].TestFinished
	assert.Equal(t, events.StatusFailed, fin.Status)
	assert.Equal(t, "expected 1\ngot 2\nat line 3", fin.Message)
}

func TestTeamCity_IgnoredBecomesSkipped(t *testing.T) {
	sink := &capturingSink{}
	p := NewTeamCity(sink, discard())

	p.Feed([]byte("##teamcity[testStarted name='T']\n##teamcity[testIgnored name='T' message='disabled']\n##teamcity[testFinished name='T']\n"))

	require.Len(t, sink.events, 2)
	assert.Equal(t, events.StatusSkipped, sink.events[1].TestFinished.Status)
	assert.Equal(t, "disabled", sink.events[1].TestFinished.Message)
}

func TestTeamCity_ChunksSplitMidLine(t *testing.T) {
	sink := &capturingSink{}
	p := NewTeamCity(sink, discard())

	full := "##teamcity[testStarted name='T']\n##teamcity[testFinished name='T']\n"
	for i := 0; i < len(full); i += 7 {
		end := i + 7
		if end > len(full) {
			end = len(full)
		}
		p.Feed([]byte(full[i:end]))
	}

	require.Len(t, sink.events, 2)
	assert.NotNil(t, sink.events[0].TestStarted)
	assert.NotNil(t, sink.events[1].TestFinished)
}

// A process that exits with a test still open crashes that test; the quoted
// name is unescaped first.
func TestTeamCity_OpenTestCrashesOnClose(t *testing.T) {
	sink := &capturingSink{}
	p := NewTeamCity(sink, discard())

	p.Feed([]byte("##teamcity[testStarted name='X|'Y']\n"))
	p.Close()

	require.Len(t, sink.events, 2)
	assert.Equal(t, "X'Y", sink.events[0].TestStarted.ReportID)
	fin := sink.events[1].TestFinished
	assert.Equal(t, "X'Y", fin.ReportID)
	assert.Equal(t, events.StatusCrashed, fin.Status)
}

func TestTeamCity_MalformedMessagesAreSkipped(t *testing.T) {
	sink := &capturingSink{}
	p := NewTeamCity(sink, discard())

	p.Feed([]byte("##teamcity[testStarted name='unterminated\n"))
	p.Feed([]byte("##teamcity[]\n"))
	p.Feed([]byte("##teamcity[testStarted name='T']\n"))
	p.Feed([]byte("##teamcity[testFinished name='T']\n"))
	p.Close()

	require.Len(t, sink.events, 2)
	assert.Equal(t, "T", sink.events[0].TestStarted.ReportID)
}

func TestTeamCity_StartedTwiceCrashesFirst(t *testing.T) {
	sink := &capturingSink{}
	p := NewTeamCity(sink, discard())

	p.Feed([]byte("##teamcity[testStarted name='A']\n##teamcity[testStarted name='B']\n##teamcity[testFinished name='B']\n"))

	require.Len(t, sink.events, 4)
	assert.Equal(t, "A", sink.events[0].TestStarted.ReportID)
	assert.Equal(t, events.StatusCrashed, sink.events[1].TestFinished.Status)
	assert.Equal(t, "A", sink.events[1].TestFinished.ReportID)
	assert.Equal(t, "B", sink.events[2].TestStarted.ReportID)
	assert.Equal(t, events.StatusPassed, sink.events[3].TestFinished.Status)
}

func TestParseServiceMessage_Escapes(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{"quote", "##teamcity[testStarted name='a|'b']", "a'b"},
		{"newline", "##teamcity[testStarted name='a|nb']", "a\nb"},
		{"carriage", "##teamcity[testStarted name='a|rb']", "a\rb"},
		{"brackets", "##teamcity[testStarted name='|[x|]']", "[x]"},
		{"pipe", "##teamcity[testStarted name='a||b']", "a|b"},
		{"unicode", "##teamcity[testStarted name='|0x00e9']", "é"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, attrs, err := parseServiceMessage(tt.line)
			require.NoError(t, err)
			assert.Equal(t, "testStarted", name)
			assert.Equal(t, tt.want, attrs["name"])
		})
	}
}

func TestEscapeValue_RoundTrip(t *testing.T) {
	values := []string{"plain", "with'quote", "pipe|pipe", "br[ack]ets", "multi\nline\r"}
	for _, v := range values {
		assert.Equal(t, v, UnescapeValue(EscapeValue(v)), "value %q", v)
	}
}
