package remote

import (
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// capture collects the messages logged during one keyword run and forwards
// them to the process logger, which applies its own level.
type capture struct {
	keyword string
	forward zerolog.Logger

	mu    sync.Mutex
	lines []string
}

func newCapture(keyword string, forward zerolog.Logger) *capture {
	return &capture{keyword: keyword, forward: forward}
}

// Run implements zerolog.Hook.
func (c *capture) Run(_ *zerolog.Event, level zerolog.Level, msg string) {
	if msg == "" {
		return
	}
	c.mu.Lock()
	c.lines = append(c.lines, robotLevel(level)+" "+msg)
	c.mu.Unlock()
	c.forward.WithLevel(level).Str("keyword", c.keyword).Msg(msg)
}

// logger returns the logger handed to the keyword. Messages below info are
// dropped, as the runner shows nothing below info by default.
func (c *capture) logger() zerolog.Logger {
	return zerolog.New(io.Discard).Level(zerolog.InfoLevel).Hook(c)
}

// output joins the captured lines the way the runner expects keyword output.
func (c *capture) output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.lines) == 0 {
		return ""
	}
	return strings.Join(c.lines, "\n") + "\n"
}

func robotLevel(level zerolog.Level) string {
	switch level {
	case zerolog.TraceLevel:
		return "*TRACE*"
	case zerolog.DebugLevel:
		return "*DEBUG*"
	case zerolog.WarnLevel:
		return "*WARN*"
	case zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel:
		return "*ERROR*"
	default:
		return "*INFO*"
	}
}
