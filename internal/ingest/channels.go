package ingest

import (
	"fmt"
	"strings"

	"github.com/quantmill/strand/errs"
)

// Channel is a parsed stream identifier. Wire syntax is
// "<symbol>@<streamType>[_<interval>]" with a lowercase symbol; the parsed
// form carries the canonical uppercase symbol.
type Channel struct {
	Symbol     string
	StreamType string
	Interval   string
}

// ParseChannel validates and splits a raw channel string.
func ParseChannel(raw string) (Channel, error) {
	trimmed := strings.TrimSpace(raw)
	parts := strings.Split(trimmed, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Channel{}, errs.New("ingest/channel", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("malformed channel %q", raw)))
	}

	ch := Channel{Symbol: strings.ToUpper(parts[0])}
	stream := parts[1]
	if idx := strings.IndexByte(stream, '_'); idx >= 0 {
		ch.StreamType = stream[:idx]
		ch.Interval = stream[idx+1:]
		if ch.Interval == "" {
			return Channel{}, errs.New("ingest/channel", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("empty interval in channel %q", raw)))
		}
	} else {
		ch.StreamType = stream
	}
	if ch.StreamType == "" {
		return Channel{}, errs.New("ingest/channel", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("empty stream type in channel %q", raw)))
	}
	return ch, nil
}

// Wire renders the venue wire form: lowercase symbol, original stream type.
func (c Channel) Wire() string {
	base := strings.ToLower(c.Symbol) + "@" + c.StreamType
	if c.Interval != "" {
		base += "_" + c.Interval
	}
	return base
}

func (c Channel) String() string { return c.Wire() }
