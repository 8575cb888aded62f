package server

import (
	"time"

	"github.com/pkg/errors"
)

// DefaultTimeLayout renders timestamps as HH:mm:ss dd.MM.yyyy.
const DefaultTimeLayout = "15:04:05 02.01.2006"

// Clock stamps outgoing lines with the server time in a configured zone.
type Clock struct {
	layout string
	loc    *time.Location
	now    func() time.Time
}

// NewClock loads zone ("" or "Local" for the process zone) and returns a
// Clock rendering with layout. An empty layout uses DefaultTimeLayout.
func NewClock(layout, zone string) (*Clock, error) {
	if layout == "" {
		layout = DefaultTimeLayout
	}

	loc := time.Local
	if zone != "" && zone != "Local" {
		l, err := time.LoadLocation(zone)
		if err != nil {
			return nil, errors.Wrapf(err, "load time zone %q", zone)
		}
		loc = l
	}

	return &Clock{layout: layout, loc: loc, now: time.Now}, nil
}

// Now returns the formatted current time.
func (c *Clock) Now() string {
	return c.now().In(c.loc).Format(c.layout)
}

// Stamp prefixes text with the bracketed timestamp used on every server line.
func (c *Clock) Stamp(text string) string {
	return "[" + c.Now() + "] " + text
}
