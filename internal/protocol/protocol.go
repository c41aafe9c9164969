// Package protocol implements the line-oriented ASCII protocol spoken with
// the signal controller.
//
// Outbound, once per cycle:
//
//	Times,<d0>,<d1>,<d2>,<d3>
//	Order,<l0>,<l1>,<l2>,<l3>
//
// Inbound, at any time:
//
//	Ultra,L1,<0|1>,L2,<0|1>,L3,<0|1>,L4,<0|1>
//	...Ready...
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/banshee-data/junction/internal/lane"
)

// ErrMalformedLine is returned when an inbound line claims to be a known
// message but does not parse.
var ErrMalformedLine = errors.New("malformed sensor line")

const (
	// DefaultReadyToken is the substring the controller emits when it is
	// ready to accept a new program.
	DefaultReadyToken = "Ready"

	timesPrefix    = "Times"
	orderPrefix    = "Order"
	presencePrefix = "Ultra"
)

// Kind classifies an inbound line.
type Kind int

const (
	KindUnknown Kind = iota
	KindReady
	KindPresence
)

func (k Kind) String() string {
	switch k {
	case KindReady:
		return "ready"
	case KindPresence:
		return "presence"
	default:
		return "unknown"
	}
}

// EncodeTimes renders the green durations line, in lane index order.
func EncodeTimes(d lane.Durations) string {
	return timesPrefix + "," + d.String() + "\n"
}

// EncodeOrder renders the lane order line with zero-based lane indices.
func EncodeOrder(o lane.Order) string {
	return orderPrefix + "," + o.String() + "\n"
}

// Encode returns both program lines in transmission order.
func Encode(p lane.Program) []string {
	return []string{EncodeTimes(p.Durations), EncodeOrder(p.Order)}
}

// IsReady reports whether line carries the readiness token. The match is a
// case-sensitive substring test.
func IsReady(line, token string) bool {
	if token == "" {
		token = DefaultReadyToken
	}
	return strings.Contains(line, token)
}

// Classify identifies the kind of an inbound line.
func Classify(line, readyToken string) Kind {
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, presencePrefix+","):
		return KindPresence
	case IsReady(line, readyToken):
		return KindReady
	default:
		return KindUnknown
	}
}

// ParsePresence decodes an "Ultra,L1,x,L2,x,L3,x,L4,x" line.
func ParsePresence(line string) (lane.Presence, error) {
	var p lane.Presence

	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) != 1+2*lane.Count {
		return p, fmt.Errorf("%w: expected %d fields, got %d in %q", ErrMalformedLine, 1+2*lane.Count, len(fields), line)
	}
	if strings.TrimSpace(fields[0]) != presencePrefix {
		return p, fmt.Errorf("%w: missing %s prefix in %q", ErrMalformedLine, presencePrefix, line)
	}

	for i := 0; i < lane.Count; i++ {
		label := strings.TrimSpace(fields[1+2*i])
		if want := fmt.Sprintf("L%d", i+1); label != want {
			return p, fmt.Errorf("%w: expected label %s, got %q", ErrMalformedLine, want, label)
		}
		switch strings.TrimSpace(fields[2+2*i]) {
		case "1":
			p[i] = true
		case "0":
			p[i] = false
		default:
			return p, fmt.Errorf("%w: lane %d value %q is not 0 or 1", ErrMalformedLine, i+1, fields[2+2*i])
		}
	}
	return p, nil
}

// ParseTimes decodes a "Times,..." line back into durations.
func ParseTimes(line string) (lane.Durations, error) {
	var d lane.Durations
	values, err := parseIntLine(line, timesPrefix)
	if err != nil {
		return d, err
	}
	for i, v := range values {
		if v < 0 {
			return d, fmt.Errorf("%w: negative duration %d for lane %d", ErrMalformedLine, v, i)
		}
		d[i] = v
	}
	return d, nil
}

// ParseOrder decodes an "Order,..." line and checks it is a permutation.
func ParseOrder(line string) (lane.Order, error) {
	var o lane.Order
	values, err := parseIntLine(line, orderPrefix)
	if err != nil {
		return o, err
	}
	for i, v := range values {
		o[i] = lane.ID(v)
	}
	if err := o.Validate(); err != nil {
		return o, fmt.Errorf("%w: %w", ErrMalformedLine, err)
	}
	return o, nil
}

func parseIntLine(line, prefix string) ([lane.Count]int, error) {
	var out [lane.Count]int
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) != 1+lane.Count || fields[0] != prefix {
		return out, fmt.Errorf("%w: expected %s and %d values in %q", ErrMalformedLine, prefix, lane.Count, line)
	}
	for i := range out {
		v, err := strconv.Atoi(strings.TrimSpace(fields[1+i]))
		if err != nil {
			return out, fmt.Errorf("%w: %w", ErrMalformedLine, err)
		}
		out[i] = v
	}
	return out, nil
}

// EncodePresence renders a presence line. It is used by the mock controller
// in dev mode and by tests.
func EncodePresence(p lane.Presence) string {
	var b strings.Builder
	b.WriteString(presencePrefix)
	for i, v := range p {
		bit := 0
		if v {
			bit = 1
		}
		fmt.Fprintf(&b, ",L%d,%d", i+1, bit)
	}
	b.WriteString("\n")
	return b.String()
}
