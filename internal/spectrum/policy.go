package spectrum

import (
	"fmt"
	"strconv"
	"strings"
)

// DecisionPolicy decides whether to vacate a channel on which a PU was
// detected.
type DecisionPolicy int

const (
	// AlwaysSwitch vacates the channel on every detection.
	AlwaysSwitch DecisionPolicy = iota
	// ProbabilisticSwitch vacates with a fixed probability and otherwise
	// keeps sensing the same channel.
	ProbabilisticSwitch
)

func (p DecisionPolicy) String() string {
	switch p {
	case AlwaysSwitch:
		return "always"
	case ProbabilisticSwitch:
		return "probabilistic"
	default:
		return "unknown(" + strconv.Itoa(int(p)) + ")"
	}
}

func (p DecisionPolicy) valid() bool {
	return p == AlwaysSwitch || p == ProbabilisticSwitch
}

// ParseDecisionPolicy accepts a policy name or its numeric code. Unknown
// values return AlwaysSwitch together with an error so the caller can warn
// and carry on.
func ParseDecisionPolicy(s string) (DecisionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "0", "always", "always_switch":
		return AlwaysSwitch, nil
	case "1", "probabilistic", "probabilistic_switch":
		return ProbabilisticSwitch, nil
	default:
		return AlwaysSwitch, fmt.Errorf("unknown decision policy %q", s)
	}
}

// SpectrumPolicy picks the next channel to try during a handoff.
type SpectrumPolicy int

const (
	// RoundRobin moves to the next channel number, skipping the control
	// channel.
	RoundRobin SpectrumPolicy = iota
	// RandomSelection draws a data channel uniformly.
	RandomSelection
)

func (p SpectrumPolicy) String() string {
	switch p {
	case RoundRobin:
		return "round_robin"
	case RandomSelection:
		return "random"
	default:
		return "unknown(" + strconv.Itoa(int(p)) + ")"
	}
}

func (p SpectrumPolicy) valid() bool {
	return p == RoundRobin || p == RandomSelection
}

// ParseSpectrumPolicy accepts a policy name or its numeric code. Unknown
// values return RoundRobin together with an error.
func ParseSpectrumPolicy(s string) (SpectrumPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "0", "round_robin", "roundrobin", "rr":
		return RoundRobin, nil
	case "1", "random":
		return RandomSelection, nil
	default:
		return RoundRobin, fmt.Errorf("unknown spectrum policy %q", s)
	}
}
