package domain

import (
	"encoding/json"
	"strconv"
	"strings"
)

// JobPriority orders jobs in the pending queue. Higher values are admitted
// first; equal values keep submission order.
type JobPriority int

const (
	PriorityLow JobPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p JobPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the priority as its name.
func (p JobPriority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts either the priority name ("high") or its numeric
// value (2). Unknown names and out-of-range numbers fall back to normal.
func (p *JobPriority) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		switch strings.ToLower(name) {
		case "low":
			*p = PriorityLow
		case "normal", "":
			*p = PriorityNormal
		case "high":
			*p = PriorityHigh
		case "critical":
			*p = PriorityCritical
		default:
			*p = PriorityNormal
		}
		return nil
	}

	n, err := strconv.Atoi(string(data))
	if err != nil {
		return err
	}
	if n < int(PriorityLow) || n > int(PriorityCritical) {
		*p = PriorityNormal
		return nil
	}
	*p = JobPriority(n)
	return nil
}
