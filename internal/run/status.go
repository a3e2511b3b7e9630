// Package run contains the data model shared by the coordinator, builder,
// and deployer: the Run record, its Status state machine, the projection
// cache payload, and the tenant-resource descriptors the deployer
// synthesises.
package run

import (
	"database/sql/driver"
	"fmt"
)

// Status is the Run lifecycle state: a small int enum with
// String/Value/Scan so it round-trips through logs, BSON, and JSON.
type Status int

// Recognised statuses, in monotonic order.
const (
	StatusQueued Status = iota
	StatusBuilding
	StatusDeploying
	StatusRunning
	StatusSucceeded
	StatusFailed
	StatusStopped
)

var statusNames = map[Status]string{
	StatusQueued:    "Queued",
	StatusBuilding:  "Building",
	StatusDeploying: "Deploying",
	StatusRunning:   "Running",
	StatusSucceeded: "Succeeded",
	StatusFailed:    "Failed",
	StatusStopped:   "Stopped",
}

// String implements fmt.Stringer.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// MarshalJSON implements json.Marshaler.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Status) UnmarshalJSON(b []byte) error {
	str := string(b)
	if len(str) >= 2 && str[0] == '"' {
		str = str[1 : len(str)-1]
	}
	for status, name := range statusNames {
		if name == str {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", str)
}

// Value implements driver.Valuer.
func (s Status) Value() (driver.Value, error) {
	return s.String(), nil
}

// Scan implements sql.Scanner.
func (s *Status) Scan(src any) error {
	str, ok := src.(string)
	if !ok {
		if b, ok := src.([]byte); ok {
			str = string(b)
		} else {
			return fmt.Errorf("cannot scan %T into Status", src)
		}
	}
	for status, name := range statusNames {
		if name == str {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", str)
}

// rank gives the total order over non-terminal statuses used by the
// monotonic-status rule: Queued < Building < Deploying <
// Running < terminal. All three terminal statuses share the same rank
// since none of them may transition to one another.
var rank = map[Status]int{
	StatusQueued:    0,
	StatusBuilding:  1,
	StatusDeploying: 2,
	StatusRunning:   3,
	StatusSucceeded: 4,
	StatusFailed:    4,
	StatusStopped:   4,
}

// Terminal reports whether s is one of the run's terminal states.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusStopped
}

// CanTransition reports whether moving from s to next is permitted under
// the monotonic-status rule. A transition is permitted if next's rank is
// strictly greater than s's rank, or if s is already terminal and next
// equals s (a repeated terminal write, which is idempotent and therefore
// allowed but a no-op at the caller).
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return to == from
	}
	return rank[to] > rank[from]
}
