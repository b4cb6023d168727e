package types

import "fmt"

type WorkMode int

const (
	//FullSpace devices pick nonces on their own
	FullSpace WorkMode = iota + 1
	//Partitioned devices search the range they are given
	Partitioned
)

func (m WorkMode) String() string {
	switch m {
	case FullSpace:
		return "full-space"
	case Partitioned:
		return "partitioned"
	}
	return "unknown"
}

type Capability struct {
	Mode      WorkMode
	Class     string
	BatchSize uint64
	Features  []string
}

type DeviceDescriptor struct {
	ID         string
	Plugin     string
	Name       string
	Capability Capability
}

//DeviceID builds the process unique id of a device
func DeviceID(plugin string, index int) string {
	return fmt.Sprintf("%s/%d", plugin, index)
}

type Health int

const (
	Available Health = iota + 1
	Unavailable
	Disabled
)

func (h Health) String() string {
	switch h {
	case Available:
		return "available"
	case Unavailable:
		return "unavailable"
	case Disabled:
		return "disabled"
	}
	return "unknown"
}

//NonceRange is the half open interval [Start, End)
type NonceRange struct {
	Start, End uint64
}

func (r NonceRange) Len() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

func (r NonceRange) Contains(n uint64) bool {
	return n >= r.Start && n < r.End
}

func (r NonceRange) Overlaps(o NonceRange) bool {
	return r.Start < o.End && o.Start < r.End
}

func (r NonceRange) String() string {
	return fmt.Sprintf("[%#x,%#x)", r.Start, r.End)
}

//Assignment is the work a device currently holds
type Assignment struct {
	DeviceID string
	JobID    uint64
	Epoch    uint64
	Range    *NonceRange
}
