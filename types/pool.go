package types

//Pool is an upstream endpoint as written in the config file
type Pool struct {
	URL    string `json:"url" mapstructure:"url"`
	User   string `json:"user" mapstructure:"user"`
	Pass   string `json:"pass" mapstructure:"pass"`
	Algo   string `json:"algo" mapstructure:"algo"`
	Active bool   `json:"active,omitempty" mapstructure:"active"`
}

//PoolConnectionStates is the upstream client state machine
type PoolConnectionStates int

const (
	Disconnected PoolConnectionStates = iota + 1
	Connecting
	Streaming
)

func (s PoolConnectionStates) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	}
	return "unknown"
}

type PoolStates struct {
	Status       PoolConnectionStates `json:"status"`
	User         string               `json:"user"`
	PoolAddr     string               `json:"pooladdr"`
	Algo         string               `json:"algo"`
	Accept       uint64               `json:"accept"`
	Reject       uint64               `json:"reject"`
	Discard      uint64               `json:"discard"`
	Queued       int                  `json:"queued"`
	Reconnects   uint64               `json:"reconnects"`
	Diff         float64              `json:"diff"`
	LastAccepted int64                `json:"lastaccepted"`
	Active       bool                 `json:"active"`
}

type HardwareStats int

const (
	Programming HardwareStats = iota + 1
	Running
	NoResponse
	Stopped
)

//DriverStates is the per device view served by the status api
type DriverStates struct {
	DeviceID   string        `json:"id"`
	DriverName string        `json:"name"`
	Status     HardwareStats `json:"status"`
	Health     string        `json:"health"`
	Hashrate   [3]float64    `json:"hashrate"`
	Valid      uint64        `json:"valid"`
	Invalid    uint64        `json:"invalid"`
	Algo       string        `json:"algo"`
	LastError  string        `json:"lasterror,omitempty"`
}

type MinerStatus struct {
	Devs      []*DriverStates `json:"devs"`
	MinerDown bool            `json:"minerDown"`
	MinerUp   bool            `json:"minerUp"`
	Pools     []*PoolStates   `json:"pools"`
	Stats     *StatsSnapshot  `json:"stats"`
	Epoch     uint64          `json:"epoch"`
	Time      int64           `json:"time"`
}

type Status struct {
	Status *MinerStatus `json:"status"`
}
