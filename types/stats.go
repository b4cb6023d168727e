package types

type Counters struct {
	Accepted          uint64 `json:"accepted"`
	Stale             uint64 `json:"stale"`
	Invalid           uint64 `json:"invalid"`
	Duplicate         uint64 `json:"duplicate"`
	Dropped           uint64 `json:"dropped"`
	Submitted         uint64 `json:"submitted"`
	SubmitFailed      uint64 `json:"submitfailed"`
	ShareQueueDropped uint64 `json:"sharequeuedropped"`
	NonceExhausted    uint64 `json:"nonceexhausted"`
}

//Rejected sums every reason a candidate did not become a share
func (c Counters) Rejected() uint64 {
	return c.Stale + c.Invalid + c.Duplicate + c.Dropped
}

type DeviceRate struct {
	Current float64 `json:"current"`
	OneMin  float64 `json:"1m"`
	FiveMin float64 `json:"5m"`
	OneHour float64 `json:"1h"`
	Valid   uint64  `json:"valid"`
	Invalid uint64  `json:"invalid"`
}

type StatsSnapshot struct {
	Total     DeviceRate            `json:"total"`
	PerDevice map[string]DeviceRate `json:"devices"`
	Counters  Counters              `json:"counters"`
}

//Verdict is what became of a candidate
type Verdict int

const (
	Accepted Verdict = iota + 1
	Stale
	Invalid
	Duplicate
	Dropped
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case Stale:
		return "stale"
	case Invalid:
		return "invalid"
	case Duplicate:
		return "duplicate"
	case Dropped:
		return "dropped"
	}
	return "unknown"
}
