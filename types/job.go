package types

import (
	"time"

	"github.com/AGPFMiner/multiminer/target"
)

//Job is one unit of upstream work. Once installed it is never mutated.
type Job struct {
	// local sequence, assigned on receipt
	ID         uint64
	UpstreamID string
	Header     []byte
	Target     target.Target
	Algo       string
	Difficulty float64
	CleanJobs  bool
	ReceivedAt time.Time
	// stamped by the job store on install
	Epoch uint64
	// opaque data the upstream client needs to submit a share
	Context interface{}
}

//Candidate is a nonce reported by a device. Hash is a claim only.
type Candidate struct {
	DeviceID string
	JobID    uint64
	Nonce    uint64
	Hash     []byte
}

//Share is a validated result, ready to be reported upstream
type Share struct {
	ID          string
	JobID       uint64
	UpstreamID  string
	Nonce       uint64
	Hash        []byte
	DeviceID    string
	SubmittedAt time.Time
	Context     interface{}
}
