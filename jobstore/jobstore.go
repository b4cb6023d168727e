//Package jobstore holds the current job and a short window of recent ones.
//Install is serialized, readers load an immutable snapshot without locking.
package jobstore

import (
	"sync"
	"sync/atomic"

	"github.com/AGPFMiner/multiminer/types"
)

//DefaultWindow is the number of superseded jobs still accepted for results
const DefaultWindow = 3

//Snapshot is an immutable view of the store at one epoch.
type Snapshot struct {
	Current *types.Job
	//most recent first
	Recent []*types.Job
	Epoch  uint64

	deprecated chan struct{}
}

//Deprecated is closed once a newer job has been installed
func (s *Snapshot) Deprecated() <-chan struct{} {
	return s.deprecated
}

//Acceptable reports whether results for jobID are still worth checking
func (s *Snapshot) Acceptable(jobID uint64) bool {
	_, ok := s.Lookup(jobID)
	return ok
}

func (s *Snapshot) Lookup(jobID uint64) (*types.Job, bool) {
	if s.Current != nil && s.Current.ID == jobID {
		return s.Current, true
	}
	for _, job := range s.Recent {
		if job.ID == jobID {
			return job, true
		}
	}
	return nil, false
}

type Store struct {
	mu       sync.Mutex
	snap     atomic.Pointer[Snapshot]
	capacity int
}

//New returns an empty store keeping window superseded jobs, window < 0 is treated as 0.
func New(window int) *Store {
	if window < 0 {
		window = 0
	}
	s := &Store{capacity: window}
	s.snap.Store(&Snapshot{deprecated: make(chan struct{})})
	return s
}

//Install publishes job as current and returns the stored copy with its epoch set.
func (s *Store) Install(job types.Job) *types.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.snap.Load()
	job.Header = append([]byte(nil), job.Header...)
	job.Epoch = prev.Epoch + 1
	installed := &job

	recent := make([]*types.Job, 0, s.capacity)
	if prev.Current != nil && s.capacity > 0 {
		recent = append(recent, prev.Current)
		for _, old := range prev.Recent {
			if len(recent) == s.capacity {
				break
			}
			recent = append(recent, old)
		}
	}

	s.snap.Store(&Snapshot{
		Current:    installed,
		Recent:     recent,
		Epoch:      installed.Epoch,
		deprecated: make(chan struct{}),
	})
	close(prev.deprecated)
	return installed
}

func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

func (s *Store) Current() *types.Job {
	return s.snap.Load().Current
}

func (s *Store) Epoch() uint64 {
	return s.snap.Load().Epoch
}

func (s *Store) IsAcceptable(jobID uint64) bool {
	return s.snap.Load().Acceptable(jobID)
}

func (s *Store) Lookup(jobID uint64) (*types.Job, bool) {
	return s.snap.Load().Lookup(jobID)
}

func (s *Store) Window() int {
	return s.capacity
}
