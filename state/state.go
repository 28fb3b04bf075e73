// Package state tracks progress of the running generation job.
package state

import (
	"sync"

	"img2img_alternative/tensor"
)

// Snapshot is a copy of the job counters at one point in time.
type Snapshot struct {
	SamplingSteps int
	SamplingStep  int
	JobCount      int
	JobNo         int
	Interrupted   bool
}

// Percent estimates overall completion across all jobs in [0, 1].
func (s Snapshot) Percent() float64 {
	if s.JobCount <= 0 {
		return 0
	}
	done := float64(s.JobNo)
	if s.SamplingSteps > 0 {
		done += min(float64(s.SamplingStep)/float64(s.SamplingSteps), 1)
	}
	return min(done/float64(s.JobCount), 1)
}

// State is the shared job state one generation reports into. The zero value is usable.
type State struct {
	mu sync.Mutex

	samplingSteps int
	samplingStep  int
	jobCount      int
	jobNo         int
	interrupted   bool
	latent        *tensor.Tensor

	subscribers map[int]chan Snapshot
	nextID      int
}

func New() *State {
	return &State{}
}

// Begin resets the counters for a new generation made of jobCount jobs.
func (s *State) Begin(jobCount int) {
	s.mu.Lock()
	s.samplingSteps = 0
	s.samplingStep = 0
	s.jobCount = jobCount
	s.jobNo = 0
	s.interrupted = false
	s.latent = nil
	s.mu.Unlock()
	s.publish()
}

func (s *State) AddJobs(n int) {
	s.mu.Lock()
	s.jobCount += n
	s.mu.Unlock()
	s.publish()
}

// NextJob marks the current job finished and clears the step counter.
func (s *State) NextJob() {
	s.mu.Lock()
	s.jobNo++
	s.samplingStep = 0
	s.mu.Unlock()
	s.publish()
}

func (s *State) BeginSampling(steps int) {
	s.mu.Lock()
	s.samplingSteps = steps
	s.samplingStep = 0
	s.mu.Unlock()
	s.publish()
}

func (s *State) Step() {
	s.mu.Lock()
	s.samplingStep++
	s.mu.Unlock()
	s.publish()
}

// StoreLatent keeps the most recent intermediate latent for previews.
func (s *State) StoreLatent(x *tensor.Tensor) {
	s.mu.Lock()
	s.latent = x
	s.mu.Unlock()
}

// Latent returns the last stored intermediate latent, or nil.
func (s *State) Latent() *tensor.Tensor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latent
}

// Interrupt asks the running loop to stop after its current step.
func (s *State) Interrupt() {
	s.mu.Lock()
	s.interrupted = true
	s.mu.Unlock()
	s.publish()
}

func (s *State) Interrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupted
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

func (s *State) snapshot() Snapshot {
	return Snapshot{
		SamplingSteps: s.samplingSteps,
		SamplingStep:  s.samplingStep,
		JobCount:      s.jobCount,
		JobNo:         s.jobNo,
		Interrupted:   s.interrupted,
	}
}

// Subscribe returns a channel receiving a snapshot after every change and a
// function that unsubscribes and closes it. Slow readers miss intermediate updates.
func (s *State) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribers == nil {
		s.subscribers = make(map[int]chan Snapshot)
	}
	id := s.nextID
	s.nextID++
	ch := make(chan Snapshot, 16)
	s.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

func (s *State) publish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshot()
	for _, ch := range s.subscribers {
		select {
		case ch <- snap:
		default:
		}
	}
}
