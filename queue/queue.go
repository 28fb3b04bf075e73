// Package queue runs generation jobs one at a time.
package queue

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"img2img_alternative/alternative"
	"img2img_alternative/entities"
	"img2img_alternative/state"
)

const capacity = 100

var (
	ErrQueueFull  = errors.New("queue is full")
	ErrCancelled  = errors.New("generation was removed from the queue")
	ErrNotRunning = errors.New("there is no generation currently in progress")
)

// Runner runs one generation.
type Runner interface {
	Run(ctx context.Context, req *entities.GenerationRequest, opts entities.AlternativeOptions, progress alternative.Progress) (*alternative.Result, error)
}

// Outcome is delivered on Item.Done once the item leaves the queue.
type Outcome struct {
	Result *alternative.Result
	Err    error
}

type Item struct {
	ID      string
	Request *entities.GenerationRequest
	Options entities.AlternativeOptions
	// State reports progress of this item and takes its interrupt.
	State *state.State
	Done  chan Outcome
}

type Queue struct {
	runner         Runner
	queue          chan *Item
	currentItem    *Item
	mu             sync.Mutex
	cancelledItems map[string]bool
	pollInterval   time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

type Config struct {
	Runner Runner
	// PollInterval defaults to one second.
	PollInterval time.Duration
}

func New(cfg Config) (*Queue, error) {
	if cfg.Runner == nil {
		return nil, errors.New("missing runner")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	return &Queue{
		runner:         cfg.Runner,
		queue:          make(chan *Item, capacity),
		cancelledItems: make(map[string]bool),
		pollInterval:   cfg.PollInterval,
		stop:           make(chan struct{}),
	}, nil
}

// Wait blocks until the item's outcome is delivered or ctx is done. A done
// ctx yields an Outcome carrying ctx.Err(), since a stopped queue never
// delivers items that are still waiting.
func (i *Item) Wait(ctx context.Context) Outcome {
	select {
	case out := <-i.Done:
		return out
	case <-ctx.Done():
		return Outcome{Err: ctx.Err()}
	}
}

func (q *Queue) NewItem(req *entities.GenerationRequest, opts entities.AlternativeOptions) *Item {
	return &Item{
		ID:      uuid.NewString(),
		Request: req,
		Options: opts,
		State:   state.New(),
		Done:    make(chan Outcome, 1),
	}
}

// Add enqueues item and returns its position in line.
func (q *Queue) Add(item *Item) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) == cap(q.queue) {
		return -1, ErrQueueFull
	}

	q.queue <- item

	linePosition := len(q.queue)

	return linePosition, nil
}

// Start polls the queue until ctx is done or Stop is called.
func (q *Queue) Start(ctx context.Context) {
Polling:
	for {
		select {
		case <-ctx.Done():
			break Polling
		case <-q.stop:
			break Polling
		case <-time.After(q.pollInterval):
			q.pullNextInQueue(ctx)
		}
	}

	log.Println("Polling stopped")
}

func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })
}

// Remove marks a queued item so it is skipped when its turn comes.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.currentItem != nil && q.currentItem.ID == id {
		return errors.New("generation already started, interrupt it instead")
	}
	q.cancelledItems[id] = true

	return nil
}

// Interrupt asks the running item to stop after its current step.
func (q *Queue) Interrupt() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.currentItem == nil {
		return ErrNotRunning
	}

	log.Printf("Interrupting generation #%s\n", q.currentItem.ID)
	q.currentItem.State.Interrupt()

	return nil
}

// Current returns the running item, or nil.
func (q *Queue) Current() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.currentItem
}

// Len is the number of items waiting.
func (q *Queue) Len() int {
	return len(q.queue)
}

func (q *Queue) pullNextInQueue(ctx context.Context) {
	var item *Item
	select {
	case item = <-q.queue:
	default:
		return
	}

	q.mu.Lock()
	if q.cancelledItems[item.ID] {
		delete(q.cancelledItems, item.ID)
		q.mu.Unlock()
		log.Printf("Skipping removed generation #%s\n", item.ID)
		item.Done <- Outcome{Err: ErrCancelled}
		return
	}
	// Begin clears the interrupt flag, so it runs before Interrupt can see the item.
	item.State.Begin(1)
	q.currentItem = item
	q.mu.Unlock()

	result, err := q.processCurrentItem(ctx, item)
	switch {
	case alternative.IsInterrupted(err):
		log.Printf("Generation #%s interrupted\n", item.ID)
	case err != nil:
		log.Printf("Error processing generation #%s: %v", item.ID, err)
	}

	q.mu.Lock()
	q.currentItem = nil
	q.mu.Unlock()

	item.Done <- Outcome{Result: result, Err: err}
}

func (q *Queue) processCurrentItem(ctx context.Context, item *Item) (*alternative.Result, error) {
	if item.Request == nil {
		return nil, errors.New("missing generation request")
	}
	return q.runner.Run(ctx, item.Request, item.Options, item.State)
}
