package backend

import (
	"runtime"
	"sync"
)

// #############################################################################

type WorkerCtx interface{}
type WorkerFunc func(WorkerCtx, interface{}) interface{}

type WorkerInput struct {
	id   uint64
	data interface{}
}

type WorkerOutput struct {
	id   uint64
	data interface{}
}

type InputChannel chan WorkerInput
type OutputChannel chan WorkerOutput

// WorkerPool runs a fixed batch of jobs on NumCPU goroutines. Jobs are
// queued with Add before Run; both channels are sized to the batch so
// neither side blocks.
type WorkerPool struct {
	nJobs   uint64
	InChan  InputChannel
	OutChan OutputChannel
}

func NewWorkerPool(nJobs uint64) *WorkerPool {
	return &WorkerPool{
		nJobs,
		make(InputChannel, nJobs),
		make(OutputChannel, nJobs),
	}
}

// Add queues job i. It must be called exactly nJobs times before Run.
func (p *WorkerPool) Add(i uint64, data interface{}) {
	p.InChan <- WorkerInput{i, data}
}

func StartWorker(fn WorkerFunc, ctx WorkerCtx, InChan InputChannel, OutChan OutputChannel) {
	for job := range InChan {
		OutChan <- WorkerOutput{job.id, fn(ctx, job.data)}
	}
}

// Run processes the queued jobs and returns their outputs indexed by job
// id.
func (p *WorkerPool) Run(fn WorkerFunc, ctx WorkerCtx) []interface{} {
	l := runtime.NumCPU()
	if uint64(l) > p.nJobs {
		l = int(p.nJobs)
	}
	var wg sync.WaitGroup
	for i := 0; i < l; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			StartWorker(fn, ctx, p.InChan, p.OutChan)
		}()
	}

	close(p.InChan)
	wg.Wait()
	out := make([]interface{}, p.nJobs)
	for i := uint64(0); i < p.nJobs; i++ {
		o := <-p.OutChan
		out[o.id] = o.data
	}

	close(p.OutChan)
	return out
}

// #############################################################################
