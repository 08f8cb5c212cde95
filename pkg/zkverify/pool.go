package zkverify

import (
	"context"
	"runtime"

	"github.com/consensys/gnark/backend/groth16"
)

// job is one queued verification request.
type job struct {
	vk      groth16.VerifyingKey
	proof   []byte
	signals PublicSignals
	result  chan<- verifyResult
}

type verifyResult struct {
	ok  bool
	err error
}

// Pool offloads CPU-bound ZK verification onto a fixed set of worker
// goroutines, per §5's "must be offloaded to a worker if using an event
// loop" rule. Sized by runtime.GOMAXPROCS(0) so it never oversubscribes the
// machine verifying proofs while consensus rounds are also running.
type Pool struct {
	jobs chan job
	done chan struct{}
}

// NewPool starts a worker pool with workers == runtime.GOMAXPROCS(0)
// (minimum 1) and a small job buffer so callers don't block on a burst of
// proposals.
func NewPool() *Pool {
	workers := runtime.GOMAXPROCS(0)
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		jobs: make(chan job, workers*4),
		done: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	for {
		select {
		case j, ok := <-p.jobs:
			if !ok {
				return
			}
			okResult, err := VerifyProof(j.vk, j.proof, j.signals)
			j.result <- verifyResult{ok: okResult, err: err}
		case <-p.done:
			return
		}
	}
}

// Verify submits a verification job and blocks until it completes or ctx is
// canceled. This is the call NullifierConsensus.propose makes instead of
// calling VerifyProof inline.
func (p *Pool) Verify(ctx context.Context, vk groth16.VerifyingKey, proofBytes []byte, signals PublicSignals) (bool, error) {
	resCh := make(chan verifyResult, 1)
	select {
	case p.jobs <- job{vk: vk, proof: proofBytes, signals: signals, result: resCh}:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	select {
	case r := <-resCh:
		return r.ok, r.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Stop shuts down all workers. In-flight jobs already read from the channel
// still complete; queued-but-unread jobs are abandoned.
func (p *Pool) Stop() {
	close(p.done)
}
