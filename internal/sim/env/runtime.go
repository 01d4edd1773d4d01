package env

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/divtosz/prosocial-ai-simulation/internal/sim/tuning"
)

var ErrRuntimeStopped = errors.New("env: runtime stopped")

type requestKind int

const (
	reqReset requestKind = iota
	reqStep
	reqExport
	reqImport
	reqTuning
	reqInfo
)

type request struct {
	kind   requestKind
	action int
	tuning tuning.Tuning
	state  LearnedState
	resp   chan response
}

type response struct {
	obs   []float64
	step  StepResult
	state LearnedState
	info  Info
	err   error
}

// Info describes the env outside of any single step.
type Info struct {
	Seed           int64
	Episode        uint64
	EpisodeID      string
	Step           uint64
	Done           bool
	NumActions     int
	ObservationLen int
}

// Runtime owns an Env and serializes every call onto the goroutine running
// Run. Transports and CLI drivers talk to the env only through it.
type Runtime struct {
	env  *Env
	log  *zap.Logger
	reqs chan request
	stop chan struct{}
	done chan struct{}
	once sync.Once

	snapshotSink chan<- LearnedState
}

func NewRuntime(e *Env, log *zap.Logger) *Runtime {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runtime{
		env:  e,
		log:  log,
		reqs: make(chan request, 64),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// SetSnapshotSink receives the learned state every SnapshotEveryEpisodes
// finished episodes. Sends never block the episode loop.
func (r *Runtime) SetSnapshotSink(ch chan<- LearnedState) { r.snapshotSink = ch }

func (r *Runtime) Run(ctx context.Context) error {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stop:
			return nil
		case req := <-r.reqs:
			req.resp <- r.handle(req)
		}
	}
}

func (r *Runtime) Stop() { r.once.Do(func() { close(r.stop) }) }

func (r *Runtime) handle(req request) response {
	e := r.env
	switch req.kind {
	case reqReset:
		obs, err := e.Reset()
		return response{obs: obs, err: err}
	case reqStep:
		res, err := e.Step(req.action)
		if err == nil && res.Done {
			r.maybeSnapshot()
		}
		return response{step: res, err: err}
	case reqExport:
		return response{state: e.ExportState()}
	case reqImport:
		return response{err: e.ImportState(req.state)}
	case reqTuning:
		return response{err: e.ApplyTuning(req.tuning)}
	case reqInfo:
		return response{info: Info{
			Seed:           e.Seed(),
			Episode:        e.Episode(),
			EpisodeID:      e.EpisodeID(),
			Step:           e.StepCount(),
			Done:           e.Done(),
			NumActions:     NumActions,
			ObservationLen: e.ObservationLen(),
		}}
	}
	return response{err: errors.New("env: unknown request")}
}

func (r *Runtime) maybeSnapshot() {
	every := r.env.Tuning().SnapshotEveryEpisodes
	if r.snapshotSink == nil || every <= 0 || r.env.Episode()%uint64(every) != 0 {
		return
	}
	select {
	case r.snapshotSink <- r.env.ExportState():
	default:
		r.log.Warn("snapshot sink full, skipping", zap.Uint64("episode", r.env.Episode()))
	}
}

// Final exports the learned state directly. Only call it once Run has
// returned.
func (r *Runtime) Final() LearnedState { return r.env.ExportState() }

func (r *Runtime) call(ctx context.Context, req request) (response, error) {
	req.resp = make(chan response, 1)
	select {
	case r.reqs <- req:
	case <-ctx.Done():
		return response{}, ctx.Err()
	case <-r.done:
		return response{}, ErrRuntimeStopped
	}
	select {
	case resp := <-req.resp:
		return resp, resp.err
	case <-ctx.Done():
		return response{}, ctx.Err()
	case <-r.done:
		return response{}, ErrRuntimeStopped
	}
}

func (r *Runtime) Reset(ctx context.Context) ([]float64, error) {
	resp, err := r.call(ctx, request{kind: reqReset})
	return resp.obs, err
}

func (r *Runtime) Step(ctx context.Context, action int) (StepResult, error) {
	resp, err := r.call(ctx, request{kind: reqStep, action: action})
	return resp.step, err
}

func (r *Runtime) Export(ctx context.Context) (LearnedState, error) {
	resp, err := r.call(ctx, request{kind: reqExport})
	return resp.state, err
}

func (r *Runtime) Import(ctx context.Context, st LearnedState) error {
	_, err := r.call(ctx, request{kind: reqImport, state: st})
	return err
}

// ApplyTuning stages t for the next Reset.
func (r *Runtime) ApplyTuning(ctx context.Context, t tuning.Tuning) error {
	_, err := r.call(ctx, request{kind: reqTuning, tuning: t})
	return err
}

func (r *Runtime) Info(ctx context.Context) (Info, error) {
	resp, err := r.call(ctx, request{kind: reqInfo})
	return resp.info, err
}
