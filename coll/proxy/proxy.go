// Package proxy drives non-blocking transport operations to completion so
// the compute side never blocks on I/O. One Proxy runs per local device: a
// dedicated worker owns every operation queue for the connections touching
// that device, issues steps in order under a sliding window, and retires
// completions in step order even when the transport delivers them out of
// order.
package proxy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/collring/collring/coll/trace"
	"github.com/collring/collring/coll/transport"
)

// Direction distinguishes the two operation queues of a channel.
type Direction int

const (
	DirSend Direction = iota
	DirRecv
)

func (d Direction) String() string {
	if d == DirSend {
		return "send"
	}
	return "recv"
}

// Options tunes one proxy.
type Options struct {
	// Window is the per channel-direction bound on in-flight steps: step
	// S+Window is not issued before step S has retired.
	Window int
	// MaxRetries bounds reissues of a retryable step before the
	// connection is marked broken.
	MaxRetries int
	// Sink receives queue state transitions.
	Sink trace.Sink
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = 8
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.Sink == nil {
		o.Sink = trace.Nop
	}
	return o
}

const injectDepth = 1024

// Counters is a point-in-time snapshot of one proxy's activity.
type Counters struct {
	Issued  uint64
	Retired uint64
	Retried uint64
	Failed  uint64
	Bytes   uint64
}

// Handle tracks one enqueued operation. The worker completes it exactly
// once; callers poll Done or block in Wait.
type Handle struct {
	n    int
	err  error
	done chan struct{}
	once sync.Once
}

// Done reports without blocking whether the operation has finished.
func (h *Handle) Done() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Err returns the operation's outcome. Only meaningful once Done.
func (h *Handle) Err() error { return h.err }

// N returns the number of bytes moved. Only meaningful once Done.
func (h *Handle) N() int { return h.n }

// Wait blocks until the operation finishes or ctx is cancelled.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) complete(n int, err error) {
	h.once.Do(func() {
		h.n = n
		h.err = err
		close(h.done)
	})
}

type qKey struct {
	channel int
	dir     Direction
}

func (k qKey) String() string { return fmt.Sprintf("ch%d/%s", k.channel, k.dir) }

type op struct {
	key     qKey
	buf     []byte
	step    int
	retries int
	h       *Handle
}

// opQueue is one channel-direction's state. Owned exclusively by the worker
// goroutine; nothing here is locked.
type opQueue struct {
	key  qKey
	conn transport.Conn

	pending    []*op                        // enqueued, not yet issued
	inflight   map[int]*op                  // issued, awaiting completion
	arrived    map[int]transport.Completion // completed out of order, awaiting retirement
	issueNext  int
	retireNext int

	broken    bool
	brokenErr error
}

type taggedComp struct {
	key  qKey
	comp transport.Completion
}

// Proxy is the progress engine for one local device.
type Proxy struct {
	device string
	opts   Options

	inject chan *op
	comps  chan taggedComp
	stop   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	queues  map[qKey]*opQueue
	started bool
	stopped bool

	pending  atomic.Int64
	progress atomic.Uint64
	issued   atomic.Uint64
	retired  atomic.Uint64
	retried  atomic.Uint64
	failed   atomic.Uint64
	bytes    atomic.Uint64
}

// New builds a proxy for one device. Attach connections, then Start.
func New(device string, opts Options) *Proxy {
	return &Proxy{
		device: device,
		opts:   opts.withDefaults(),
		inject: make(chan *op, injectDepth),
		comps:  make(chan taggedComp, injectDepth),
		stop:   make(chan struct{}),
		queues: make(map[qKey]*opQueue),
	}
}

// Attach registers both directed edges of one channel with this proxy. Must
// be called before Start.
func (p *Proxy) Attach(cc transport.ChannelConns) error {
	if err := p.AttachConn(cc.ID, DirSend, cc.Send); err != nil {
		return err
	}
	return p.AttachConn(cc.ID, DirRecv, cc.Recv)
}

// AttachConn registers one connection as one channel-direction queue.
func (p *Proxy) AttachConn(channel int, dir Direction, conn transport.Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("proxy: attach after start")
	}
	key := qKey{channel: channel, dir: dir}
	if _, dup := p.queues[key]; dup {
		return errors.Errorf("proxy: duplicate queue %s", key)
	}
	p.queues[key] = &opQueue{
		key:      key,
		conn:     conn,
		inflight: make(map[int]*op),
		arrived:  make(map[int]transport.Completion),
	}
	return nil
}

// Start launches the worker and the completion fan-in.
func (p *Proxy) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("proxy: already started")
	}
	p.started = true
	for key, q := range p.queues {
		key, q := key, q
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case comp, ok := <-q.conn.Completions():
					if !ok {
						return
					}
					select {
					case p.comps <- taggedComp{key: key, comp: comp}:
					case <-p.stop:
						return
					}
				case <-p.stop:
					return
				}
			}
		}()
	}
	p.wg.Add(1)
	go p.worker()
	trace.Transition(p.opts.Sink, -1, "proxy/"+p.device, "idle", "running",
		fmt.Sprintf("%d queues", len(p.queues)))
	return nil
}

// Stop halts the worker. In-flight operations are abandoned; their handles
// fail with a shutdown error.
func (p *Proxy) Stop() {
	p.mu.Lock()
	if p.stopped || !p.started {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()
	close(p.stop)
	p.wg.Wait()
	shutdown := errors.New("proxy: stopped")
	for _, q := range p.queues {
		for _, o := range q.pending {
			o.h.complete(0, shutdown)
		}
		for _, o := range q.inflight {
			o.h.complete(0, shutdown)
		}
	}
drain:
	for {
		select {
		case o := <-p.inject:
			o.h.complete(0, shutdown)
		default:
			break drain
		}
	}
	trace.Transition(p.opts.Sink, -1, "proxy/"+p.device, "running", "stopped", "")
}

// Enqueue submits one operation without blocking on the worker. The
// returned handle completes when the step retires in order.
func (p *Proxy) Enqueue(channel int, dir Direction, buf []byte) (*Handle, error) {
	h := &Handle{done: make(chan struct{})}
	o := &op{key: qKey{channel: channel, dir: dir}, buf: buf, h: h}
	select {
	case <-p.stop:
		return nil, errors.New("proxy: stopped")
	default:
	}
	select {
	case p.inject <- o:
		p.pending.Add(1)
		return h, nil
	default:
		return nil, errors.New("proxy: injection queue full")
	}
}

// Progress returns the count of retired operations. Callers poll it instead
// of blocking on the worker.
func (p *Proxy) Progress() uint64 { return p.progress.Load() }

// Pending returns the number of accepted but unretired operations.
func (p *Proxy) Pending() int64 { return p.pending.Load() }

// Counters returns a snapshot of this proxy's activity.
func (p *Proxy) Counters() Counters {
	return Counters{
		Issued:  p.issued.Load(),
		Retired: p.retired.Load(),
		Retried: p.retried.Load(),
		Failed:  p.failed.Load(),
		Bytes:   p.bytes.Load(),
	}
}

// Device returns the device label this proxy serves.
func (p *Proxy) Device() string { return p.device }

func (p *Proxy) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case o := <-p.inject:
			q, ok := p.queues[o.key]
			if !ok {
				o.h.complete(0, errors.Errorf("proxy: no queue %s", o.key))
				p.pending.Add(-1)
				continue
			}
			if q.broken {
				p.failOp(o, q.brokenErr)
				continue
			}
			q.pending = append(q.pending, o)
			p.advance(q)
		case tc := <-p.comps:
			q, ok := p.queues[tc.key]
			if !ok {
				continue
			}
			p.onCompletion(q, tc.comp)
		}
	}
}

// advance issues pending steps while the sliding window has room.
func (p *Proxy) advance(q *opQueue) {
	for !q.broken && len(q.pending) > 0 && q.issueNext < q.retireNext+p.opts.Window {
		o := q.pending[0]
		q.pending = q.pending[1:]
		o.step = q.issueNext
		q.issueNext++
		q.inflight[o.step] = o
		p.issue(q, o)
	}
}

func (p *Proxy) issue(q *opQueue, o *op) {
	var err error
	if q.key.dir == DirSend {
		err = q.conn.PostSend(o.step, o.buf)
	} else {
		err = q.conn.PostRecv(o.step, o.buf)
	}
	if err != nil {
		p.breakQueue(q, err)
		return
	}
	p.issued.Add(1)
}

// onCompletion handles one transport completion: retry retryable failures
// in place, break the queue on fatal ones, otherwise buffer and retire in
// step order.
func (p *Proxy) onCompletion(q *opQueue, comp transport.Completion) {
	o, known := q.inflight[comp.Step]
	if !known || q.broken {
		return
	}
	if comp.Err != nil {
		var terr *transport.Error
		if errors.As(comp.Err, &terr) && terr.Retryable && o.retries < p.opts.MaxRetries {
			o.retries++
			p.retried.Add(1)
			logrus.Debugf("proxy %s: retrying %s step %d (%d/%d)",
				p.device, q.key, o.step, o.retries, p.opts.MaxRetries)
			p.issue(q, o)
			return
		}
		p.breakQueue(q, comp.Err)
		return
	}
	q.arrived[comp.Step] = comp
	for {
		c, ok := q.arrived[q.retireNext]
		if !ok {
			break
		}
		delete(q.arrived, q.retireNext)
		done := q.inflight[q.retireNext]
		delete(q.inflight, q.retireNext)
		q.retireNext++
		done.h.complete(c.N, nil)
		p.pending.Add(-1)
		p.progress.Add(1)
		p.retired.Add(1)
		p.bytes.Add(uint64(c.N))
	}
	p.advance(q)
}

// breakQueue marks one channel-direction broken and fails everything queued
// on it. Other queues keep progressing.
func (p *Proxy) breakQueue(q *opQueue, cause error) {
	q.broken = true
	q.brokenErr = errors.Wrapf(cause, "proxy: %s broken", q.key)
	trace.Transition(p.opts.Sink, -1, "proxy/"+p.device+"/"+q.key.String(),
		"running", "broken", cause.Error())
	logrus.Warnf("proxy %s: %s broken: %v", p.device, q.key, cause)
	for step, o := range q.inflight {
		delete(q.inflight, step)
		p.failOp(o, q.brokenErr)
	}
	for _, o := range q.pending {
		p.failOp(o, q.brokenErr)
	}
	q.pending = nil
}

func (p *Proxy) failOp(o *op, err error) {
	o.h.complete(0, err)
	p.pending.Add(-1)
	p.failed.Add(1)
}

// WaitIdle blocks until every accepted operation has retired or failed, or
// the timeout elapses. Test and shutdown helper.
func (p *Proxy) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if p.pending.Load() == 0 {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return p.pending.Load() == 0
}
