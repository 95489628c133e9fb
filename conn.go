package jrpc2

import (
	"context"
	"encoding/json"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/haldor-labs/jrpc2/channel"
	"github.com/haldor-labs/jrpc2/code"
)

// A conn binds one channel.Channel to a shared Server. Each accepted
// connection -- whether from an explicit Start call or from Listen's accept
// loop -- gets its own conn, so that concurrent clients never contend for
// the same inbound queue or in-flight request table. Shared configuration
// (the method table, the handler semaphore, logging) lives on the parent
// Server and is read without copying.
type conn struct {
	srv *Server
	id  string

	wg sync.WaitGroup

	mu   *sync.Mutex
	nbar sync.WaitGroup
	err  error
	work chan struct{}
	inq  *queue
	ch   channel.Channel

	used map[string]context.CancelFunc

	call   map[string]*Response
	callID int64
}

func newConn(srv *Server, id string) *conn {
	return &conn{
		srv:    srv,
		id:     id,
		mu:     new(sync.Mutex),
		inq:    newQueue(),
		used:   make(map[string]context.CancelFunc),
		call:   make(map[string]*Response),
		callID: 1,
	}
}

// start binds c to ch and launches its read and dispatch goroutines. The
// caller must not call start more than once for a given conn.
func (c *conn) start(ch channel.Channel) {
	c.mu.Lock()
	c.ch = ch
	c.work = make(chan struct{}, 1)
	c.mu.Unlock()

	c.wg.Add(2)
	go func() { defer c.wg.Done(); c.read(ch) }()
	go func() { defer c.wg.Done(); c.serve() }()
}

func (c *conn) serve() {
	for {
		next, err := c.nextRequest()
		if err != nil {
			c.srv.log("Error reading from client %s: %v", c.id, err)
			return
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			next()
		}()
	}
}

func (c *conn) signal() {
	select {
	case c.work <- struct{}{}:
	default:
	}
}

// nextRequest blocks until a request batch is available and returns a
// function that dispatches it to the appropriate handlers. The result is
// only an error if the connection failed; errors reported by the handler
// are reported to the caller and not returned here.
func (c *conn) nextRequest() (func() error, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.ch != nil && c.inq.isEmpty() {
		c.mu.Unlock()
		<-c.work
		c.mu.Lock()
	}
	if c.ch == nil && c.inq.isEmpty() {
		return nil, c.err
	}
	ch := c.ch // capture

	next := c.inq.pop()
	c.srv.log("Dequeued request batch of length %d from %s (qlen=%d)", len(next), c.id, c.inq.size())

	return c.dispatch(next, ch), nil
}

// waitForBarrier blocks until all notification handlers that have been
// issued have completed, then adds n to the barrier. The caller must hold
// c.mu, but the lock is released during the wait to avert a deadlock with
// handlers calling back into the connection.
func (c *conn) waitForBarrier(n int) {
	c.mu.Unlock()
	defer c.mu.Lock()
	c.nbar.Wait()
	c.nbar.Add(n)
}

// dispatch constructs a function that invokes each of the specified tasks.
// The caller must hold c.mu when calling dispatch, but the returned function
// should be executed outside the lock to wait for the handlers to return.
func (c *conn) dispatch(next jmessages, ch sender) func() error {
	start := time.Now()
	tasks := c.checkAndAssign(next)

	todo, notes := tasks.numToDo()
	c.waitForBarrier(notes)

	return func() error {
		var wg sync.WaitGroup
		for _, t := range tasks {
			if t.err != nil {
				continue
			}

			todo--
			if todo == 0 {
				t.val, t.err = c.invoke(t.ctx, t.m, t.hreq)
				if t.hreq.IsNotification() {
					c.nbar.Done()
				}
				break
			}
			t := t
			wg.Add(1)
			go func() {
				defer wg.Done()
				t.val, t.err = c.invoke(t.ctx, t.m, t.hreq)
				if t.hreq.IsNotification() {
					c.nbar.Done()
				}
			}()
		}

		wg.Wait()
		return c.deliver(tasks.responses(c.srv.rpcLog), ch, time.Since(start))
	}
}

// deliver cleans up completed responses and arranges their replies (if any)
// to be sent back to the client.
func (c *conn) deliver(rsps jmessages, ch sender, elapsed time.Duration) error {
	if len(rsps) == 0 {
		return nil
	}
	c.srv.log("Completed %d requests for %s [%v elapsed]", len(rsps), c.id, elapsed)
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, rsp := range rsps {
		if rsp.err == nil {
			c.cancel(string(rsp.ID))
		}
	}

	nw, err := encode(ch, rsps, c.srv.legacy)
	bytesWrittenCount.Add(int64(nw))
	return err
}

// checkAndAssign resolves all the task handlers for the given batch, or
// records errors for them as appropriate. The caller must hold c.mu.
func (c *conn) checkAndAssign(next jmessages) tasks {
	var ts tasks
	var ids []string
	dup := make(map[string]*task)

	for _, req := range next {
		fid := fixID(req.ID)
		t := &task{
			hreq:  &Request{id: fid, method: req.M, params: req.P},
			batch: req.batch,
		}
		if req.err != nil {
			t.err = req.err
		}
		id := string(fid)
		if old := dup[id]; old != nil {
			old.err = errDuplicateID.WithData(id)
			t.err = old.err
		} else if id != "" && c.used[id] != nil {
			t.err = errDuplicateID.WithData(id)
		} else if id != "" {
			dup[id] = t
		}
		ts = append(ts, t)
		ids = append(ids, id)
	}

	for i, t := range ts {
		id := ids[i]
		if t.err != nil {
			// deferred validation error
		} else if t.hreq.method == "" {
			t.err = errEmptyMethod
		} else {
			c.setContext(t, id)
			t.m = c.assign(t.ctx, t.hreq.method)
			if t.m == nil {
				t.err = errNoSuchMethod.WithData(t.hreq.method)
			}
		}

		if t.err != nil {
			c.srv.log("Request check error for %q (params %q): %v",
				t.hreq.method, string(t.hreq.params), t.err)
			rpcErrorsCount.Add(1)
		}
	}
	return ts
}

// setContext constructs and attaches a request context to t, and records its
// cancellation function so that a matching rpc.cancel can find it.
func (c *conn) setContext(t *task, id string) {
	t.ctx = context.WithValue(c.srv.newctx(), inboundRequestKey{}, t.hreq)

	if id != "" {
		ctx, cancel := context.WithCancel(t.ctx)
		c.used[id] = cancel
		t.ctx = ctx
	}

	if c.srv.decodeCtx != nil {
		dctx, params, err := c.srv.decodeCtx(t.ctx, t.hreq.params)
		if err != nil {
			c.srv.log("Context decode failed for %q: %v", t.hreq.method, err)
			return
		}
		t.ctx = dctx
		t.hreq.params = params
	}
}

// invoke invokes the handler h for the specified request, and marshals the
// return value into JSON if there is one.
func (c *conn) invoke(base context.Context, h Handler, req *Request) (json.RawMessage, error) {
	ctx := context.WithValue(base, serverKey{}, c.srv)
	if err := c.srv.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.srv.sem.Release(1)

	c.srv.rpcLog.LogRequest(ctx, req)
	if c.srv.onNotify != nil && req.IsNotification() {
		c.srv.onNotify(req)
	}
	v, err := h(ctx, req)
	if err != nil {
		if req.IsNotification() {
			c.srv.log("Discarding error from notification to %q: %v", req.Method(), err)
			return nil, nil
		}
		return nil, err
	}
	return json.Marshal(v)
}

// waitCallback blocks until pctx ends, and then if p is still waiting for a
// response, delivers an error to the caller.
func (c *conn) waitCallback(pctx context.Context, id string, p *Response) {
	<-pctx.Done()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.call[id]; !ok {
		return
	}
	delete(c.call, id)
	err := pctx.Err()
	c.srv.log("Context ended for callback id %q, err=%v", id, err)

	p.ch <- &jmessage{
		ID: json.RawMessage(id),
		E:  &Error{Code: code.FromError(err), Message: err.Error()},
	}
}

func (c *conn) pushReq(ctx context.Context, wantID bool, method string, params any) (rsp *Response, _ error) {
	var bits []byte
	if params != nil {
		v, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		bits = v
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil {
		return nil, ErrConnClosed
	}

	kind := "notification"
	var jid json.RawMessage
	if wantID {
		kind = "call"
		id := strconv.FormatInt(c.callID, 10)
		c.callID++

		cbctx, cancel := context.WithCancel(ctx)
		jid = json.RawMessage(id)
		rsp = &Response{
			ch:     make(chan *jmessage, 1),
			id:     id,
			cancel: cancel,
		}
		c.call[id] = rsp
		go c.waitCallback(cbctx, id, rsp)
		rpcCallsPushed.Add(1)
	} else {
		rpcNotificationsPushed.Add(1)
	}

	c.srv.log("Posting %s %s %q %s", kind, c.id, method, string(bits))
	nw, err := encode(c.ch, jmessages{{
		ID: jid,
		M:  method,
		P:  bits,
	}}, c.srv.legacy)
	bytesWrittenCount.Add(int64(nw))
	return rsp, err
}

// stop shuts down the connection and records err as its final state. The
// caller must hold c.mu.
func (c *conn) stop(err error) {
	if c.ch == nil {
		return
	}
	c.srv.log("Connection %s signaled to stop with err=%v", c.id, err)
	c.ch.Close()

	var keep jmessages
	c.inq.each(func(cur jmessages) {
		for _, req := range cur {
			if req.isNotification() {
				keep = append(keep, req)
			} else {
				c.cancel(string(req.ID))
			}
		}
	})
	c.inq.reset()
	for _, elt := range keep {
		c.inq.push(jmessages{elt})
	}
	close(c.work)

	for _, rsp := range c.call {
		rsp.cancel()
	}
	for id, cancel := range c.used {
		cancel()
		delete(c.used, id)
	}

	c.err = err
	c.ch = nil
}

// WaitStatus blocks until c terminates, and returns the resulting status.
func (c *conn) WaitStatus() ServerStatus {
	c.wg.Wait()
	if !c.inq.isEmpty() {
		panic("conn.inq is not empty at shutdown")
	}
	stat := ServerStatus{Err: c.err}
	if c.err == io.EOF || channel.IsErrClosing(c.err) {
		stat.Err = nil
		stat.Closed = true
	} else if c.err == errServerStopped {
		stat.Err = nil
		stat.Stopped = true
	}
	return stat
}

func (c *conn) Wait() error { return c.WaitStatus().Err }

func (c *conn) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stop(errServerStopped)
}

// read is the main receiver loop, decoding requests from the client and
// adding them to the queue.
func (c *conn) read(ch receiver) {
	defer c.srv.forget(c)
	for {
		var in jmessages
		var derr error
		bits, err := ch.Recv()
		bytesReadCount.Add(int64(len(bits)))
		if err == nil || (err == io.EOF && len(bits) != 0) {
			err = nil
			derr = in.parseJSON(bits)
			rpcRequestsCount.Add(int64(len(in)))
		}
		c.mu.Lock()
		if err != nil {
			c.stop(err)
			c.mu.Unlock()
			return
		} else if derr != nil {
			c.pushError(derr)
		} else if len(in) == 0 {
			c.pushError(errEmptyBatch)
		} else {
			keep := c.filterBatch(in)
			if len(keep) != 0 {
				c.srv.log("Received request batch of size %d from %s (qlen=%d)", len(keep), c.id, c.inq.size())
				c.inq.push(keep)
				if c.inq.size() == 1 {
					c.signal()
				}
			}
		}
		c.mu.Unlock()
	}
}

// filterBatch removes and handles any response messages from next,
// dispatching replies to pending callbacks as required. The caller must
// hold c.mu.
func (c *conn) filterBatch(next jmessages) jmessages {
	keep := make(jmessages, 0, len(next))
	for _, req := range next {
		if req.isRequestOrNotification() {
			keep = append(keep, req)
			continue
		}

		id := string(fixID(req.ID))
		if c.call[id] != nil {
			rsp := c.call[id]
			delete(c.call, id)
			rsp.ch <- req
			c.srv.log("Received response for callback %q", id)
		} else {
			keep = append(keep, req)
		}
	}
	return keep
}

// assign returns a Handler to handle the specified name, or nil. The caller
// must hold c.mu.
func (c *conn) assign(ctx context.Context, name string) Handler {
	return c.srv.assignLocked(ctx, name)
}

// pushError reports err directly back to the client as an error response
// with a null request ID, bypassing the normal request handling mechanism.
// The caller must hold c.mu.
func (c *conn) pushError(err error) {
	c.srv.log("Invalid request from %s: %v", c.id, err)
	var jerr *Error
	if e, ok := err.(*Error); ok {
		jerr = e
	} else {
		jerr = &Error{Code: code.FromError(err), Message: err.Error()}
	}

	nw, err := encode(c.ch, jmessages{{
		ID: json.RawMessage("null"),
		E:  jerr,
	}}, c.srv.legacy)
	rpcErrorsCount.Add(1)
	bytesWrittenCount.Add(int64(nw))
	if err != nil {
		c.srv.log("Writing error response: %v", err)
	}
}

// cancel reports whether id is an active call. If so, it also calls the
// cancellation function associated with id and removes it from the
// reservations. The caller must hold c.mu.
func (c *conn) cancel(id string) bool {
	cancel, ok := c.used[id]
	if ok {
		cancel()
		delete(c.used, id)
	}
	return ok
}
