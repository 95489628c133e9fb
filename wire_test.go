package jrpc2_test

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"

	"github.com/haldor-labs/jrpc2"
	"github.com/haldor-labs/jrpc2/channel"
	"github.com/haldor-labs/jrpc2/code"
	"github.com/haldor-labs/jrpc2/handler"
	"github.com/haldor-labs/jrpc2/server"
)

// TestRequestWireFormat checks the exact bytes a client puts on the wire for
// a positional call, and that the reply resolves to the caller's value.
func TestRequestWireFormat(t *testing.T) {
	defer leaktest.Check(t)()

	cch, sch := channel.Direct()
	cli := jrpc2.NewClient(cch, nil)
	defer cli.Close()

	wire := make(chan []byte, 1)
	go func() {
		defer sch.Close()
		msg, err := sch.Recv()
		if err != nil {
			return
		}
		wire <- msg
		sch.Send([]byte(`{"jsonrpc":"2.0","id":1,"result":3}`))
	}()

	var got int
	if err := cli.CallResult(context.Background(), "add", []int{1, 2}, &got); err != nil {
		t.Fatalf("Call(add): unexpected error: %v", err)
	}
	if got != 3 {
		t.Errorf("Call(add): got %d, want 3", got)
	}

	const want = `{"jsonrpc":"2.0","id":1,"method":"add","params":[1,2]}`
	if sent := string(<-wire); sent != want {
		t.Errorf("wire request: got %#q, want %#q", sent, want)
	}
}

// TestMethodNotFound checks the rejection for a call to an unregistered
// method after a couple of successful calls on the same client.
func TestMethodNotFound(t *testing.T) {
	defer leaktest.Check(t)()

	loc := server.NewLocal(testMux(), nil)
	defer loc.Close()

	ctx := context.Background()
	for range 2 {
		if _, err := loc.Client.Call(ctx, "Test.Add", []int{1, 2}); err != nil {
			t.Fatalf("Call(Test.Add): unexpected error: %v", err)
		}
	}
	_, err := loc.Client.Call(ctx, "nonexistent", []int{})
	var jerr *jrpc2.Error
	if !errors.As(err, &jerr) {
		t.Fatalf("Call(nonexistent): got %v, want *jrpc2.Error", err)
	}
	if jerr.Code != code.MethodNotFound {
		t.Errorf("error code: got %v, want %v", jerr.Code, code.MethodNotFound)
	}
	if jerr.Message != "Method not found" {
		t.Errorf("error message: got %q, want %q", jerr.Message, "Method not found")
	}
}

// TestParseErrorReply checks the server's literal reply to a frame that does
// not parse as JSON.
func TestParseErrorReply(t *testing.T) {
	defer leaktest.Check(t)()

	cch, sch := channel.Direct()
	srv := jrpc2.NewServer(testMux(), nil).Start(sch)

	if err := cch.Send([]byte("test")); err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}
	got, err := cch.Recv()
	if err != nil {
		t.Fatalf("Recv: unexpected error: %v", err)
	}
	const want = `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse Error"}}`
	if string(got) != want {
		t.Errorf("reply: got %#q, want %#q", got, want)
	}

	cch.Close()
	if err := srv.Wait(); err != nil {
		t.Errorf("Server exit status: %v", err)
	}
}

// TestInvalidRequestReply checks the server's reply to a request whose method
// is not a string: the request is rejected as invalid, but its id survives
// into the error reply.
func TestInvalidRequestReply(t *testing.T) {
	defer leaktest.Check(t)()

	cch, sch := channel.Direct()
	srv := jrpc2.NewServer(testMux(), nil).Start(sch)

	if err := cch.Send([]byte(`{"jsonrpc":"2.0","method":1,"params":[],"id":69}`)); err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}
	got, err := cch.Recv()
	if err != nil {
		t.Fatalf("Recv: unexpected error: %v", err)
	}
	const want = `{"jsonrpc":"2.0","id":69,"error":{"code":-32600,"message":"Invalid Request"}}`
	if string(got) != want {
		t.Errorf("reply: got %#q, want %#q", got, want)
	}

	cch.Close()
	if err := srv.Wait(); err != nil {
		t.Errorf("Server exit status: %v", err)
	}
}

// TestBatchFrames builds frames with Message and submits them as a single
// batch, checking that each response is correlated to the id assigned at
// build time and that the response id set equals the request id set.
func TestBatchFrames(t *testing.T) {
	defer leaktest.Check(t)()

	loc := server.NewLocal(testMux(), nil)
	defer loc.Close()

	f1, id1 := loc.Client.Message("Test.Add", []int{1, 2}, true)
	f2, id2 := loc.Client.Message("Test.Add", []int{3, 4}, true)

	rsps, err := loc.Client.BatchFrames(context.Background(), [][]byte{f1, f2})
	if err != nil {
		t.Fatalf("BatchFrames: unexpected error: %v", err)
	}
	if len(rsps) != 2 {
		t.Fatalf("BatchFrames: got %d responses, want 2", len(rsps))
	}
	for i, want := range []struct {
		id  string
		sum int
	}{{id1, 3}, {id2, 7}} {
		if got := rsps[i].ID(); got != want.id {
			t.Errorf("response %d: id %q, want %q", i, got, want.id)
		}
		var sum int
		if err := rsps[i].UnmarshalResult(&sum); err != nil {
			t.Errorf("response %d: unmarshal: %v", i, err)
		} else if sum != want.sum {
			t.Errorf("response %d: got %d, want %d", i, sum, want.sum)
		}
	}
}

// TestIDAllocation checks that ids issued by one client are strictly
// increasing by 1 from 1, and that each response resolves with the id
// assigned when the call was made.
func TestIDAllocation(t *testing.T) {
	defer leaktest.Check(t)()

	loc := server.NewLocal(testMux(), nil)
	defer loc.Close()

	for i := 1; i <= 5; i++ {
		rsp, err := loc.Client.Call(context.Background(), "Test.Add", []int{i})
		if err != nil {
			t.Fatalf("Call %d: unexpected error: %v", i, err)
		}
		if got, want := rsp.ID(), strconv.Itoa(i); got != want {
			t.Errorf("Call %d: response id %q, want %q", i, got, want)
		}
	}
}

// TestDeferredHandlerParity checks that a handler returning a value directly
// and one resolving the same value through a separate goroutine produce
// byte-identical responses.
func TestDeferredHandlerParity(t *testing.T) {
	defer leaktest.Check(t)()

	sync := handler.Map{
		"get": handler.New(func(context.Context) (string, error) { return "v", nil }),
	}
	deferred := handler.Map{
		"get": handler.New(func(context.Context) (string, error) {
			ch := make(chan string, 1)
			go func() { ch <- "v" }()
			return <-ch, nil
		}),
	}

	run := func(mux handler.Map) []byte {
		cch, sch := channel.Direct()
		srv := jrpc2.NewServer(mux, nil).Start(sch)
		if err := cch.Send([]byte(`{"jsonrpc":"2.0","id":1,"method":"get"}`)); err != nil {
			t.Fatalf("Send: unexpected error: %v", err)
		}
		rsp, err := cch.Recv()
		if err != nil {
			t.Fatalf("Recv: unexpected error: %v", err)
		}
		cch.Close()
		srv.Wait()
		return rsp
	}

	a, b := run(sync), run(deferred)
	if string(a) != string(b) {
		t.Errorf("responses differ: sync %#q, deferred %#q", a, b)
	}
}

// TestLateResponseDiscarded checks that a call that times out settles exactly
// once, and that the real response arriving afterward is dropped without
// disturbing later calls.
func TestLateResponseDiscarded(t *testing.T) {
	defer leaktest.Check(t)()

	release := make(chan struct{})
	mux := handler.Map{
		"Test.Slow": handler.New(func(ctx context.Context) (int, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return 1, nil
		}),
		"Test.Fast": handler.New(func(context.Context) (int, error) { return 2, nil }),
	}

	loc := server.NewLocal(mux, &server.LocalOptions{
		Client: &jrpc2.ClientOptions{Timeout: 10 * time.Millisecond},
	})
	defer loc.Close()

	_, err := loc.Client.Call(context.Background(), "Test.Slow", nil)
	var jerr *jrpc2.Error
	if !errors.As(err, &jerr) {
		t.Fatalf("Call(Test.Slow): got %v, want *jrpc2.Error", err)
	}
	if jerr.Code != code.RequestTimeout {
		t.Errorf("error code: got %v, want %v", jerr.Code, code.RequestTimeout)
	}
	if jerr.Message != "Request Timeout" {
		t.Errorf("error message: got %q, want %q", jerr.Message, "Request Timeout")
	}

	// Let the slow handler finish; its response now has no pending call to
	// settle and must be discarded silently.
	close(release)

	var got int
	if err := loc.Client.CallResult(context.Background(), "Test.Fast", nil, &got); err != nil {
		t.Fatalf("Call(Test.Fast): unexpected error: %v", err)
	}
	if got != 2 {
		t.Errorf("Call(Test.Fast): got %d, want 2", got)
	}
}
