// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

// Package jhttp implements the HTTP transport for JSON-RPC: a Bridge that
// serves JSON-RPC requests posted over HTTP, a Getter that maps GET URLs to
// calls, and a Channel that lets a *jrpc2.Client issue its calls as HTTP
// requests.
package jhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/haldor-labs/jrpc2"
	"github.com/haldor-labs/jrpc2/code"
	"github.com/haldor-labs/jrpc2/server"
)

// A Bridge is a http.Handler that bridges requests to a JSON-RPC server.
//
// By default, the bridge accepts only HTTP POST requests with the complete
// JSON-RPC request message in the body, with Content-Type application/json.
// The body may contain a single request object, an array of request objects
// (a batch), or several delimiter-separated messages (see BridgeOptions).
//
// If either a CheckRequest or ParseRequest hook is set, these requirements
// are disabled, and the hooks are responsible for checking request structure.
// If a ParseGETRequest hook is set, GET requests are decoded through it
// instead; otherwise GET requests report 405 (Method Not Allowed).
//
// The HTTP status reflects the outcome of the JSON-RPC exchange: 200 (OK)
// when every reply succeeded, 204 (No Content) when the request contained
// only notifications, and otherwise the status mapped from the first error
// code in the reply (see code.Code.HTTPStatus). The response body carries the
// JSON-RPC response in all cases but 204.
//
// The bridge attaches the inbound HTTP request to the context passed to the
// client, allowing an EncodeContext callback to retrieve state from the HTTP
// headers. Use jhttp.HTTPRequest to retrieve the request from the context.
type Bridge struct {
	local    server.Local
	checkReq func(*http.Request) error
	parseReq func(*http.Request) ([]*jrpc2.ParsedRequest, error)
	parseGET func(*http.Request) (string, any, error)
	delim    []byte
}

// ServeHTTP implements the required method of http.Handler.
func (b Bridge) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method == "GET" && b.parseGET != nil {
		b.serveGET(w, req)
		return
	}

	// If neither a check hook nor a parse hook are defined, insist that the
	// method is POST and the content-type is application/json.  Setting either
	// hook disables these checks.
	if b.checkReq == nil && b.parseReq == nil {
		if req.Method != "POST" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		ctype, params, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
		if err != nil || ctype != "application/json" {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			return
		}
		switch strings.ToLower(params["charset"]) {
		case "", "utf8", "utf-8":
			// ok
		default:
			w.WriteHeader(http.StatusUnsupportedMediaType)
			fmt.Fprintln(w, "invalid content-type charset")
			return
		}
	}
	if err := b.checkHTTPRequest(req); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintln(w, err.Error())
		return
	}
	if err := b.serveInternal(w, req); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintln(w, err.Error())
	}
}

// bridgeReply is the encoding shape of a single reply from the bridge. The
// id field is always present, even for requests whose own id was invalid (it
// is then null, matching the error-reply rules of the protocol).
type bridgeReply struct {
	V  string          `json:"jsonrpc"`
	ID json.RawMessage `json:"id"`
	R  json.RawMessage `json:"result,omitempty"`
	E  *jrpc2.Error    `json:"error,omitempty"`
}

func errReply(id string, e *jrpc2.Error) *bridgeReply {
	return &bridgeReply{V: jrpc2.Version, ID: rawID(id), E: e}
}

func rawID(id string) json.RawMessage {
	if id == "" {
		return json.RawMessage("null")
	}
	return json.RawMessage(id)
}

func (b Bridge) serveInternal(w http.ResponseWriter, req *http.Request) error {
	// The HTTP request requires a response, but the server will not reply if
	// all the requests are notifications. Check whether we have any calls
	// needing a response, and choose whether to wait for a reply based on that.
	jreq, batch, multi, err := b.parseHTTPRequest(req)
	if err != nil {
		return err
	}
	if len(jreq) == 0 {
		// An empty batch gets a single error object, not an array.
		return b.writeReplies(w, []*bridgeReply{
			errReply("", &jrpc2.Error{Code: code.InvalidRequest, Message: "empty request batch"}),
		}, false, false)
	}

	// Because the bridge shares the JSON-RPC client between potentially many
	// HTTP clients, we must virtualize the ID space for requests to preserve
	// the HTTP client's assignment of IDs.
	//
	// Structurally invalid requests are answered locally without consulting
	// the server, since they cannot be dispatched; everything else is relayed
	// as a batch and the responses mapped back to the inbound IDs in order,
	// which works because the *jrpc2.Client detangles batch order so that
	// responses come back in the same order (modulo notifications) even if
	// the server response did not preserve order.
	var specs []jrpc2.Spec
	var relay []int // reply slots awaiting a relayed response
	replies := make([]*bridgeReply, 0, len(jreq))
	for _, p := range jreq {
		if p.Error != nil {
			replies = append(replies, errReply(p.ID, p.Error))
			continue
		}
		if p.Method == "" {
			replies = append(replies, errReply(p.ID, &jrpc2.Error{
				Code: code.InvalidRequest, Message: "empty method name",
			}))
			continue
		}
		spec := jrpc2.Spec{Method: p.Method, Notify: p.ID == ""}
		if len(p.Params) != 0 {
			spec.Params = p.Params
		}
		specs = append(specs, spec)
		if !spec.Notify {
			replies = append(replies, &bridgeReply{V: jrpc2.Version, ID: rawID(p.ID)})
			relay = append(relay, len(replies)-1)
		}
	}

	if len(specs) != 0 {
		// Attach the HTTP request to the client context, so the encoder can see it.
		ctx := context.WithValue(req.Context(), httpReqKey{}, req)
		rsps, err := b.local.Client.Batch(ctx, specs)
		if err != nil {
			return err
		}
		for i, rsp := range rsps {
			out := replies[relay[i]]
			if e := rsp.Error(); e != nil {
				out.E = e
			} else {
				out.R = json.RawMessage(rsp.ResultString())
			}
		}
	}

	// If all the requests were notifications, report success without responses.
	if len(replies) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}
	return b.writeReplies(w, replies, batch, multi)
}

// writeReplies encodes replies into the response body: joined by the frame
// delimiter when the request body was itself delimiter-joined, as a JSON
// array when it was a batch, and as a bare object otherwise. The HTTP status
// is 200 unless a reply carries an error, in which case the first error code
// picks the status.
func (b Bridge) writeReplies(w http.ResponseWriter, replies []*bridgeReply, batch, multi bool) error {
	status := http.StatusOK
	for _, r := range replies {
		if r.E != nil {
			status = r.E.Code.HTTPStatus()
			break
		}
	}

	var body []byte
	var err error
	switch {
	case multi:
		var parts [][]byte
		for _, r := range replies {
			bits, err := json.Marshal(r)
			if err != nil {
				return err
			}
			parts = append(parts, bits)
		}
		body = bytes.Join(parts, b.delim)
	case batch:
		body, err = json.Marshal(replies)
	default:
		body, err = json.Marshal(replies[0])
	}
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	w.Write(body)
	return nil
}

// serveGET dispatches a GET request decoded via the ParseGETRequest hook as a
// single call, reporting the bare result on success.
func (b Bridge) serveGET(w http.ResponseWriter, req *http.Request) {
	method, params, err := b.parseGET(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, &jrpc2.Error{
			Code:    code.ParseError,
			Message: err.Error(),
		})
		return
	}
	ctx := context.WithValue(req.Context(), httpReqKey{}, req)
	var result json.RawMessage
	if err := b.local.Client.CallResult(ctx, method, params, &result); err != nil {
		writeJSON(w, code.FromError(err).HTTPStatus(), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (b Bridge) checkHTTPRequest(req *http.Request) error {
	if b.checkReq != nil {
		return b.checkReq(req)
	}
	return nil
}

// parseHTTPRequest decodes the JSON-RPC messages carried by req. In addition
// to the parsed requests it reports whether the body was a JSON batch array
// (so the reply keeps the array shape even for one element), and whether it
// was two or more delimiter-joined messages (so the reply is joined the same
// way).
func (b Bridge) parseHTTPRequest(req *http.Request) (jreq []*jrpc2.ParsedRequest, batch, multi bool, _ error) {
	if b.parseReq != nil {
		parsed, err := b.parseReq(req)
		return parsed, len(parsed) > 1, false, err
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, false, false, err
	}

	var segs [][]byte
	for _, seg := range bytes.Split(body, b.delim) {
		if seg = bytes.TrimSpace(seg); len(seg) != 0 {
			segs = append(segs, seg)
		}
	}
	if len(segs) > 1 {
		var all []*jrpc2.ParsedRequest
		for _, seg := range segs {
			parsed, err := jrpc2.ParseRequests(seg)
			if err != nil {
				return nil, false, false, err
			}
			all = append(all, parsed...)
		}
		return all, false, true, nil
	}

	parsed, err := jrpc2.ParseRequests(body)
	if err != nil {
		return nil, false, false, err
	}
	return parsed, bytes.HasPrefix(bytes.TrimSpace(body), []byte("[")), false, nil
}

// Close closes the channel to the server, waits for the server to exit, and
// reports its exit status.
func (b Bridge) Close() error { return b.local.Close() }

// NewBridge constructs a new Bridge that starts a server on mux and dispatches
// HTTP requests to it.  The server will run until the bridge is closed.
//
// Note that a bridge is not able to push calls or notifications from the
// server back to the remote client. The bridge client is shared by multiple
// active HTTP requests, and has no way to know which of the callers the push
// should be forwarded to. You can enable push on the bridge server and set
// hooks on the bridge client as usual, but the remote client will not see push
// messages from the server.
func NewBridge(mux jrpc2.Assigner, opts *BridgeOptions) Bridge {
	return Bridge{
		local: server.NewLocal(mux, &server.LocalOptions{
			Client: opts.clientOptions(),
			Server: opts.serverOptions(),
		}),
		checkReq: opts.checkRequest(),
		parseReq: opts.parseRequest(),
		parseGET: opts.parseGETRequest(),
		delim:    opts.delimiter(),
	}
}

// BridgeOptions are optional settings for a Bridge. A nil pointer is ready for
// use and provides default values as described.
type BridgeOptions struct {
	// Options for the bridge client (default nil).
	Client *jrpc2.ClientOptions

	// Options for the bridge server (default nil).
	Server *jrpc2.ServerOptions

	// If non-nil, this function is called to check the HTTP request.  If this
	// function reports an error, the request is rejected.
	//
	// Setting this hook disables the default requirement that the request
	// method be POST and the content-type be application/json.
	CheckRequest func(*http.Request) error

	// If non-nil, this function is called to parse JSON-RPC requests from the
	// HTTP request. If this function reports an error, the request fails.  By
	// default, the bridge uses jrpc2.ParseRequests on the HTTP request body.
	//
	// Setting this hook disables the default requirement that the request
	// method be POST and the content-type be application/json.
	ParseRequest func(*http.Request) ([]*jrpc2.ParsedRequest, error)

	// If non-nil, GET requests are dispatched through this hook as single
	// calls: it reports the method name and parameter value encoded by the
	// request URL. If nil, GET requests are rejected.
	ParseGETRequest func(*http.Request) (string, any, error)

	// Delimiter separates multiple JSON-RPC messages joined in a single POST
	// body, and joins their replies. Defaults to a newline.
	Delimiter string
}

func (o *BridgeOptions) clientOptions() *jrpc2.ClientOptions {
	if o == nil {
		return nil
	}
	return o.Client
}

func (o *BridgeOptions) serverOptions() *jrpc2.ServerOptions {
	if o == nil {
		return nil
	}
	return o.Server
}

func (o *BridgeOptions) checkRequest() func(*http.Request) error {
	if o == nil || o.CheckRequest == nil {
		return nil
	}
	return o.CheckRequest
}

func (o *BridgeOptions) parseRequest() func(*http.Request) ([]*jrpc2.ParsedRequest, error) {
	if o == nil || o.ParseRequest == nil {
		return nil
	}
	return o.ParseRequest
}

func (o *BridgeOptions) parseGETRequest() func(*http.Request) (string, any, error) {
	if o == nil || o.ParseGETRequest == nil {
		return nil
	}
	return o.ParseGETRequest
}

func (o *BridgeOptions) delimiter() []byte {
	if o == nil || o.Delimiter == "" {
		return []byte("\n")
	}
	return []byte(o.Delimiter)
}

type httpReqKey struct{}

// HTTPRequest returns the HTTP request associated with ctx, or nil. The
// context passed to the JSON-RPC client by the Bridge will contain this value.
func HTTPRequest(ctx context.Context) *http.Request {
	req, ok := ctx.Value(httpReqKey{}).(*http.Request)
	if ok {
		return req
	}
	return nil
}
