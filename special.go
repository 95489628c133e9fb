package jrpc2

import "context"

// rpcServerInfo is the built-in method name that reports server vitals.
const rpcServerInfo = "rpc.serverInfo"

// methodFunc adapts a function having the correct signature to a Handler. It
// exists alongside the Handler type itself so built-in method assignment in
// assign reads the same way as a user Assigner would write it.
type methodFunc = Handler

// handleRPCServerInfo handles the built-in rpc.serverInfo method, which
// requests a snapshot of server vitals. It takes no parameters.
func (s *Server) handleRPCServerInfo(ctx context.Context, req *Request) (any, error) {
	return s.ServerInfo(), nil
}
