package main

import (
	"net/http"

	"moor/builtins"
	"moor/logging"
	"moor/rpc"
	"moor/server"
)

// serveHostRPC brings up the Host RPC websocket endpoint (spec.md
// §4.6/§6.1) and wires present()/unpresent() to it. Lives in cmd/moord
// rather than moor/server to avoid server importing rpc, which imports
// server for *server.Connection/*server.PipeTransport.
func serveHostRPC(srv *server.Server, addr string) {
	log := logging.Component("rpc")

	registry := rpc.NewRegistry()
	builtins.SetPresentationSink(registry)
	handler := rpc.NewHandler(srv, registry)

	mux := http.NewServeMux()
	mux.Handle("/rpc", handler)
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-srv.Done()
		httpSrv.Close()
	}()

	log.Info().Str("addr", addr).Msg("serving Host RPC")
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Host RPC server failed")
	}
}
