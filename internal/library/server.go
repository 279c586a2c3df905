package library

import (
	"github.com/valyala/fasthttp"
)

// muxServer fronts the three HTTP surfaces a paired device dials into:
// pairing handshake frames, sync envelopes, and bulk file transfer bodies.
// One fasthttp.Server multiplexing by path, rather than three listeners,
// since every peer only ever needs one dial address per device.
type muxServer struct {
	pairing  fasthttp.RequestHandler
	sync     fasthttp.RequestHandler
	transfer fasthttp.RequestHandler
	srv      *fasthttp.Server
}

func newMuxServer(pairing, sync, transfer fasthttp.RequestHandler) *muxServer {
	m := &muxServer{pairing: pairing, sync: sync, transfer: transfer}
	m.srv = &fasthttp.Server{
		Handler:           m.route,
		StreamRequestBody: true, // xfer/file bodies are streamed straight to the backend, never fully buffered
	}
	return m
}

func (m *muxServer) route(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/pairing/request", "/pairing/response":
		m.pairing(ctx)
	case "/sync/envelope":
		m.sync(ctx)
	case "/xfer/file":
		m.transfer(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

// ListenAndServe blocks serving addr; callers run it in its own goroutine.
func (m *muxServer) ListenAndServe(addr string) error {
	return m.srv.ListenAndServe(addr)
}

func (m *muxServer) Shutdown() error {
	return m.srv.Shutdown()
}
