package library

import (
	"context"

	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"

	"github.com/NVIDIA/syncmesh/internal/syncpeer"
)

const headerDeviceUUID = "X-Syncmesh-Device-Uuid"

// HTTPSyncTransport is the default syncpeer.Transport: a loopback-or-LAN
// HTTP POST of the msgpack-framed Envelope body, grounded on
// internal/pairing's FasthttpTransport (same client/server split, same
// library dependency) rather than introducing a second wire substrate for
// what is, from fasthttp's point of view, an identical opaque-body POST.
type HTTPSyncTransport struct {
	client  *fasthttp.Client
	local   string
	book    *addressBook
	handler syncpeer.Handler
}

func NewHTTPSyncTransport(localDeviceUUID string, book *addressBook) *HTTPSyncTransport {
	return &HTTPSyncTransport{client: &fasthttp.Client{}, local: localDeviceUUID, book: book}
}

// Serve registers the Engine that answers inbound envelopes.
func (t *HTTPSyncTransport) Serve(h syncpeer.Handler) { t.handler = h }

func (t *HTTPSyncTransport) SendSyncMessage(ctx context.Context, targetDeviceUUID string, env syncpeer.Envelope) error {
	addr, ok := t.book.Get(targetDeviceUUID)
	if !ok {
		return errors.Errorf("library: no known address for device %s", targetDeviceUUID)
	}
	body, err := syncpeer.EncodeEnvelope(env)
	if err != nil {
		return errors.Wrap(err, "library: encode envelope")
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(addr + "/sync/envelope")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set(headerDeviceUUID, t.local)
	req.SetBody(body)

	if err := t.client.Do(req, resp); err != nil {
		return errors.Wrapf(err, "library: dial sync peer %s", addr)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return errors.Errorf("library: sync peer %s returned status %d", addr, resp.StatusCode())
	}
	return nil
}

func (t *HTTPSyncTransport) GetConnectedSyncPartners() []string { return t.book.Known() }

func (t *HTTPSyncTransport) IsDeviceReachable(deviceUUID string) bool {
	_, ok := t.book.Get(deviceUUID)
	return ok
}

// RequestHandlerFunc answers POST /sync/envelope, decoding the body and
// dispatching it to the registered Engine.
func (t *HTTPSyncTransport) RequestHandlerFunc() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if t.handler == nil {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			return
		}
		fromDevice := string(ctx.Request.Header.Peek(headerDeviceUUID))
		env, err := syncpeer.DecodeEnvelope(ctx.PostBody())
		if err != nil {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			return
		}
		if err := t.handler.HandleEnvelope(ctx, fromDevice, env); err != nil {
			ctx.SetStatusCode(fasthttp.StatusInternalServerError)
			ctx.SetBodyString(err.Error())
			return
		}
		ctx.SetStatusCode(fasthttp.StatusOK)
	}
}
