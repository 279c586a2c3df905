package pairing

import (
	"context"

	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"
)

// Transport is the pairing wire substrate: publish/lookup an Advertisement,
// and exchange the four handshake frames with a dialed peer. Swappable —
// the fasthttp-backed FasthttpTransport below is the default used by the
// mock/test harness; a production deployment supplies its own (DHT put/get
// plus mDNS, per spec.md §4.9) satisfying the same interface.
type Transport interface {
	Advertise(ctx context.Context, adv Advertisement) error
	Lookup(ctx context.Context, sessionID string) (Advertisement, bool, error)
	SendRequest(ctx context.Context, addr string, req Request) (Challenge, error)
	SendResponse(ctx context.Context, addr string, resp Response) (Complete, error)
}

// RequestHandler is implemented by whatever answers inbound Request frames
// (the Initiator side of FasthttpTransport.Serve) — normally a *Manager.
type RequestHandler interface {
	HandleRequest(ctx context.Context, req Request) (Challenge, error)
	HandleResponse(ctx context.Context, resp Response) (Complete, error)
}

// FasthttpTransport is the default Transport: a loopback HTTP exchange of
// msgpack-free, json-iterator-encoded frames over POST bodies, grounded on
// the teacher go.mod's direct github.com/valyala/fasthttp dependency (no
// pack repo exercises it directly, so this follows fasthttp's own
// idiomatic client/server split: fasthttp.Client.Do for outbound,
// fasthttp.Server+RequestHandler for inbound). Advertisements are held
// in-process rather than DHT/mDNS-published, matching spec.md §4.9's note
// that the wire substrate is abstracted — a production deployment swaps
// this for a real DHT/mDNS-backed Transport without touching Manager.
type FasthttpTransport struct {
	client *fasthttp.Client
	advs   map[string]Advertisement
	handler RequestHandler
}

func NewFasthttpTransport() *FasthttpTransport {
	return &FasthttpTransport{
		client: &fasthttp.Client{},
		advs:   make(map[string]Advertisement),
	}
}

// Serve registers the handler that answers inbound Request/Response frames
// — called once before the transport's HTTP server (owned by the caller,
// e.g. internal/library) starts routing to RequestHandlerFunc.
func (t *FasthttpTransport) Serve(h RequestHandler) { t.handler = h }

func (t *FasthttpTransport) Advertise(_ context.Context, adv Advertisement) error {
	t.advs[adv.SessionID] = adv
	return nil
}

func (t *FasthttpTransport) Lookup(_ context.Context, sessionID string) (Advertisement, bool, error) {
	adv, ok := t.advs[sessionID]
	return adv, ok, nil
}

func (t *FasthttpTransport) SendRequest(ctx context.Context, addr string, req Request) (Challenge, error) {
	var ch Challenge
	if err := t.roundTrip(ctx, addr+"/pairing/request", req, &ch); err != nil {
		return ch, err
	}
	return ch, nil
}

func (t *FasthttpTransport) SendResponse(ctx context.Context, addr string, resp Response) (Complete, error) {
	var c Complete
	if err := t.roundTrip(ctx, addr+"/pairing/response", resp, &c); err != nil {
		return c, err
	}
	return c, nil
}

func (t *FasthttpTransport) roundTrip(_ context.Context, url string, body, out interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "pairing: marshal request")
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(b)

	if err := t.client.Do(req, resp); err != nil {
		return errors.Wrapf(err, "pairing: dial %s", url)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return errors.Errorf("pairing: %s returned status %d", url, resp.StatusCode())
	}
	return json.Unmarshal(resp.Body(), out)
}

// RequestHandlerFunc adapts t's registered Manager to fasthttp's
// RequestHandler signature, routing by path.
func (t *FasthttpTransport) RequestHandlerFunc() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if t.handler == nil {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			return
		}
		switch string(ctx.Path()) {
		case "/pairing/request":
			var req Request
			if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
				ctx.SetStatusCode(fasthttp.StatusBadRequest)
				return
			}
			challenge, err := t.handler.HandleRequest(ctx, req)
			writeJSONResponse(ctx, challenge, err)
		case "/pairing/response":
			var resp Response
			if err := json.Unmarshal(ctx.PostBody(), &resp); err != nil {
				ctx.SetStatusCode(fasthttp.StatusBadRequest)
				return
			}
			complete, err := t.handler.HandleResponse(ctx, resp)
			writeJSONResponse(ctx, complete, err)
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}
}

func writeJSONResponse(ctx *fasthttp.RequestCtx, v interface{}, err error) {
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetBodyString(err.Error())
		return
	}
	b, merr := json.Marshal(v)
	if merr != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(b)
}
