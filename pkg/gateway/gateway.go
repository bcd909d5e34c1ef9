// Package gateway exposes the runtime over HTTP: instance creation, event
// submission, broadcasts, instance queries, health, Prometheus metrics and
// a websocket lifecycle stream.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/fluxorio/machina/pkg/core"
	"github.com/fluxorio/machina/pkg/model"
	obs "github.com/fluxorio/machina/pkg/observability/prometheus"
	"github.com/fluxorio/machina/pkg/registry"
	"github.com/fluxorio/machina/pkg/runtime"
)

const requestTimeout = 10 * time.Second

const requestIDKey = "requestID"

// Gateway is the HTTP ingress over a component registry.
type Gateway struct {
	registry  *registry.ComponentRegistry
	logger    core.Logger
	jwtSecret []byte
	hub       *Hub

	metricsHandler fasthttp.RequestHandler

	server   *fasthttp.Server
	wsServer *wsServer
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets a custom logger.
func WithLogger(logger core.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithJWTSecret enables bearer-token auth on all routes except /healthz and
// /metrics.
func WithJWTSecret(secret string) Option {
	return func(g *Gateway) {
		if secret != "" {
			g.jwtSecret = []byte(secret)
		}
	}
}

// New creates a gateway over the registry.
func New(reg *registry.ComponentRegistry, opts ...Option) *Gateway {
	g := &Gateway{
		registry: reg,
		logger:   core.NewDefaultLogger(),
		metricsHandler: fasthttpadaptor.NewFastHTTPHandler(
			promhttp.HandlerFor(obs.DefaultRegistry, promhttp.HandlerOpts{})),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.hub = NewHub(g.logger)
	return g
}

// Hub returns the websocket hub; runtimes are attached to it so their
// lifecycle events reach stream subscribers.
func (g *Gateway) Hub() *Hub { return g.hub }

// Attach subscribes the hub to a runtime's lifecycle notifications.
func (g *Gateway) Attach(rt *runtime.Runtime) {
	rt.Subscribe(g.hub.Publish)
}

// ListenAndServe starts the REST listener on addr and, when wsAddr is not
// empty, the websocket stream listener. Blocks until the REST listener
// stops.
func (g *Gateway) ListenAndServe(addr, wsAddr string) error {
	if wsAddr != "" {
		g.wsServer = newWSServer(g.hub, g.logger, g.jwtSecret)
		go func() {
			if err := g.wsServer.listen(wsAddr); err != nil {
				g.logger.Errorf("websocket listener failed: %v", err)
			}
		}()
	}

	g.server = &fasthttp.Server{
		Handler:            g.Handler,
		Name:               "machina",
		ReadTimeout:        requestTimeout,
		WriteTimeout:       requestTimeout,
		MaxRequestBodySize: 1 << 20,
	}
	g.logger.Infof("gateway listening on %s", addr)
	return g.server.ListenAndServe(addr)
}

// Shutdown stops both listeners.
func (g *Gateway) Shutdown() error {
	if g.wsServer != nil {
		g.wsServer.shutdown()
	}
	g.hub.Close()
	if g.server != nil {
		return g.server.Shutdown()
	}
	return nil
}

// Handler routes one request. Exposed for tests.
func (g *Gateway) Handler(ctx *fasthttp.RequestCtx) {
	requestID := string(ctx.Request.Header.Peek("X-Request-ID"))
	if requestID == "" {
		requestID = core.GenerateRequestID()
	}
	ctx.Response.Header.Set("X-Request-ID", requestID)
	ctx.SetUserValue(requestIDKey, requestID)

	path := string(ctx.Path())
	method := string(ctx.Method())

	switch {
	case path == "/healthz" && method == fasthttp.MethodGet:
		g.handleHealth(ctx)
		return
	case path == "/metrics" && method == fasthttp.MethodGet:
		g.metricsHandler(ctx)
		return
	}

	if !g.authorize(ctx) {
		return
	}

	segments := splitPath(path)
	switch {
	case method == fasthttp.MethodPost && len(segments) == 5 &&
		segments[0] == "components" && segments[2] == "machines" && segments[4] == "instances":
		g.handleCreateInstance(ctx, segments[1], segments[3])

	case method == fasthttp.MethodPost && len(segments) == 3 &&
		segments[0] == "instances" && segments[2] == "events":
		g.handleSendEvent(ctx, segments[1])

	case method == fasthttp.MethodPost && len(segments) == 3 &&
		segments[0] == "components" && segments[2] == "broadcast":
		g.handleBroadcast(ctx, segments[1])

	case method == fasthttp.MethodGet && len(segments) == 2 && segments[0] == "instances":
		g.handleGetInstance(ctx, segments[1])

	case method == fasthttp.MethodGet && len(segments) == 3 &&
		segments[0] == "components" && segments[2] == "instances":
		g.handleListInstances(ctx, segments[1])

	case method == fasthttp.MethodGet && len(segments) == 1 && segments[0] == "components":
		g.handleListComponents(ctx)

	default:
		writeError(ctx, fasthttp.StatusNotFound, "no such route")
	}
}

// requestContext builds the context runtime calls await on. fasthttp recycles
// RequestCtx and its Done channel is nil, so the context is derived from
// context.Background with the request timeout, carrying only the request id.
func requestContext(ctx *fasthttp.RequestCtx) (context.Context, context.CancelFunc) {
	rctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	if id, ok := ctx.UserValue(requestIDKey).(string); ok {
		rctx = core.WithRequestID(rctx, id)
	}
	return rctx, cancel
}

func splitPath(path string) []string {
	var out []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (g *Gateway) authorize(ctx *fasthttp.RequestCtx) bool {
	if g.jwtSecret == nil {
		return true
	}
	header := string(ctx.Request.Header.Peek("Authorization"))
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		writeError(ctx, fasthttp.StatusUnauthorized, "missing bearer token")
		return false
	}
	_, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.jwtSecret, nil
	})
	if err != nil {
		writeError(ctx, fasthttp.StatusUnauthorized, "invalid token")
		return false
	}
	return true
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, map[string]interface{}{
		"status":     "ok",
		"components": g.registry.Components(),
	})
}

type createInstanceRequest struct {
	Context map[string]interface{} `json:"context"`
}

func (g *Gateway) handleCreateInstance(ctx *fasthttp.RequestCtx, component, machine string) {
	rt, ok := g.registry.Get(component)
	if !ok {
		writeError(ctx, fasthttp.StatusNotFound, fmt.Sprintf("component %q not found", component))
		return
	}
	var req createInstanceRequest
	if len(ctx.PostBody()) > 0 {
		if err := core.JSONDecode(ctx.PostBody(), &req); err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, "malformed body")
			return
		}
	}

	rctx, cancel := requestContext(ctx)
	defer cancel()
	id, err := rt.CreateInstanceSync(rctx, machine, req.Context, nil)
	if err != nil {
		writeRuntimeError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusCreated, map[string]interface{}{"instanceId": id})
}

type sendEventRequest struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

func (g *Gateway) handleSendEvent(ctx *fasthttp.RequestCtx, instanceID string) {
	var req sendEventRequest
	if err := core.JSONDecode(ctx.PostBody(), &req); err != nil || req.Type == "" {
		writeError(ctx, fasthttp.StatusBadRequest, "body requires an event type")
		return
	}

	rt, _, ok := g.registry.FindInstance(instanceID)
	if !ok {
		writeError(ctx, fasthttp.StatusNotFound, fmt.Sprintf("instance %q not found", instanceID))
		return
	}
	rctx, cancel := requestContext(ctx)
	defer cancel()
	event := &model.Event{Type: req.Type, Payload: req.Payload, Timestamp: time.Now()}
	if err := rt.SendEvent(instanceID, event).Await(rctx); err != nil {
		writeRuntimeError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusAccepted, map[string]interface{}{"delivered": true})
}

type broadcastRequest struct {
	MachineName string                 `json:"machineName"`
	State       string                 `json:"state"`
	Type        string                 `json:"type"`
	Payload     map[string]interface{} `json:"payload"`
}

func (g *Gateway) handleBroadcast(ctx *fasthttp.RequestCtx, component string) {
	rt, ok := g.registry.Get(component)
	if !ok {
		writeError(ctx, fasthttp.StatusNotFound, fmt.Sprintf("component %q not found", component))
		return
	}
	var req broadcastRequest
	if err := core.JSONDecode(ctx.PostBody(), &req); err != nil || req.Type == "" || req.MachineName == "" {
		writeError(ctx, fasthttp.StatusBadRequest, "body requires machineName and event type")
		return
	}

	rctx, cancel := requestContext(ctx)
	defer cancel()
	event := &model.Event{Type: req.Type, Payload: req.Payload, Timestamp: time.Now()}
	res, count := rt.BroadcastEvent(req.MachineName, req.State, event)
	if err := res.Await(rctx); err != nil {
		writeRuntimeError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"receivers": *count})
}

func (g *Gateway) handleGetInstance(ctx *fasthttp.RequestCtx, instanceID string) {
	_, inst, ok := g.registry.FindInstance(instanceID)
	if !ok {
		writeError(ctx, fasthttp.StatusNotFound, fmt.Sprintf("instance %q not found", instanceID))
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, inst)
}

func (g *Gateway) handleListInstances(ctx *fasthttp.RequestCtx, component string) {
	rt, ok := g.registry.Get(component)
	if !ok {
		writeError(ctx, fasthttp.StatusNotFound, fmt.Sprintf("component %q not found", component))
		return
	}
	machine := string(ctx.QueryArgs().Peek("machine"))
	state := string(ctx.QueryArgs().Peek("state"))
	instances := rt.ListInstances(machine, state)
	if instances == nil {
		instances = []*model.FSMInstance{}
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"instances": instances})
}

func (g *Gateway) handleListComponents(ctx *fasthttp.RequestCtx) {
	names := g.registry.Components()
	out := make([]map[string]interface{}, 0, len(names))
	for _, name := range names {
		rt, ok := g.registry.Get(name)
		if !ok {
			continue
		}
		stats := rt.Stats()
		out = append(out, map[string]interface{}{
			"name":          name,
			"machines":      rt.Component().MachineNames(),
			"entryMachine":  rt.Component().EntryMachine,
			"transitions":   stats.Transitions,
			"ignoredEvents": stats.IgnoredEvents,
		})
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"components": out})
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, body interface{}) {
	data, err := core.JSONEncode(body)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}

func writeError(ctx *fasthttp.RequestCtx, status int, message string) {
	writeJSON(ctx, status, map[string]interface{}{"error": message})
}

func writeRuntimeError(ctx *fasthttp.RequestCtx, err error) {
	status := fasthttp.StatusInternalServerError
	switch {
	case runtime.IsCode(err, runtime.ErrorCodeUnknownInstance),
		runtime.IsCode(err, runtime.ErrorCodeUnknownMachine),
		runtime.IsCode(err, runtime.ErrorCodeUnknownComponent):
		status = fasthttp.StatusNotFound
	case runtime.IsCode(err, runtime.ErrorCodeInvalidState):
		status = fasthttp.StatusConflict
	case runtime.IsCode(err, runtime.ErrorCodeStopped):
		status = fasthttp.StatusServiceUnavailable
	}
	writeError(ctx, status, err.Error())
}
