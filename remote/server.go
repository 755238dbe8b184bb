// Package remote serves the keyword library over the Robot Framework remote
// library protocol, XML-RPC over HTTP.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/timzifer/aardvark/args"
	"github.com/timzifer/aardvark/library"
	"github.com/timzifer/aardvark/telemetry"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"

	stopKeyword = "stop_remote_server"

	faultMalformed = 1
	faultMethod    = 2
	faultParams    = 3

	maxRequestSize  = 1 << 20
	shutdownTimeout = 5 * time.Second
)

// Server dispatches remote protocol calls to the keyword library.
type Server struct {
	logger    zerolog.Logger
	collector telemetry.Collector
	gatherer  prometheus.Gatherer
	allowStop bool

	// Keyword runs are serialized, the library keeps a single current adapter.
	mu       sync.Mutex
	keywords []*keyword
	byName   map[string]*keyword

	stopOnce sync.Once
	stopped  chan struct{}
}

// Option customises a Server.
type Option func(*Server)

// WithLogger sets the process logger keyword messages are forwarded to.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithCollector installs a telemetry collector for keyword timings.
func WithCollector(collector telemetry.Collector) Option {
	return func(s *Server) {
		if collector != nil {
			s.collector = collector
		}
	}
}

// WithMetrics exposes the gatherer's metrics on /metrics.
func WithMetrics(gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = gatherer
	}
}

// WithAllowStop lets clients stop the server with stop_remote_server.
func WithAllowStop(allow bool) Option {
	return func(s *Server) {
		s.allowStop = allow
	}
}

// NewServer creates a server for lib.
func NewServer(lib *library.Library, opts ...Option) (*Server, error) {
	if lib == nil {
		return nil, errors.New("remote: library must not be nil")
	}
	s := &Server{
		logger:    zerolog.Nop(),
		collector: telemetry.Noop(),
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.keywords = append(libraryKeywords(lib), &keyword{
		name: stopKeyword,
		doc:  "Stops the remote server if stopping is allowed by its configuration.",
		run:  s.runStop,
	})
	s.byName = make(map[string]*keyword, len(s.keywords))
	for _, kw := range s.keywords {
		s.byName[normalizeName(kw.name)] = kw
	}
	return s, nil
}

// Stopped is closed once a client stopped the server.
func (s *Server) Stopped() <-chan struct{} {
	return s.stopped
}

// Handler returns the HTTP handler serving the protocol, /healthz and, when a
// gatherer was configured, /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRPC)
	mux.HandleFunc("/RPC2", s.handleRPC)
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Serve accepts connections on ln until ctx is canceled or a client stops
// the server. Both cases return nil.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info().Str("listen", ln.Addr().String()).Msg("remote server started")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	case <-s.stopped:
		s.logger.Info().Msg("remote server stopped by client")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown remote server: %w", err)
	}
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok\n")
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/RPC2" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	method, params, err := decodeCall(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		s.logger.Warn().Err(err).Msg("rejecting remote call")
		writeXML(w, encodeFault(faultMalformed, err.Error()))
		return
	}
	result, f := s.dispatch(r.Context(), method, params)
	if f != nil {
		writeXML(w, encodeFault(f.code, f.message))
		return
	}
	body, err := encodeResponse(result)
	if err != nil {
		s.logger.Error().Err(err).Str("method", method).Msg("encode remote response")
		writeXML(w, encodeFault(faultMalformed, err.Error()))
		return
	}
	writeXML(w, body)
}

func writeXML(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write(body)
}

type fault struct {
	code    int
	message string
}

func faultf(code int, format string, a ...any) *fault {
	return &fault{code: code, message: fmt.Sprintf(format, a...)}
}

func (s *Server) dispatch(ctx context.Context, method string, params []any) (any, *fault) {
	switch method {
	case "get_keyword_names":
		names := make([]string, len(s.keywords))
		for i, kw := range s.keywords {
			names[i] = kw.name
		}
		return names, nil
	case "get_library_information":
		info := make(map[string]any, len(s.keywords)+1)
		info["__intro__"] = map[string]any{"doc": libraryIntro}
		for _, kw := range s.keywords {
			info[kw.name] = map[string]any{
				"args":  kw.argSpecs(),
				"doc":   kw.doc,
				"tags":  tagsOf(kw),
				"types": []any{},
			}
		}
		return info, nil
	case "run_keyword":
		return s.runKeywordCall(ctx, params)
	case "get_keyword_arguments", "get_keyword_documentation", "get_keyword_tags", "get_keyword_types":
		if len(params) != 1 {
			return nil, faultf(faultParams, "%s expects 1 argument, got %d", method, len(params))
		}
		name, ok := params[0].(string)
		if !ok {
			return nil, faultf(faultParams, "keyword name must be a string")
		}
		return s.describe(method, name)
	case stopKeyword:
		out, _ := s.runStop(ctx, nil)
		return out, nil
	default:
		return nil, faultf(faultMethod, "method %q is not supported", method)
	}
}

func (s *Server) describe(method, name string) (any, *fault) {
	if method == "get_keyword_documentation" {
		switch name {
		case "__intro__":
			return libraryIntro, nil
		case "__init__":
			return "", nil
		}
	}
	kw := s.byName[normalizeName(name)]
	if kw == nil {
		return nil, faultf(faultParams, "No keyword with name '%s' found.", name)
	}
	switch method {
	case "get_keyword_arguments":
		return kw.argSpecs(), nil
	case "get_keyword_documentation":
		return kw.doc, nil
	case "get_keyword_tags":
		return tagsOf(kw), nil
	default:
		return []any{}, nil
	}
}

func tagsOf(kw *keyword) []string {
	if kw.tags == nil {
		return []string{}
	}
	return kw.tags
}

func (s *Server) runKeywordCall(ctx context.Context, params []any) (any, *fault) {
	if len(params) < 1 || len(params) > 3 {
		return nil, faultf(faultParams, "run_keyword expects 1 to 3 arguments, got %d", len(params))
	}
	name, ok := params[0].(string)
	if !ok {
		return nil, faultf(faultParams, "keyword name must be a string")
	}
	var positional []any
	if len(params) > 1 {
		switch raw := params[1].(type) {
		case []any:
			positional = raw
		case nil:
		default:
			return nil, faultf(faultParams, "keyword arguments must be an array")
		}
	}
	var named map[string]any
	if len(params) > 2 {
		switch raw := params[2].(type) {
		case map[string]any:
			named = raw
		case nil:
		default:
			return nil, faultf(faultParams, "named keyword arguments must be a struct")
		}
	}
	return s.RunKeyword(ctx, name, positional, named), nil
}

// RunKeyword runs one keyword and returns the remote protocol result struct.
// Keyword failures, including panics, are reported in the result.
func (s *Server) RunKeyword(ctx context.Context, name string, positional []any, named map[string]any) map[string]any {
	kw := s.byName[normalizeName(name)]
	if kw == nil {
		return failure("", fmt.Errorf("No keyword with name '%s' found.", name), "")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	capture := newCapture(kw.name, s.logger)
	ctx = capture.logger().WithContext(ctx)
	start := time.Now()
	ret, trace, err := s.invoke(ctx, kw, positional, named)
	status := statusPass
	if err != nil {
		status = statusFail
		s.logger.Debug().Err(err).Str("keyword", kw.name).Msg("keyword failed")
	}
	s.collector.ObserveKeyword(kw.name, status, time.Since(start))

	if err != nil {
		return failure(capture.output(), err, trace)
	}
	return map[string]any{
		"status": statusPass,
		"output": capture.output(),
		"return": returnValue(ret),
	}
}

func (s *Server) invoke(ctx context.Context, kw *keyword, positional []any, named map[string]any) (ret any, trace string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("keyword %s panicked: %v", kw.name, r)
			trace = string(debug.Stack())
			s.logger.Error().Str("keyword", kw.name).Interface("panic", r).Msg("keyword panicked")
		}
	}()
	values, err := toValues(positional)
	if err != nil {
		return nil, "", err
	}
	namedValues := make(map[string]args.Value, len(named))
	for key, raw := range named {
		v, err := toValue(raw)
		if err != nil {
			return nil, "", fmt.Errorf("argument '%s': %w", key, err)
		}
		namedValues[key] = v
	}
	c, err := bind(kw.params, values, namedValues)
	if err != nil {
		return nil, "", fmt.Errorf("keyword '%s' %w", kw.name, err)
	}
	ret, err = kw.run(ctx, c)
	return ret, "", err
}

func failure(output string, err error, trace string) map[string]any {
	return map[string]any{
		"status":    statusFail,
		"output":    output,
		"return":    "",
		"error":     err.Error(),
		"traceback": trace,
	}
}

// returnValue maps keyword results onto XML-RPC values: integers stay
// integers, byte slices become integer arrays, no value is an empty string.
func returnValue(v any) any {
	switch val := v.(type) {
	case nil:
		return ""
	case int:
		return int64(val)
	default:
		return v
	}
}

func (s *Server) runStop(ctx context.Context, _ *call) (any, error) {
	if !s.allowStop {
		zerolog.Ctx(ctx).Warn().Msg("Remote server does not allow stopping.")
		return false, nil
	}
	zerolog.Ctx(ctx).Info().Msg("Stopping remote server.")
	s.stopOnce.Do(func() { close(s.stopped) })
	return true, nil
}
