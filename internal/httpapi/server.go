// Package httpapi is the HTTP adapter shell of spec.md §6.1: routing, content
// negotiation on /read, and error-status mapping. Router + middleware chaining is
// grounded on services/control-plane/coordinator/main.go (the only file in the
// teacher tree using gorilla/mux: mux.NewRouter(), per-route .Methods(...),
// withRequestLogging(withCORS(withAuth(r))) chaining, graceful shutdown). Content
// negotiation and the NDJSON error frame are grounded on
// services/gateway/api/handlers/live_stream.go's SSE framing idiom, adapted to
// bare NDJSON lines, and services/gateway/api/router.go's writeError/methodOnly
// helper shapes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/Ap3pp3rs94/factgraph-replicator/internal/authz"
	"github.com/Ap3pp3rs94/factgraph-replicator/internal/compiler"
	"github.com/Ap3pp3rs94/factgraph-replicator/internal/feed"
	"github.com/Ap3pp3rs94/factgraph-replicator/internal/purge"
	"github.com/Ap3pp3rs94/factgraph-replicator/internal/store"
	"github.com/Ap3pp3rs94/factgraph-replicator/pkg/canonical"
	apierrors "github.com/Ap3pp3rs94/factgraph-replicator/pkg/errors"
	"github.com/Ap3pp3rs94/factgraph-replicator/pkg/telemetry"
)

type ctxKey int

const identityCtxKey ctxKey = iota

// WithIdentity injects the upstream-authenticated identity into the request
// context (spec.md §6.1: "User identity comes from an upstream authenticator and
// is injected into the request context; absent, the request is anonymous").
func WithIdentity(ctx context.Context, identity authz.Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey, identity)
}

func identityFromContext(ctx context.Context) (authz.Identity, bool) {
	id, ok := ctx.Value(identityCtxKey).(authz.Identity)
	return id, ok
}

// Server wires every §4 component behind the HTTP surface of §6.1.
type Server struct {
	Store      store.Store
	Authz      *authz.Engine
	Dist       *authz.DistributionEngine
	DistCache  *authz.DistributedFactCache
	Keystore   authz.Keystore
	Feeds      *feed.Engine
	Purge      *purge.Engine
	Executor   *Executor
	Notifier   *feed.Notifier
	Log        *telemetry.Logger
	Meter      telemetry.Meter
	RequestTTL time.Duration

	// Schema names the single schema this server instance serves (spec.md §6.2),
	// reported in /health. Set by the caller after NewServer; empty is legal.
	Schema string
}

func NewServer(st store.Store, authzEngine *authz.Engine, dist *authz.DistributionEngine, distCache *authz.DistributedFactCache, keystore authz.Keystore, feeds *feed.Engine, purgeEngine *purge.Engine, log *telemetry.Logger) *Server {
	if log == nil {
		log = telemetry.NewDefaultLogger(io.Discard, "factgraph-replicator")
	}
	return &Server{
		Store:     st,
		Authz:     authzEngine,
		Dist:      dist,
		DistCache: distCache,
		Keystore:  keystore,
		Feeds:     feeds,
		Purge:     purgeEngine,
		Executor:  NewExecutor(st),
		Log:       log,
		Meter:     telemetry.NopMeterInstance,
	}
}

// Router builds the mux.Router for every route in spec.md §6.1's table.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/login", s.handleLogin).Methods(http.MethodGet)
	r.HandleFunc("/load", s.handleLoad).Methods(http.MethodPost)
	r.HandleFunc("/save", s.handleSave).Methods(http.MethodPost)
	r.HandleFunc("/read", s.handleRead).Methods(http.MethodPost)
	r.HandleFunc("/read", s.handleReadOptions).Methods(http.MethodOptions)
	r.HandleFunc("/write", s.handleWrite).Methods(http.MethodPost)
	r.HandleFunc("/feeds", s.handleRegisterFeeds).Methods(http.MethodPost)
	r.HandleFunc("/feeds/{hash}", s.handlePollFeed).Methods(http.MethodGet)
	if s.Notifier != nil {
		r.HandleFunc("/feeds/{hash}/notify", s.handleFeedNotify).Methods(http.MethodGet)
	}
	return s.withRequestLogging(withIdentityHeader(r))
}

// withIdentityHeader is the replacement for an upstream authenticator in this
// standalone server: it reads X-User-Provider/X-User-Subject headers, if present,
// and injects the resulting authz.Identity, mirroring the teacher's X-Principal
// header convention in services/control-plane/coordinator/main.go's withAuth.
func withIdentityHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		provider := strings.TrimSpace(r.Header.Get("X-User-Provider"))
		subject := strings.TrimSpace(r.Header.Get("X-User-Subject"))
		if provider != "" && subject != "" {
			r = r.WithContext(WithIdentity(r.Context(), authz.Identity{Provider: provider, Subject: subject}))
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder wraps a ResponseWriter to capture the status code for request
// metrics and logging, since the stdlib gives no way to read it back afterward.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// withRequestLogging logs every request (grounded on services/control-plane's
// withRequestLogging middleware) and, via s.Meter, emits the http_requests_total
// counter and the http_request_duration_seconds histogram.
// s.Meter defaults to telemetry.NopMeterInstance, so an unconfigured server pays
// only the label-normalization cost, never a nil panic.
func (s *Server) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-Id")
		if sc, ok := telemetry.SpanContextFromContext(r.Context()); !ok || sc.TraceID == "" {
			r = r.WithContext(telemetry.ContextWithSpanContext(r.Context(), telemetry.SpanContext{TraceID: requestID}))
		}

		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sr, r)
		elapsed := time.Since(start)

		s.Log.Info(r.Context(), "request", map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      sr.status,
			"duration_ms": elapsed.Milliseconds(),
			"request_id":  requestID,
		})

		labels := telemetry.Labels{
			"method": strings.ToLower(r.Method),
			"route":  routeTemplate(r.URL.Path),
			"status": fmt.Sprintf("%d", sr.status),
		}
		_ = telemetry.IncCounter(s.Meter, r.Context(), "http_requests_total", 1, labels)
		_ = telemetry.ObserveHistogram(s.Meter, r.Context(), "http_request_duration_seconds", elapsed.Seconds(), telemetry.DefaultHistogramBuckets(), labels)
	})
}

// routeTemplate collapses the /feeds/{hash} and /feeds/{hash}/notify routes to
// their path templates so the "route" label has one value per route, not one per
// feed hash polled -- this middleware wraps the mux.Router from the outside
// (mux.CurrentRoute only resolves once a request has already been routed), so the
// template is derived by a direct prefix match against the fixed route table in
// Router() instead.
func routeTemplate(path string) string {
	switch {
	case path == "/health", path == "/login", path == "/load", path == "/save",
		path == "/read", path == "/write", path == "/feeds":
		return path
	case strings.HasSuffix(path, "/notify") && strings.HasPrefix(path, "/feeds/"):
		return "/feeds/{hash}/notify"
	case strings.HasPrefix(path, "/feeds/"):
		return "/feeds/{hash}"
	default:
		return "other"
	}
}

// handleHealth probes the store and keystore with read-only calls and reports the
// result as a telemetry.HealthSnapshot (adapted from the teacher's multi-tenant
// health.go to this replicator's single-schema domain, spec.md §6.2).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	comps := make([]telemetry.ComponentStatus, 0, 2)

	if s.Store != nil {
		comps = append(comps, storeHealthComponent(r.Context(), s.Store, now))
	}
	if s.Keystore != nil {
		comps = append(comps, keystoreHealthComponent(r.Context(), s.Keystore, now))
	}

	snapshot, err := telemetry.NewHealthSnapshot("factgraph-replicator", "", s.Schema, comps, now)
	if err != nil {
		s.writeUnexpected(w, r, err)
		return
	}

	status := http.StatusOK
	if snapshot.Overall == telemetry.StatusFatal {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, snapshot)
}

func storeHealthComponent(ctx context.Context, st store.Store, now time.Time) telemetry.ComponentStatus {
	// __healthcheck__ never names a real fact type; a lookup miss still proves the
	// store round-trips queries without touching any real data.
	_, err := st.FactsOfType(ctx, "__healthcheck__")
	if err != nil {
		return telemetry.ComponentStatus{
			Name:      "store",
			Status:    telemetry.StatusFatal,
			CheckedAt: now,
			Message:   err.Error(),
		}
	}
	return telemetry.ComponentStatus{
		Name:      "store",
		Status:    telemetry.StatusOK,
		CheckedAt: now,
	}
}

func keystoreHealthComponent(ctx context.Context, ks authz.Keystore, now time.Time) telemetry.ComponentStatus {
	// A lookup for an identity that will never have been provisioned is read-only
	// (GetUserFact never creates); a clean miss or hit both prove the keystore answers.
	_, _, err := ks.GetUserFact(ctx, authz.Identity{Provider: "healthcheck", Subject: "healthcheck"})
	if err != nil {
		return telemetry.ComponentStatus{
			Name:      "keystore",
			Status:    telemetry.StatusFatal,
			CheckedAt: now,
			Message:   err.Error(),
		}
	}
	return telemetry.ComponentStatus{
		Name:      "keystore",
		Status:    telemetry.StatusOK,
		CheckedAt: now,
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		s.writeError(w, r, apierrors.Forbidden, "no authenticated user", http.StatusUnauthorized)
		return
	}
	env, err := s.Keystore.GetOrCreateUserFact(r.Context(), identity)
	if err != nil {
		s.writeUnexpected(w, r, err)
		return
	}
	ref, err := env.Fact.Reference()
	if err != nil {
		s.writeUnexpected(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"userFact": ref,
		"profile":  map[string]any{"provider": identity.Provider, "subject": identity.Subject},
	})
}

type loadRequest struct {
	References []canonical.FactReference `json:"references"`
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeInvalidInput(w, r, err)
		return
	}

	identity, hasIdentity := identityFromContext(r.Context())
	var userRef *canonical.FactReference
	if hasIdentity {
		env, err := s.Keystore.GetOrCreateUserFact(r.Context(), identity)
		if err != nil {
			s.writeUnexpected(w, r, err)
			return
		}
		ref, err := env.Fact.Reference()
		if err != nil {
			s.writeUnexpected(w, r, err)
			return
		}
		userRef = &ref
	}

	facts := make([]canonical.Fact, 0, len(req.References))
	for _, ref := range req.References {
		if userRef != nil && s.DistCache != nil && !s.DistCache.Allowed(ref, *userRef) {
			s.writeError(w, r, apierrors.Forbidden, fmt.Sprintf("reference %s is not distributed to this user", ref), http.StatusForbidden)
			return
		}
		row, found, err := s.Store.FactRecord(r.Context(), ref)
		if err != nil {
			s.writeUnexpected(w, r, err)
			return
		}
		if !found {
			continue
		}
		facts = append(facts, row.Fact())
	}
	writeJSON(w, http.StatusOK, map[string]any{"facts": facts})
}

type saveRequest struct {
	Facts []canonical.Envelope `json:"facts"`
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	var req saveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeInvalidInput(w, r, err)
		return
	}

	identity, hasIdentity := identityFromContext(r.Context())
	var signerRef *canonical.FactReference
	if hasIdentity {
		env, err := s.Keystore.GetOrCreateUserFact(r.Context(), identity)
		if err != nil {
			s.writeUnexpected(w, r, err)
			return
		}
		ref, err := env.Fact.Reference()
		if err != nil {
			s.writeUnexpected(w, r, err)
			return
		}
		signerRef = &ref
	}

	rawFacts := make([]canonical.Fact, len(req.Facts))
	for i, e := range req.Facts {
		rawFacts[i] = e.Fact
	}
	sorted, err := canonical.TopologicalSort(rawFacts, func(ref canonical.FactReference) bool {
		_, found, err := s.Store.FactID(r.Context(), ref)
		return err == nil && found
	})
	if err != nil {
		var missing *canonical.MissingPredecessorError
		if errors.As(err, &missing) {
			s.writeError(w, r, apierrors.MissingDependency, err.Error(), http.StatusBadRequest)
			return
		}
		s.writeInvalidInput(w, r, err)
		return
	}

	envelopeByRef := make(map[canonical.FactReference]canonical.Envelope, len(req.Facts))
	for _, e := range req.Facts {
		ref, err := e.Fact.Reference()
		if err != nil {
			continue
		}
		envelopeByRef[ref] = e
	}

	for _, f := range sorted {
		ref, err := f.Reference()
		if err != nil {
			s.writeInvalidInput(w, r, err)
			return
		}
		incoming := envelopeByRef[ref]
		verified, ok := authz.VerifyEnvelope(incoming, ref.Hash)
		if !ok {
			s.writeError(w, r, apierrors.InvalidInput, fmt.Sprintf("fact %s failed hash verification; quarantined", ref), http.StatusBadRequest)
			return
		}

		outcome, err := s.Store.Save(r.Context(), []canonical.Envelope{verified})
		if err != nil {
			var missing *store.MissingDependencyError
			if errors.As(err, &missing) {
				s.writeError(w, r, apierrors.MissingDependency, err.Error(), http.StatusBadRequest)
				return
			}
			s.writeUnexpected(w, r, err)
			return
		}
		existing := len(outcome.Existing) > 0
		saveOutcome := "inserted"
		if existing {
			saveOutcome = "existing"
		}
		_ = telemetry.IncCounter(s.Meter, r.Context(), "facts_saved_total", 1, telemetry.Labels{
			"fact_type": ref.Type,
			"outcome":   saveOutcome,
		})

		if s.Authz != nil {
			factID, found, err := s.Store.FactID(r.Context(), ref)
			if err != nil {
				s.writeUnexpected(w, r, err)
				return
			}
			if !found {
				s.writeUnexpected(w, r, fmt.Errorf("fact %s vanished immediately after save", ref))
				return
			}
			verdict, err := s.Authz.Authorize(r.Context(), ref.Type, factID, existing, signerRef, s.Store)
			if err != nil {
				s.writeUnexpected(w, r, err)
				return
			}
			if !verdict.Accepted() {
				s.writeError(w, r, apierrors.Forbidden, verdict.Reason, http.StatusForbidden)
				return
			}
		}

		if s.Purge != nil {
			if _, err := s.Purge.PurgeRoot(r.Context(), ref); err != nil {
				s.writeUnexpected(w, r, err)
				return
			}
		}
	}

	if s.Notifier != nil {
		s.Notifier.NotifyAll()
	}

	w.WriteHeader(http.StatusCreated)
}

// handleFeedNotify upgrades the connection to a websocket and holds it open,
// pushing a nudge whenever a save succeeds (spec.md's DOMAIN STACK push-notify side
// channel; additive to, never a substitute for, bookmark-based polling).
func (s *Server) handleFeedNotify(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.Notifier.Subscribe(w, r, vars["hash"]); err != nil {
		s.Log.Debug(r.Context(), "feed notifier subscriber disconnected", map[string]any{"error": err.Error(), "hash": vars["hash"]})
	}
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	var env canonical.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		s.writeInvalidInput(w, r, err)
		return
	}
	body, err := json.Marshal(saveRequest{Facts: []canonical.Envelope{env}})
	if err != nil {
		s.writeUnexpected(w, r, err)
		return
	}
	r2 := r.Clone(r.Context())
	r2.Body = io.NopCloser(strings.NewReader(string(body)))
	s.handleSave(w, r2)
}

func (s *Server) handleReadOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Accept-Post", "text/plain, application/json, application/x-ndjson, text/csv")
	w.WriteHeader(http.StatusOK)
}

// resolveRead decodes a readRequest body into a compiler.Specification and a
// given map[label]fact_id, resolving each wireReference against the store.
func (s *Server) resolveRead(ctx context.Context, body []byte) (compiler.Specification, map[string]int64, error) {
	var req readRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return compiler.Specification{}, nil, fmt.Errorf("httpapi: decoding read request: %w", err)
	}
	spec, err := req.Specification.toSpecification()
	if err != nil {
		return compiler.Specification{}, nil, err
	}
	given := make(map[string]int64, len(req.Given))
	for label, wref := range req.Given {
		factID, found, err := s.Store.FactID(ctx, canonical.FactReference{Type: wref.Type, Hash: wref.Hash})
		if err != nil {
			return compiler.Specification{}, nil, err
		}
		if !found {
			return compiler.Specification{}, nil, fmt.Errorf("httpapi: given reference %s:%s is unknown", wref.Type, wref.Hash)
		}
		given[label] = factID
	}
	return spec, given, nil
}

// handleRead implements spec.md §6.1's content-negotiated POST /read: pretty JSON
// (default, text/plain), compact JSON (application/json), streamed NDJSON
// (application/x-ndjson, one result object per line with a trailing error frame on
// mid-stream failure), and RFC-4180 CSV (text/csv, flat composite projections only).
func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeInvalidInput(w, r, err)
		return
	}
	spec, given, err := s.resolveRead(r.Context(), body)
	if err != nil {
		s.writeInvalidInput(w, r, err)
		return
	}

	if identity, ok := identityFromContext(r.Context()); ok && s.Dist != nil {
		env, err := s.Keystore.GetOrCreateUserFact(r.Context(), identity)
		if err != nil {
			s.writeUnexpected(w, r, err)
			return
		}
		userRef, err := env.Fact.Reference()
		if err != nil {
			s.writeUnexpected(w, r, err)
			return
		}
		for _, g := range spec.Given {
			factID, ok := given[g.Name]
			if !ok {
				continue
			}
			allowed, err := s.Dist.CanDistributeTo(r.Context(), g.Type, factID, userRef, s.Store)
			if err != nil {
				s.writeUnexpected(w, r, err)
				return
			}
			if !allowed {
				s.writeError(w, r, apierrors.Forbidden, "user is not permitted to read this root", http.StatusForbidden)
				return
			}
		}
	}

	accept := negotiateReadFormat(r.Header.Get("Accept"))

	switch accept {
	case formatCSV:
		s.handleReadCSV(w, r, spec, given)
	case formatNDJSON:
		s.handleReadNDJSON(w, r, spec, given)
	case formatCompact:
		results, err := s.Executor.Run(r.Context(), spec, given)
		if err != nil {
			s.writeUnexpected(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(results)
	default:
		results, err := s.Executor.Run(r.Context(), spec, given)
		if err != nil {
			s.writeUnexpected(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(results)
	}
}

type readFormat int

const (
	formatPretty readFormat = iota
	formatCompact
	formatNDJSON
	formatCSV
)

func negotiateReadFormat(accept string) readFormat {
	switch {
	case strings.Contains(accept, "text/csv"):
		return formatCSV
	case strings.Contains(accept, "application/x-ndjson"):
		return formatNDJSON
	case strings.Contains(accept, "application/json"):
		return formatCompact
	default:
		return formatPretty
	}
}

func (s *Server) handleReadCSV(w http.ResponseWriter, r *http.Request, spec compiler.Specification, given map[string]int64) {
	results, err := s.Executor.Run(r.Context(), spec, given)
	if err != nil {
		s.writeUnexpected(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	cw, err := NewCSVWriter(w, spec.Projection)
	if err != nil {
		var incompatible *ErrCSVIncompatible
		if errors.As(err, &incompatible) {
			s.writeError(w, r, apierrors.InvalidInput, err.Error(), http.StatusBadRequest)
			return
		}
		s.writeUnexpected(w, r, err)
		return
	}
	for _, result := range results {
		row, ok := result.(map[string]any)
		if !ok {
			s.writeUnexpected(w, r, fmt.Errorf("httpapi: CSV row is not a flat composite"))
			return
		}
		if err := cw.WriteRow(row); err != nil {
			s.writeUnexpected(w, r, err)
			return
		}
	}
}

// handleReadNDJSON writes one JSON object per line, per spec.md §6.1, flushing after
// each. All results are computed by Executor.Run before the first line is written; if
// Run fails, the body is a single {"error":...} line. An encode failure partway
// through ends the stream without an error line.
func (s *Server) handleReadNDJSON(w http.ResponseWriter, r *http.Request, spec compiler.Specification, given map[string]int64) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := w.(http.Flusher)
	results, err := s.Executor.Run(r.Context(), spec, given)
	if err != nil {
		line, _ := json.Marshal(map[string]any{"error": err.Error()})
		w.Write(append(line, '\n'))
		return
	}
	enc := json.NewEncoder(w)
	for _, result := range results {
		if err := enc.Encode(result); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

type registerFeedsRequest struct {
	Specification wireSpecification        `json:"specification"`
	Start         map[string]wireReference `json:"start"`
}

type registerFeedsResponse struct {
	FeedHashes []string `json:"feedHashes"`
}

func (s *Server) handleRegisterFeeds(w http.ResponseWriter, r *http.Request) {
	var req registerFeedsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeInvalidInput(w, r, err)
		return
	}
	spec, err := req.Specification.toSpecification()
	if err != nil {
		s.writeInvalidInput(w, r, err)
		return
	}
	start := make(map[string]canonical.FactReference, len(req.Start))
	for label, wref := range req.Start {
		start[label] = canonical.FactReference{Type: wref.Type, Hash: wref.Hash}
	}
	hashes, err := s.Feeds.RegisterFeeds(r.Context(), spec, start)
	if err != nil {
		s.writeInvalidInput(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, registerFeedsResponse{FeedHashes: hashes})
}

func (s *Server) handlePollFeed(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	feedHash := vars["hash"]
	bookmark := r.URL.Query().Get("b")

	var userRef canonical.FactReference
	if identity, ok := identityFromContext(r.Context()); ok {
		env, err := s.Keystore.GetOrCreateUserFact(r.Context(), identity)
		if err != nil {
			s.writeUnexpected(w, r, err)
			return
		}
		ref, err := env.Fact.Reference()
		if err != nil {
			s.writeUnexpected(w, r, err)
			return
		}
		userRef = ref
	}

	poll, err := s.Feeds.Poll(r.Context(), feedHash, bookmark, userRef)
	if err != nil {
		var unknown *feed.ErrUnknownFeed
		if errors.As(err, &unknown) {
			s.writeError(w, r, apierrors.NotFound, err.Error(), http.StatusNotFound)
			return
		}
		s.writeUnexpected(w, r, err)
		return
	}
	_ = telemetry.IncCounter(s.Meter, r.Context(), "feed_tuples_delivered_total", int64(len(poll.Tuples)), nil)
	writeJSON(w, http.StatusOK, poll)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, code apierrors.Code, msg string, status int) {
	env := apierrors.NewEnvelope(code, msg, r.Header.Get("X-Request-Id"), "", nil)
	apierrors.WriteHTTP(w, status, env)
}

func (s *Server) writeInvalidInput(w http.ResponseWriter, r *http.Request, err error) {
	s.writeError(w, r, apierrors.InvalidInput, err.Error(), http.StatusBadRequest)
}

func (s *Server) writeUnexpected(w http.ResponseWriter, r *http.Request, err error) {
	s.Log.Error(r.Context(), "unexpected error", map[string]any{
		"error":  err.Error(),
		"path":   r.URL.Path,
		"method": r.Method,
	})
	env := apierrors.NewEnvelope(apierrors.Unexpected, "internal error", r.Header.Get("X-Request-Id"), "", nil)
	apierrors.WriteHTTP(w, http.StatusInternalServerError, env)
}
