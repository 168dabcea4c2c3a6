/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// This file is to handle things such as metrics/health/cluster state, etc

package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/couchbase/stellar-coordinator/clustering"
	"github.com/couchbase/stellar-coordinator/lease"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

type SnapshotProvider interface {
	Snapshot() *clustering.Snapshot
}

type LeaseStatusProvider interface {
	Statuses() []lease.Status
}

type WebServerOptions struct {
	Logger        *zap.Logger
	LogLevel      *zap.AtomicLevel
	ListenAddress string
	CorsOrigins   []string

	Cluster SnapshotProvider
	Leases  LeaseStatusProvider
}

type WebServer struct {
	logger        *zap.Logger
	logLevel      *zap.AtomicLevel
	listenAddress string
	corsOrigins   []string
	cluster       SnapshotProvider
	leases        LeaseStatusProvider
	httpServer    *http.Server
}

func NewWebServer(opts WebServerOptions) *WebServer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &WebServer{
		logger:        logger,
		logLevel:      opts.LogLevel,
		listenAddress: opts.ListenAddress,
		corsOrigins:   opts.CorsOrigins,
		cluster:       opts.Cluster,
		leases:        opts.Leases,
	}

	w.httpServer = &http.Server{
		Handler:      w.Handler(),
		Addr:         w.listenAddress,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return w
}

type jsonMember struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type jsonClusterState struct {
	Self         jsonMember   `json:"self"`
	SelfReady    bool         `json:"selfReady"`
	ReadyMembers []jsonMember `json:"readyMembers"`
}

func toJsonMember(m clustering.Member) jsonMember {
	return jsonMember{
		Name:    m.Name,
		Address: m.Address,
	}
}

func (w *WebServer) writeJson(rw http.ResponseWriter, status int, v interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)

	err := json.NewEncoder(rw).Encode(v)
	if err != nil {
		w.logger.Debug("failed to write json response", zap.Error(err))
	}
}

func (w *WebServer) handleRoot(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(200)
	_, err := rw.Write([]byte("Welcome to the stellar coordinator internal webapi"))
	if err != nil {
		w.logger.Debug("failed to write generic root response", zap.Error(err))
	}
}

func (w *WebServer) handleHealth(rw http.ResponseWriter, r *http.Request) {
	if w.cluster == nil || !w.cluster.Snapshot().SelfReady {
		rw.WriteHeader(http.StatusServiceUnavailable)
		_, _ = rw.Write([]byte("not ready"))
		return
	}

	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte("ok"))
}

func (w *WebServer) handleCluster(rw http.ResponseWriter, r *http.Request) {
	snap := w.cluster.Snapshot()

	state := jsonClusterState{
		Self:         toJsonMember(snap.Self),
		SelfReady:    snap.SelfReady,
		ReadyMembers: make([]jsonMember, 0, len(snap.ReadyMembers)),
	}
	for _, m := range snap.ReadyMembers {
		state.ReadyMembers = append(state.ReadyMembers, toJsonMember(m))
	}

	w.writeJson(rw, http.StatusOK, state)
}

func (w *WebServer) handleOwner(rw http.ResponseWriter, r *http.Request) {
	resourceID := mux.Vars(r)["resource"]

	owner, err := w.cluster.Snapshot().ResourceMapper.Get(resourceID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, clustering.ErrNoMembersAvailable) {
			status = http.StatusServiceUnavailable
		}

		w.writeJson(rw, status, map[string]string{"error": err.Error()})
		return
	}

	w.writeJson(rw, http.StatusOK, toJsonMember(owner))
}

func (w *WebServer) handleLeases(rw http.ResponseWriter, r *http.Request) {
	w.writeJson(rw, http.StatusOK, w.leases.Statuses())
}

// Handler builds the full http handler, including CORS and tracing.
func (w *WebServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", w.handleHealth).Methods(http.MethodGet)
	if w.cluster != nil {
		r.HandleFunc("/cluster", w.handleCluster).Methods(http.MethodGet)
		r.HandleFunc("/cluster/owner/{resource}", w.handleOwner).Methods(http.MethodGet)
	}
	if w.leases != nil {
		r.HandleFunc("/leases", w.handleLeases).Methods(http.MethodGet)
	}
	if w.logLevel != nil {
		r.Handle("/log-level", w.logLevel).Methods(http.MethodGet, http.MethodPut)
	}
	r.HandleFunc("/", w.handleRoot)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: w.corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPut},
	}).Handler(r)

	return otelhttp.NewHandler(corsHandler, "webapi")
}

// ListenAndServe serves until Shutdown is called.  It returns nil
// immediately if Shutdown was called first.
func (w *WebServer) ListenAndServe() error {
	err := w.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (w *WebServer) Shutdown(ctx context.Context) error {
	return w.httpServer.Shutdown(ctx)
}
