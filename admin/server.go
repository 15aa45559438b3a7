// Package admin exposes a loopback HTTP surface for inspecting and steering a
// running aggregator: the current snapshot, loaded plugins, counters, custom
// commands, power schemes, the ignore list and stored covers.
package admin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	httppprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"widgetsensors/commands"
	"widgetsensors/covers"
	"widgetsensors/plugins"
	"widgetsensors/power"
	"widgetsensors/sampler"
	"widgetsensors/stats"
)

const (
	DefaultAddress         = "127.0.0.1:30002"
	defaultShutdownTimeout = 2 * time.Second
	maxBodyBytes           = 64 * 1024
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SnapshotSource copies the current snapshot into dst.
type SnapshotSource interface {
	Snapshot(dst []byte) []byte
}

// PluginLister reports the loaded plugins.
type PluginLister interface {
	Describe() []plugins.Info
}

// CommandRunner executes configured plugin commands.
type CommandRunner interface {
	Names() []string
	Run(name string) error
	ProcessCommand(line string) string
}

// PowerSwitcher changes the OS power plan.
type PowerSwitcher interface {
	SetScheme(power.Scheme) error
}

// ProfileState exposes the tracked profile and accepts custom covers.
type ProfileState interface {
	State() sampler.State
	SetCover(src string)
}

// IgnoreEditor edits the persisted ignore list.
type IgnoreEditor interface {
	Entries() []string
	Add(path string) bool
	Save() error
}

// CoverLister lists persisted covers.
type CoverLister interface {
	Entries() ([]covers.Cover, error)
}

// Options wires the admin server. Every dependency except Address is
// optional; routes whose dependency is nil answer 404.
type Options struct {
	Address  string
	Snapshot SnapshotSource
	Plugins  PluginLister
	Stats    *stats.Tracker
	Commands CommandRunner
	Power    PowerSwitcher
	Profile  ProfileState
	Ignore   IgnoreEditor
	Covers   CoverLister
}

// Server is the admin HTTP server.
type Server struct {
	opts     Options
	mux      *http.ServeMux
	http     *http.Server
	listener net.Listener
	stopOnce sync.Once
	done     chan struct{}
}

type apiError struct {
	Error string `json:"error"`
}

// NewServer builds the server and its routes; Start binds it.
func NewServer(opts Options) *Server {
	if strings.TrimSpace(opts.Address) == "" {
		opts.Address = DefaultAddress
	}
	s := &Server{opts: opts, mux: http.NewServeMux(), done: make(chan struct{})}
	s.routes()
	s.http = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		ErrorLog:          log.Default(),
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /snapshot", s.handleSnapshot)
	s.mux.HandleFunc("GET /state", s.handleState)
	s.mux.HandleFunc("POST /cover", s.handleCover)
	s.mux.HandleFunc("GET /plugins", s.handlePlugins)
	s.mux.HandleFunc("GET /stats", s.handleStats)
	s.mux.HandleFunc("GET /commands", s.handleCommandList)
	s.mux.HandleFunc("POST /commands/{name}", s.handleCommandRun)
	s.mux.HandleFunc("POST /console", s.handleConsole)
	s.mux.HandleFunc("POST /power/{scheme}", s.handlePower)
	s.mux.HandleFunc("GET /ignore", s.handleIgnoreList)
	s.mux.HandleFunc("POST /ignore", s.handleIgnoreAdd)
	s.mux.HandleFunc("GET /covers", s.handleCovers)

	s.mux.Handle("/debug/pprof/", http.HandlerFunc(httppprof.Index))
	s.mux.Handle("/debug/pprof/cmdline", http.HandlerFunc(httppprof.Cmdline))
	s.mux.Handle("/debug/pprof/profile", http.HandlerFunc(httppprof.Profile))
	s.mux.Handle("/debug/pprof/symbol", http.HandlerFunc(httppprof.Symbol))
	s.mux.Handle("/debug/pprof/trace", http.HandlerFunc(httppprof.Trace))
}

// Handler returns the route table, for embedding and tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Purpose: Bind the admin listener and serve in the background.
// Key aspects: Bind errors are returned; a serve error after bind is logged.
// Upstream: main startup when admin.enabled.
// Downstream: net.Listen, http.Server.Serve.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.opts.Address)
	if err != nil {
		return fmt.Errorf("admin: listen %s: %w", s.opts.Address, err)
	}
	s.listener = listener
	log.Printf("Admin server listening on %s (snapshot, plugins, stats, commands, pprof)", listener.Addr())
	go func() {
		defer close(s.done)
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Admin server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the server down gracefully, bounded by a short timeout.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		if s.listener == nil {
			return
		}
		ctx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
		defer cancel()
		err = s.http.Shutdown(ctx)
		if err != nil {
			_ = s.http.Close()
		}
		<-s.done
	})
	return err
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.opts.Snapshot == nil {
		http.NotFound(w, r)
		return
	}
	payload := s.opts.Snapshot.Snapshot(nil)
	if len(payload) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if s.opts.Profile == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Profile.State())
}

func (s *Server) handleCover(w http.ResponseWriter, r *http.Request) {
	if s.opts.Profile == nil {
		http.NotFound(w, r)
		return
	}
	var req struct {
		Src string `json:"src"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
		return
	}
	if s.opts.Profile.State().Profile == "" {
		writeJSON(w, http.StatusConflict, apiError{Error: "no active profile"})
		return
	}
	s.opts.Profile.SetCover(req.Src)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	if s.opts.Plugins == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Plugins.Describe())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.opts.Stats == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Stats.Snapshot())
}

func (s *Server) handleCommandList(w http.ResponseWriter, r *http.Request) {
	if s.opts.Commands == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Commands.Names())
}

func (s *Server) handleCommandRun(w http.ResponseWriter, r *http.Request) {
	if s.opts.Commands == nil {
		http.NotFound(w, r)
		return
	}
	name := r.PathValue("name")
	err := s.opts.Commands.Run(name)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, commands.ErrUnknownCommand):
		writeJSON(w, http.StatusNotFound, apiError{Error: err.Error()})
	default:
		writeJSON(w, http.StatusBadGateway, apiError{Error: err.Error()})
	}
}

// handleConsole runs one text command line, the same grammar as the
// command processor's HELP/LIST/RUN.
func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request) {
	if s.opts.Commands == nil {
		http.NotFound(w, r)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, s.opts.Commands.ProcessCommand(string(body)))
}

func (s *Server) handlePower(w http.ResponseWriter, r *http.Request) {
	if s.opts.Power == nil {
		http.NotFound(w, r)
		return
	}
	scheme, err := power.ParseScheme(r.PathValue("scheme"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
		return
	}
	if err := s.opts.Power.SetScheme(scheme); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, power.ErrUnsupported) {
			status = http.StatusNotImplemented
		}
		writeJSON(w, status, apiError{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIgnoreList(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ignore == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Ignore.Entries())
}

// handleIgnoreAdd appends an executable and saves the file; the file watcher
// then reloads it like any external edit.
func (s *Server) handleIgnoreAdd(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ignore == nil {
		http.NotFound(w, r)
		return
	}
	var req struct {
		Exe string `json:"exe"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
		return
	}
	if strings.TrimSpace(req.Exe) == "" {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "exe is required"})
		return
	}
	if !s.opts.Ignore.Add(req.Exe) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := s.opts.Ignore.Save(); err != nil {
		writeJSON(w, http.StatusInternalServerError, apiError{Error: err.Error()})
		return
	}
	log.Printf("Admin: added %s to the ignore list", req.Exe)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleCovers(w http.ResponseWriter, r *http.Request) {
	if s.opts.Covers == nil {
		http.NotFound(w, r)
		return
	}
	entries, err := s.opts.Covers.Entries()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, apiError{Error: err.Error()})
		return
	}
	out := make(map[string]string, len(entries))
	for _, entry := range entries {
		out[entry.Process] = entry.Src
	}
	writeJSON(w, http.StatusOK, out)
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Admin: write response: %v", err)
	}
}
