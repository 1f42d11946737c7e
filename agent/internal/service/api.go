package service

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"fx-executor/agent/internal/command"
	"fx-executor/agent/internal/connection"
	"fx-executor/agent/internal/estop"
	"fx-executor/agent/internal/state"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// HeaderOperatorPin carries the operator's reset pin.
const HeaderOperatorPin = "X-Operator-Pin"

type ConnectionStates interface {
	States() []connection.ConnectionState
}

type EmergencyStop interface {
	Status() estop.Status
	Trip(source, reason string) error
	Reset() error
}

type CommandControl interface {
	Cancel(id string) error
	QueueDepth() int
	Accepting() bool
}

// StatusView is the body of GET /status.
type StatusView struct {
	ExecutorID    string                       `json:"executorId"`
	Version       string                       `json:"version"`
	UptimeSeconds int64                        `json:"uptimeSeconds"`
	Connections   []connection.ConnectionState `json:"connections"`
	EmergencyStop estop.Status                 `json:"emergencyStop"`
	QueueDepth    int                          `json:"queueDepth"`
	Accepting     bool                         `json:"accepting"`
}

// API is the local operator surface.
type API struct {
	conns    ConnectionStates
	estop    EmergencyStop
	commands CommandControl
	pinHash  []byte
	log      zerolog.Logger
}

func NewAPI(conns ConnectionStates, es EmergencyStop, cmds CommandControl, pinHash string, log zerolog.Logger) *API {
	return &API{conns: conns, estop: es, commands: cmds, pinHash: []byte(pinHash), log: log}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.healthz)
	mux.HandleFunc("GET /status", a.status)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /estop", a.trip)
	mux.HandleFunc("POST /estop/reset", a.reset)
	mux.HandleFunc("POST /commands/{id}/cancel", a.cancel)
	return a.logging(mux)
}

// Serve listens on addr until ctx is done.
func (a *API) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: a.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	a.log.Info().Str("addr", ln.Addr().String()).Msg("operator API listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.View())
}

func (a *API) View() StatusView {
	return StatusView{
		ExecutorID:    state.GetExecutorID(),
		Version:       state.GetVersion(),
		UptimeSeconds: int64(state.Uptime(time.Now()).Seconds()),
		Connections:   a.conns.States(),
		EmergencyStop: a.estop.Status(),
		QueueDepth:    a.commands.QueueDepth(),
		Accepting:     a.commands.Accepting(),
	}
}

func (a *API) trip(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "operator request"
	}
	if err := a.estop.Trip(command.TripOperator, body.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, a.estop.Status())
}

func (a *API) reset(w http.ResponseWriter, r *http.Request) {
	if len(a.pinHash) > 0 {
		pin := r.Header.Get(HeaderOperatorPin)
		if pin == "" || bcrypt.CompareHashAndPassword(a.pinHash, []byte(pin)) != nil {
			writeError(w, http.StatusUnauthorized, errors.New("invalid operator pin"))
			return
		}
	}
	if err := a.estop.Reset(); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, estop.ErrResetNotAllowed) {
			code = http.StatusConflict
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusOK, a.estop.Status())
}

func (a *API) cancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := a.commands.Cancel(id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(command.StatusCancelled)})
	case errors.Is(err, command.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, command.ErrTooLate):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (a *API) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		a.log.Info().Str("ip", r.RemoteAddr).Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", sw.status).Dur("duration", time.Since(start)).Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
