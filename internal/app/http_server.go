package app

import (
	"context"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sleep-scraper/internal/credstore"
	"sleep-scraper/internal/publisher"
	"sleep-scraper/internal/usecase"
)

const (
	// syncTimeout bounds a sync triggered over HTTP unless ?timeout= is given.
	syncTimeout = 30 * time.Minute

	syncRateLimit  = 6
	syncRateWindow = time.Minute
)

var registerPage = template.Must(template.New("register").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><title>Register Fitbit Sleeper</title></head>
<body>
<h1>Select a Sleeper to Register with Fitbit</h1>
<ul>
{{range .}}<li><a href="/register/{{.ID}}">{{.FirstName}}</a></li>
{{end}}</ul>
</body>
</html>
`))

// HTTPServer returns a configured http.Server exposing health, metrics, the
// sync trigger and the fitbit registration flow.
func (a *App) HTTPServer(addr string) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.log.Info("http server configured", slog.String("addr", addr))
	return srv
}

// Router builds the route tree.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(loggingMiddleware(a.log))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(syncRateLimit, syncRateWindow))
		r.Get("/sync", a.handleSync)
		r.Post("/sync", a.handleSync)
	})

	if a.fitbit != nil {
		r.Get("/register", a.handleRegisterList)
		r.Get("/register/{sleeperID}", a.handleRegister)
		r.Get("/callback", a.handleCallback)
	}
	return r
}

// /sync?timeout=5m
func (a *App) handleSync(w http.ResponseWriter, r *http.Request) {
	timeout := syncTimeout
	if tStr := r.URL.Query().Get("timeout"); tStr != "" {
		if d, err := time.ParseDuration(tStr); err == nil && d > 0 {
			timeout = d
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	sum, err := a.sync.Run(ctx)
	if errors.Is(err, usecase.ErrRunInProgress) {
		writeJSON(w, http.StatusConflict, map[string]any{"status": "error", "error": err.Error()})
		return
	}
	body := summaryResponse(sum)
	status := http.StatusOK
	if err != nil {
		body.Status = "error"
		body.Error = err.Error()
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, body)
}

func (a *App) handleRegisterList(w http.ResponseWriter, r *http.Request) {
	sleepers, err := a.sleepers.ListSleepers(r.Context())
	if err != nil {
		a.log.Error("list sleepers for registration", slog.String("error", err.Error()))
		http.Error(w, "could not list sleepers", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := registerPage.Execute(w, sleepers); err != nil {
		a.log.Error("render register page", slog.String("error", err.Error()))
	}
}

// The sleeper ID travels as the OAuth state and names the identity the
// refresh token is stored under.
func (a *App) handleRegister(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sleeperID")
	if id == "" {
		http.Error(w, "missing sleeper", http.StatusBadRequest)
		return
	}
	http.Redirect(w, r, a.fitbit.AuthCodeURL(id), http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code, sleeperID := q.Get("code"), q.Get("state")
	if code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}
	if sleeperID == "" {
		http.Error(w, "missing state", http.StatusBadRequest)
		return
	}
	log := a.log.With(slog.String("sleeper_id", sleeperID))

	grant, err := a.fitbit.Exchange(r.Context(), code)
	if err != nil {
		log.Error("exchange authorization code", slog.String("error", err.Error()))
		http.Error(w, "error exchanging code", http.StatusInternalServerError)
		return
	}
	if grant.RefreshToken == "" {
		log.Error("authorization response carried no refresh token")
		http.Error(w, "error exchanging code", http.StatusBadGateway)
		return
	}
	if err := a.tokens.Set(r.Context(), credstore.ProviderFitbit, sleeperID, grant.RefreshToken); err != nil {
		log.Error("store fitbit refresh token", slog.String("error", err.Error()))
		http.Error(w, "error storing token", http.StatusInternalServerError)
		return
	}
	log.Info("fitbit authorization stored")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Fitbit authorization successful!"))
}

type syncResponse struct {
	Status   string            `json:"status"`
	Error    string            `json:"error,omitempty"`
	RunID    string            `json:"run_id,omitempty"`
	Started  time.Time         `json:"started"`
	Duration string            `json:"duration"`
	Sleepers []sleeperResponse `json:"sleepers"`
}

type sleeperResponse struct {
	SleeperID string          `json:"sleeper_id"`
	Cold      bool            `json:"cold_start"`
	Units     int             `json:"units"`
	Points    int             `json:"points"`
	Truncated bool            `json:"truncated,omitempty"`
	Fitbit    *reportResponse `json:"fitbit,omitempty"`
	Health    *reportResponse `json:"health_connect,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type reportResponse struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

func summaryResponse(sum usecase.Summary) syncResponse {
	out := syncResponse{
		Status:   "ok",
		RunID:    sum.RunID,
		Started:  sum.Started,
		Duration: sum.Duration.String(),
		Sleepers: make([]sleeperResponse, 0, len(sum.Sleepers)),
	}
	for _, res := range sum.Sleepers {
		sr := sleeperResponse{
			SleeperID: res.SleeperID,
			Cold:      res.Cold,
			Units:     res.Units,
			Points:    res.Points,
			Truncated: res.Truncated,
			Fitbit:    reportFrom(res.Fitbit),
			Health:    reportFrom(res.Health),
		}
		if res.Err != nil {
			sr.Error = res.Err.Error()
		}
		out.Sleepers = append(out.Sleepers, sr)
	}
	return out
}

func reportFrom(rep *publisher.Report) *reportResponse {
	if rep == nil {
		return nil
	}
	return &reportResponse{Sent: rep.Sent, Failed: rep.Failed}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// loggingMiddleware provides basic request logging.
func loggingMiddleware(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote", r.RemoteAddr),
				slog.Int("status", ww.Status()),
				slog.Duration("dur", time.Since(start)),
			)
		})
	}
}
