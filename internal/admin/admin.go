// Package admin exposes the small local-operator HTTP surface
// (spec.md §4.12): health, Prometheus metrics, and the device-linking
// begin endpoint. It never carries application ciphertext — the
// ratchet messages travel over the Transport contract, not this
// router.
//
// Grounded on cmd/chatserver/main.go's router/CORS/timeouts bootstrap
// (gorilla/mux + rs/cors), trimmed to the three routes this engine
// actually needs; the teacher's full REST surface (auth, groups,
// privacy, device approval, media proxy, WebRTC) has no SPEC_FULL.md
// home and is dropped.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/solace-pqs/session-engine/internal/devicelink"
	"github.com/solace-pqs/session-engine/internal/metrics"
	"github.com/solace-pqs/session-engine/internal/models"
)

// LinkSource supplies the master device identity BeginLink signs
// linking tokens with.
type LinkSource interface {
	LocalSessionUser() models.SessionUser
}

// Server is the admin HTTP surface for one local engine instance.
type Server struct {
	httpServer *http.Server
	source     LinkSource
}

type beginLinkResponse struct {
	Token     string    `json:"token"`
	ExpiresIn int       `json:"expiresIn"`
	IssuedAt  time.Time `json:"issuedAt"`
}

// NewServer builds the admin router bound to addr.
func NewServer(addr string, source LinkSource, allowedOrigins []string) *Server {
	router := mux.NewRouter()
	router.Use(metrics.Middleware)

	router.HandleFunc("/healthz", healthCheck).Methods("GET")
	router.Handle("/metrics", metrics.Handler()).Methods("GET")

	s := &Server{source: source}
	router.HandleFunc("/v1/device-link/begin", s.beginLink).Methods("POST")

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
	})

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           corsHandler.Handler(router),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving the admin surface until the server is
// shut down or fails to bind.
func (s *Server) ListenAndServe() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the admin surface.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) beginLink(w http.ResponseWriter, r *http.Request) {
	user := s.source.LocalSessionUser()
	token, err := devicelink.BeginLink(user.SecretName, user.DeviceID, user.Keys.SigningPrivateKey)
	if err != nil {
		http.Error(w, "failed to begin device link", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(beginLinkResponse{
		Token:     token,
		ExpiresIn: 300,
		IssuedAt:  time.Now(),
	})
}
