// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package server

import (
	_ "embed"
	"encoding/json"
	"html/template"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
	"go.mau.fi/util/jsontime"

	"github.com/aiku/whatsapp-mcp/pkg/connection"
	"github.com/aiku/whatsapp-mcp/pkg/mcp/streamable"
	"github.com/aiku/whatsapp-mcp/pkg/tools"
)

//go:embed qr.html
var qrPageSource string

var qrPage = template.Must(template.New("qr.html").Parse(qrPageSource))

const qrPageRefresh = 10 * time.Second

// Handler returns the HTTP handler of the http transport.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.sessions != nil {
		mux.Handle("/mcp", s.sessions)
	}
	mux.HandleFunc("GET /qr", s.handleQR)
	mux.HandleFunc("GET /qr.png", s.handleQRImage)
	mux.HandleFunc("GET /qr.html", s.handleQRPage)
	mux.HandleFunc("GET /auth/status", s.handleAuthStatus)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /mock/pair", s.handleMockPair)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	var handler http.Handler = mux
	handler = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("HTTP request")
	})(handler)
	handler = hlog.RequestIDHandler("request_id", "X-Request-Id")(handler)
	handler = hlog.NewHandler(s.log)(handler)
	return s.withCORS(handler)
}

func (s *Server) originAllowed(origin string) (allowed, wildcard bool) {
	origins := s.cfg.Server.AllowedOrigins
	if slices.Contains(origins, "*") {
		return true, true
	}
	return slices.Contains(origins, origin), false
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		if origin := r.Header.Get("Origin"); origin != "" {
			allowed, wildcard := s.originAllowed(origin)
			if !allowed {
				next.ServeHTTP(w, r)
				return
			}
			if wildcard {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
			h.Set("Access-Control-Expose-Headers", streamable.HeaderSessionID)
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", strings.Join([]string{"Content-Type", streamable.HeaderSessionID, "Last-Event-Id"}, ", "))
			h.Set("Access-Control-Max-Age", strconv.Itoa(int((10 * time.Minute).Seconds())))
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type qrResponse struct {
	Authenticated bool   `json:"authenticated"`
	QRAvailable   *bool  `json:"qrAvailable,omitempty"`
	QRCodeDataURL string `json:"qrCodeDataURL,omitempty"`
	QRCode        string `json:"qrCode,omitempty"`
	Message       string `json:"message"`
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	state := s.conn.State()
	available := func(v bool) *bool { return &v }
	switch {
	case state.Authenticated:
		writeJSON(w, http.StatusOK, qrResponse{Authenticated: true, Message: "WhatsApp is already authenticated"})
	case state.PairingImage != "":
		writeJSON(w, http.StatusOK, qrResponse{
			QRAvailable:   available(true),
			QRCodeDataURL: state.PairingImage,
			Message:       "Scan this QR code with your WhatsApp mobile app",
		})
	case state.PairingCode != "":
		writeJSON(w, http.StatusOK, qrResponse{
			QRAvailable: available(true),
			QRCode:      state.PairingCode,
			Message:     "QR code image unavailable, render the raw pairing code with any QR generator",
		})
	default:
		writeJSON(w, http.StatusOK, qrResponse{
			QRAvailable: available(false),
			Message:     "QR code not yet generated. Please wait for WhatsApp to initialize.",
		})
	}
}

func (s *Server) handleQRImage(w http.ResponseWriter, r *http.Request) {
	state := s.conn.State()
	if state.Authenticated {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("WhatsApp is already authenticated"))
		return
	}
	var png []byte
	var err error
	switch {
	case state.PairingImage != "":
		png, err = connection.DecodeDataURL(state.PairingImage)
	case state.PairingCode != "":
		png, err = connection.RenderQRPNG(state.PairingCode)
	default:
		http.Error(w, "QR code not available yet", http.StatusNotFound)
		return
	}
	if err != nil {
		hlog.FromRequest(r).Err(err).Msg("Failed to serve QR code image")
		http.Error(w, "Failed to serve QR code image", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	_, _ = w.Write(png)
}

type qrPageData struct {
	Authenticated bool
	Image         template.URL
	Code          string
	MockPairing   bool
	ServerName    string
	MCPURL        string
	RefreshMillis int64
}

func (s *Server) handleQRPage(w http.ResponseWriter, r *http.Request) {
	state := s.conn.State()
	data := qrPageData{
		Authenticated: state.Authenticated,
		Code:          state.PairingCode,
		MockPairing:   s.mock.Load() != nil,
		ServerName:    s.cfg.Server.Name,
		MCPURL:        s.cfg.Server.BaseURL() + "/mcp",
		RefreshMillis: qrPageRefresh.Milliseconds(),
	}
	// Only data URLs built by the QR renderer end up here.
	if strings.HasPrefix(state.PairingImage, "data:image/png;base64,") {
		data.Image = template.URL(state.PairingImage)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := qrPage.Execute(w, data); err != nil {
		hlog.FromRequest(r).Err(err).Msg("Failed to render QR code page")
	}
}

type authStatusResponse struct {
	tools.AuthStatus
	LastSeen *jsontime.UnixMilli `json:"lastSeen"`
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	state := s.conn.State()
	writeJSON(w, http.StatusOK, authStatusResponse{
		AuthStatus: tools.NewAuthStatus(state),
		LastSeen:   state.LastSeen,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.conn.State()
	body := map[string]any{
		"status": "ok",
		"phase":  state.Phase,
		"ready":  state.Ready,
	}
	if s.sessions != nil {
		body["sessions"] = s.sessions.SessionCount()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleMockPair(w http.ResponseWriter, r *http.Request) {
	client := s.mock.Load()
	if client == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "The WhatsApp driver does not support simulated pairing"})
		return
	}
	if s.conn.State().Authenticated {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "WhatsApp is already authenticated"})
		return
	}
	client.Pair()
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "Pairing requested"})
}
