// Package diag implements the administrative/diagnostics HTTP surface of
// spec.md §6 plus a live status websocket broadcast, grounded on the
// teacher's scheduler.HealthServer (health.go) and scheduler.WebServer
// (server.go) — including carrying over server.go's suncalc-derived
// SunInfo onto the status payload, the same juxtaposition the teacher's
// dashboard makes between solar position and plant state.
package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sixdouglas/suncalc"

	"github.com/openenergy/tariffsync/policy"
)

// UserStatus is one entry of the status payload's per-user view.
type UserStatus struct {
	Email            string    `json:"email"`
	SiteID           string    `json:"site_id"`
	SyncEnabled      bool      `json:"sync_enabled"`
	LastUpdateStatus string    `json:"last_update_status"`
	LastUpdateTime   time.Time `json:"last_update_time,omitempty"`
	InSpikeMode      bool      `json:"in_spike_mode"`
	CurrentExportRule string   `json:"current_export_rule"`
}

// SunInfo mirrors the teacher's scheduler.SunInfo.
type SunInfo struct {
	SolarAngle float64 `json:"solar_angle"`
	Sunrise    string  `json:"sunrise"`
	Sunset     string  `json:"sunset"`
}

// StatusResponse is the combined payload served over /api/status and the
// websocket broadcast.
type StatusResponse struct {
	Status    string       `json:"status"`
	Timestamp string       `json:"timestamp"`
	Users     []UserStatus `json:"users"`
	Sun       SunInfo      `json:"sun"`
}

// Server is the HTTP+websocket diagnostics surface. Construct with New,
// then Start/Stop around the process lifetime.
type Server struct {
	repo      policy.Repository
	latitude  float64
	longitude float64
	port      int
	startTime time.Time

	server    *http.Server
	upgrader  websocket.Upgrader
	clients   sync.Map
	broadcast chan []byte
	done      chan struct{}
}

// New builds a diagnostics server. port<=0 disables it, matching the
// teacher's NewHealthServer/NewWebServer convention.
func New(repo policy.Repository, latitude, longitude float64, port int) *Server {
	if port <= 0 {
		return nil
	}

	mux := http.NewServeMux()
	s := &Server{
		repo:      repo,
		latitude:  latitude,
		longitude: longitude,
		port:      port,
		startTime: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		broadcast: make(chan []byte, 256),
		done:      make(chan struct{}),
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}

	mux.HandleFunc("/api/health", s.healthHandler)
	mux.HandleFunc("/api/ready", s.readinessHandler)
	mux.HandleFunc("/api/status", s.statusHandler)
	mux.HandleFunc("/api/ws", s.wsHandler)

	return s
}

// Start launches the HTTP server plus the broadcast loop, non-blocking.
func (s *Server) Start() error {
	if s == nil {
		return nil
	}
	go s.handleBroadcasts()
	go s.broadcastStatusLoop()
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("diag: server error: %v\n", err)
		}
	}()
	return nil
}

// Stop closes every websocket client and shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	close(s.done)
	s.clients.Range(func(key, _ any) bool {
		if conn, ok := key.(*websocket.Conn); ok {
			conn.Close()
		}
		return true
	})
	return s.server.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.startTime).String(),
	})
}

func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"ready":     true,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.buildStatus())
}

func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.clients.Store(conn, true)
	s.sendStatusTo(conn)

	defer func() {
		s.clients.Delete(conn)
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (s *Server) handleBroadcasts() {
	for {
		select {
		case message := <-s.broadcast:
			s.clients.Range(func(key, _ any) bool {
				conn, ok := key.(*websocket.Conn)
				if !ok {
					return true
				}
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					conn.Close()
					s.clients.Delete(conn)
				}
				return true
			})
		case <-s.done:
			return
		}
	}
}

func (s *Server) broadcastStatusLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hasClients := false
			s.clients.Range(func(_, _ any) bool {
				hasClients = true
				return false
			})
			if !hasClients {
				continue
			}
			message, err := json.Marshal(s.buildStatus())
			if err != nil {
				continue
			}
			s.broadcast <- message
		case <-s.done:
			return
		}
	}
}

func (s *Server) sendStatusTo(conn *websocket.Conn) {
	conn.WriteJSON(s.buildStatus())
}

func (s *Server) buildStatus() StatusResponse {
	var users []UserStatus
	for _, u := range s.repo.ListActive() {
		u.Lock()
		users = append(users, UserStatus{
			Email:             u.Email,
			SiteID:            u.SiteID,
			SyncEnabled:       u.SyncEnabled,
			LastUpdateStatus:  u.LastUpdateStatus,
			LastUpdateTime:    u.LastUpdateTime,
			InSpikeMode:       u.InSpikeMode,
			CurrentExportRule: string(u.CurrentExportRule),
		})
		u.Unlock()
	}

	now := time.Now()
	sunTimes := suncalc.GetTimes(now, s.latitude, s.longitude)
	sunPos := suncalc.GetPosition(now, s.latitude, s.longitude)

	return StatusResponse{
		Status:    "healthy",
		Timestamp: now.UTC().Format(time.RFC3339),
		Users:     users,
		Sun: SunInfo{
			SolarAngle: sunPos.Altitude * 180 / math.Pi,
			Sunrise:    sunTimes["sunrise"].Value.Format(time.RFC3339),
			Sunset:     sunTimes["sunset"].Value.Format(time.RFC3339),
		},
	}
}
