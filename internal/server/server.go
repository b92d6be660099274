package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/waxwing-chat/waxwing/internal/config"
	"github.com/waxwing-chat/waxwing/internal/store"
)

// Server holds all dependencies of the relay and exposes its HTTP surface.
type Server struct {
	store     *store.Store
	directory *Directory
	router    *Router
	upgrader  websocket.Upgrader
	cfg       *config.Config
	log       *logrus.Logger
}

// NewServer wires the directory, router, and websocket upgrader around the
// given datastore.
func NewServer(cfg *config.Config, st *store.Store, log *logrus.Logger) *Server {
	directory := NewDirectory()
	s := &Server{
		store:     st,
		directory: directory,
		router:    NewRouter(st, directory, log),
		cfg:       cfg,
		log:       log,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Directory exposes the connection registry, mainly for tests.
func (s *Server) Directory() *Directory {
	return s.directory
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Routes builds the relay's route table.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/users", s.HandleCreateUser).Methods(http.MethodPost)
	r.HandleFunc("/groups", s.HandleCreateGroup).Methods(http.MethodPost)
	r.HandleFunc("/ws/{user_id:[0-9]+}", s.HandleConnections).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.HandleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// CreateUserRequest defines the JSON body of POST /users.
type CreateUserRequest struct {
	Username string `json:"username"`
}

// HandleCreateUser registers a new chat identity.
func (s *Server) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := s.store.CreateUser(r.Context(), req.Username)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.log.WithField("user_id", user.ID).Info("user created")
	writeJSON(w, http.StatusCreated, user)
}

// CreateGroupRequest defines the JSON body of POST /groups.
type CreateGroupRequest struct {
	GroupName string  `json:"group_name"`
	UserIDs   []int64 `json:"user_ids"`
}

// HandleCreateGroup registers a new group. Duplicate member ids and ids
// without a matching user are rejected.
func (s *Server) HandleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	group, err := s.store.CreateGroup(r.Context(), req.GroupName, req.UserIDs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.log.WithField("group_id", group.ID).Info("group created")
	writeJSON(w, http.StatusCreated, group)
}

// HandleConnections upgrades GET /ws/{user_id} to a websocket, registers
// the connection in the directory, and starts its pump goroutines. Unknown
// user ids are rejected before the upgrade.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(mux.Vars(r)["user_id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}

	user, err := s.store.FindUser(r.Context(), userID)
	if err != nil {
		http.Error(w, "datastore unavailable", http.StatusInternalServerError)
		return
	}
	if user == nil {
		http.Error(w, "user does not exist", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := newClient(userID, conn, s.log, s.cfg.SendBuffer, s.cfg.WriteTimeout, s.cfg.PingInterval)
	s.directory.Register(userID, client)
	client.log.Info("client connected")

	go client.writePump()
	go client.readPump(s.router, s.directory)
}

// HandleHealth reports process liveness.
func (s *Server) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
