// Package apitest provides an in-memory key server for tests of code that
// talks to the key API.
package apitest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"

	"keyvault/internal/apiclient"
	"keyvault/internal/keymaterial"
)

// Route names accepted by FailNext and Requests.
const (
	RouteSessions   = "sessions"
	RouteAccountKey = "accountKey"
	RouteMasterKey  = "masterKey"
)

// Server is a fake key server. The zero token disables authentication.
type Server struct {
	srv   *httptest.Server
	Token string

	mu             sync.Mutex
	sessions       []apiclient.Session
	masterKeys     map[string]string
	uploads        []apiclient.AccountKeyUpload
	accountKeyHash string
	failures       map[string][]int
	requests       map[string]int
	requestIDs     []string
}

// NewServer starts a server that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	s := &Server{
		masterKeys: make(map[string]string),
		failures:   make(map[string][]int),
		requests:   make(map[string]int),
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.middleware)
	api.HandleFunc("/sessions/list", s.listSessions).Methods(http.MethodGet).Name(RouteSessions)
	api.HandleFunc("/keys/accountKey", s.submitAccountKey).Methods(http.MethodPost).Name(RouteAccountKey)
	api.HandleFunc("/key/masterKey", s.masterKey).Methods(http.MethodGet).Queries("userId", "{userId}").Name(RouteMasterKey)

	s.srv = httptest.NewServer(r)
	t.Cleanup(s.srv.Close)
	return s
}

// URL is the API base URL to hand to apiclient.
func (s *Server) URL() string {
	return s.srv.URL + "/api"
}

// SetSessions replaces the session list.
func (s *Server) SetSessions(sessions ...apiclient.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append([]apiclient.Session(nil), sessions...)
}

// SetMasterKey publishes userID's master public key.
func (s *Server) SetMasterKey(userID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.masterKeys[userID] = key
}

// SetAccountKeyHash sets the hash of the account key the server believes
// is current, enabling the optimistic concurrency check.
func (s *Server) SetAccountKeyHash(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accountKeyHash = hash
}

// AccountKeyHash returns the hash of the last accepted account key.
func (s *Server) AccountKeyHash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountKeyHash
}

// FailNext makes the next request to route answer with status.
// Calls queue up.
func (s *Server) FailNext(route string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = append(s.failures[route], status)
}

// Uploads returns every accepted account key submission.
func (s *Server) Uploads() []apiclient.AccountKeyUpload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]apiclient.AccountKeyUpload(nil), s.uploads...)
}

// Requests returns how many requests reached route, including failed ones.
func (s *Server) Requests(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[route]
}

// RequestIDs returns the X-Request-ID of every request in arrival order.
func (s *Server) RequestIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requestIDs...)
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := ""
		if cur := mux.CurrentRoute(r); cur != nil {
			route = cur.GetName()
		}

		s.mu.Lock()
		s.requests[route]++
		s.requestIDs = append(s.requestIDs, r.Header.Get("X-Request-ID"))
		var status int
		if queued := s.failures[route]; len(queued) > 0 {
			status, s.failures[route] = queued[0], queued[1:]
		}
		token := s.Token
		s.mu.Unlock()

		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if status != 0 {
			http.Error(w, "injected failure", status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	sessions := append([]apiclient.Session{}, s.sessions...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) submitAccountKey(w http.ResponseWriter, r *http.Request) {
	var upload apiclient.AccountKeyUpload
	if err := json.NewDecoder(r.Body).Decode(&upload); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if upload.AccountKey == "" || upload.AccountKeySign == "" || upload.ShareDataSign == "" {
		http.Error(w, "missing fields", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	encrypted := make(map[string]bool)
	for _, sess := range s.sessions {
		if sess.Encrypted {
			encrypted[sess.UUID] = true
		}
	}
	for _, ek := range upload.EncryptedAccountKeys {
		if !encrypted[ek.SessionID] {
			http.Error(w, "unknown session "+ek.SessionID, http.StatusBadRequest)
			return
		}
	}

	if s.accountKeyHash != "" && upload.PreviousAccountKeyHash != s.accountKeyHash {
		http.Error(w, "account key changed", http.StatusConflict)
		return
	}

	s.uploads = append(s.uploads, upload)
	s.accountKeyHash = keymaterial.Hash(upload.AccountKey)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) masterKey(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(mux.Vars(r)["userId"])

	s.mu.Lock()
	key, ok := s.masterKeys[userID]
	s.mu.Unlock()

	if !ok {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
