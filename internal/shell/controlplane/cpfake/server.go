// Package cpfake is an in-memory control plane for tests. It serves the same
// endpoints as the real API and lets tests script compose status sequences,
// inject failures and count calls.
package cpfake

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// Route names used by Calls and FailNext.
const (
	RouteProjectAll    = "project.all"
	RouteProjectCreate = "project.create"
	RouteComposeOne    = "compose.one"
	RouteComposeCreate = "compose.create"
	RouteComposeUpdate = "compose.update"
	RouteComposeDeploy = "compose.deploy"
	RouteDeploymentAll = "deployment.all"
	RouteDeploymentOne = "deployment.one"
)

// Compose is the fake's view of a job.
type Compose struct {
	ID          string
	Name        string
	ProjectID   string
	Repository  string
	Branch      string
	Path        string
	Statuses    []string // consumed one per compose.one call; the last sticks
	Deployments []Deployment
}

// Deployment is the fake's view of a deploy attempt, newest first in Compose.
type Deployment struct {
	ID          string
	Status      string
	Title       string
	Description string
	CreatedAt   time.Time
}

type failure struct {
	status int
	count  int
}

// Server is a scripted control plane.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	apiKey   string
	projects map[string]string // id -> name
	composes map[string]*Compose
	order    []string
	calls    map[string]int
	failures map[string]*failure
	seq      int

	// OnDeploy, when set, is called with the compose (under the lock) after a
	// deployment has been recorded, so tests can script the next statuses.
	OnDeploy func(c *Compose)

	// DeployResponseOmitsID makes compose.deploy answer with a bare `true`.
	DeployResponseOmitsID bool
}

// New starts a fake control plane requiring apiKey on every request.
func New(apiKey string) *Server {
	s := &Server{
		apiKey:   apiKey,
		projects: make(map[string]string),
		composes: make(map[string]*Compose),
		calls:    make(map[string]int),
		failures: make(map[string]*failure),
	}

	r := chi.NewRouter()
	r.Use(s.authenticate)
	r.Get("/project.all", s.track(RouteProjectAll, s.handleProjectAll))
	r.Post("/project.create", s.track(RouteProjectCreate, s.handleProjectCreate))
	r.Get("/compose.one", s.track(RouteComposeOne, s.handleComposeOne))
	r.Post("/compose.create", s.track(RouteComposeCreate, s.handleComposeCreate))
	r.Post("/compose.update", s.track(RouteComposeUpdate, s.handleComposeUpdate))
	r.Post("/compose.deploy", s.track(RouteComposeDeploy, s.handleComposeDeploy))
	r.Get("/deployment.all", s.track(RouteDeploymentAll, s.handleDeploymentAll))
	r.Get("/deployment.one", s.track(RouteDeploymentOne, s.handleDeploymentOne))

	s.Server = httptest.NewServer(r)
	return s
}

// =============================================================================
// Scripting
// =============================================================================

// AddProject registers a project and returns its ID.
func (s *Server) AddProject(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID("proj")
	s.projects[id] = name
	return id
}

// AddCompose registers a compose. An empty ID is generated.
func (s *Server) AddCompose(c Compose) *Compose {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = s.nextID("comp")
	}
	stored := c
	s.composes[c.ID] = &stored
	s.order = append(s.order, c.ID)
	return &stored
}

// SetStatuses replaces the status script of a compose.
func (s *Server) SetStatuses(id string, statuses ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.composes[id]; ok {
		c.Statuses = statuses
	}
}

// AddDeployment prepends a deployment to a compose's history.
func (s *Server) AddDeployment(id string, d Deployment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.composes[id]; ok {
		if d.ID == "" {
			d.ID = s.nextID("dep")
		}
		c.Deployments = append([]Deployment{d}, c.Deployments...)
	}
}

// Compose returns a copy of the stored compose.
func (s *Server) Compose(id string) (Compose, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.composes[id]
	if !ok {
		return Compose{}, false
	}
	return *c, true
}

// FailNext makes the next count calls to route answer with status.
func (s *Server) FailNext(route string, status, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = &failure{status: status, count: count}
}

// Calls returns how many requests reached route, including injected failures.
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

func (s *Server) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

// =============================================================================
// Middleware
// =============================================================================

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && r.Header.Get("X-API-Key") != s.apiKey {
			http.Error(w, `{"message":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) track(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[route]++
		f := s.failures[route]
		if f != nil && f.count > 0 {
			f.count--
			status := f.status
			s.mu.Unlock()
			http.Error(w, `{"message":"injected failure"}`, status)
			return
		}
		s.mu.Unlock()
		next(w, r)
	}
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleProjectAll(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type project struct {
		ProjectID string           `json:"projectId"`
		Name      string           `json:"name"`
		Compose   []map[string]any `json:"compose"`
	}
	var out []project
	for id, name := range s.projects {
		p := project{ProjectID: id, Name: name, Compose: []map[string]any{}}
		for _, cid := range s.order {
			c := s.composes[cid]
			if c.ProjectID == id {
				p.Compose = append(p.Compose, s.composeJSON(c, false))
			}
		}
		out = append(out, p)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleProjectCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, `{"message":"name required"}`, http.StatusBadRequest)
		return
	}
	id := s.AddProject(req.Name)
	writeJSON(w, http.StatusOK, map[string]string{"projectId": id, "name": req.Name})
}

func (s *Server) handleComposeOne(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.composes[r.URL.Query().Get("composeId")]
	if !ok {
		http.Error(w, `{"message":"compose not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.composeJSON(c, true))
}

func (s *Server) handleComposeCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string `json:"name"`
		ProjectID string `json:"projectId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, `{"message":"name required"}`, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	_, known := s.projects[req.ProjectID]
	s.mu.Unlock()
	if !known {
		http.Error(w, `{"message":"project not found"}`, http.StatusNotFound)
		return
	}

	c := s.AddCompose(Compose{Name: req.Name, ProjectID: req.ProjectID, Statuses: []string{"idle"}})
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, s.composeJSON(c, false))
}

func (s *Server) handleComposeUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ComposeID       string `json:"composeId"`
		CustomGitURL    string `json:"customGitUrl"`
		CustomGitBranch string `json:"customGitBranch"`
		ComposePath     string `json:"composePath"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"message":"bad request"}`, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.composes[req.ComposeID]
	if !ok {
		http.Error(w, `{"message":"compose not found"}`, http.StatusNotFound)
		return
	}
	c.Repository = req.CustomGitURL
	c.Branch = req.CustomGitBranch
	c.Path = req.ComposePath
	writeJSON(w, http.StatusOK, s.composeJSON(c, false))
}

func (s *Server) handleComposeDeploy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ComposeID string `json:"composeId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"message":"bad request"}`, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.composes[req.ComposeID]
	if !ok {
		http.Error(w, `{"message":"compose not found"}`, http.StatusNotFound)
		return
	}

	d := Deployment{
		ID:        s.nextID("dep"),
		Status:    "running",
		Title:     "Manual deployment",
		CreatedAt: time.Now().UTC(),
	}
	c.Deployments = append([]Deployment{d}, c.Deployments...)
	if s.OnDeploy != nil {
		s.OnDeploy(c)
	}

	if s.DeployResponseOmitsID {
		writeJSON(w, http.StatusOK, true)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deploymentId": d.ID})
}

func (s *Server) handleDeploymentAll(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.composes[r.URL.Query().Get("composeId")]
	if !ok {
		http.Error(w, `{"message":"compose not found"}`, http.StatusNotFound)
		return
	}
	out := make([]map[string]any, 0, len(c.Deployments))
	for _, d := range c.Deployments {
		out = append(out, deploymentJSON(c.ID, d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeploymentOne(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := r.URL.Query().Get("deploymentId")
	for _, c := range s.composes {
		for _, d := range c.Deployments {
			if d.ID == id {
				writeJSON(w, http.StatusOK, deploymentJSON(c.ID, d))
				return
			}
		}
	}
	http.Error(w, `{"message":"deployment not found"}`, http.StatusNotFound)
}

// composeJSON renders a compose; advance consumes one scripted status and, once
// the script reaches a terminal status, settles the newest deployment with it.
func (s *Server) composeJSON(c *Compose, advance bool) map[string]any {
	status := "idle"
	if len(c.Statuses) > 0 {
		status = c.Statuses[0]
		if advance && len(c.Statuses) > 1 {
			c.Statuses = c.Statuses[1:]
		}
	}
	if advance && (status == "done" || status == "error") && len(c.Deployments) > 0 && c.Deployments[0].Status == "running" {
		c.Deployments[0].Status = status
	}

	deployments := make([]map[string]any, 0, len(c.Deployments))
	for _, d := range c.Deployments {
		deployments = append(deployments, deploymentJSON(c.ID, d))
	}
	return map[string]any{
		"composeId":       c.ID,
		"name":            c.Name,
		"projectId":       c.ProjectID,
		"composeStatus":   status,
		"sourceType":      "git",
		"customGitUrl":    c.Repository,
		"customGitBranch": c.Branch,
		"composePath":     c.Path,
		"deployments":     deployments,
	}
}

func deploymentJSON(composeID string, d Deployment) map[string]any {
	return map[string]any{
		"deploymentId": d.ID,
		"composeId":    composeID,
		"status":       d.Status,
		"title":        d.Title,
		"description":  d.Description,
		"createdAt":    d.CreatedAt.Format(time.RFC3339Nano),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
