package server

import (
	"errors"
	"log/slog"
	"maps"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/deployr/internal/auth"
	"github.com/loykin/deployr/internal/coordinator"
	"github.com/loykin/deployr/internal/history"
	"github.com/loykin/deployr/internal/jobs"
	"github.com/loykin/deployr/internal/kv"
	"github.com/loykin/deployr/internal/metrics"
)

// Router provides embeddable HTTP handlers for running deploy jobs.
// Endpoints:
//   GET      /                             documentation
//   GET      {basePath}/health
//   GET      {basePath}/jobs
//   GET|POST {basePath}/deploy/:job        params in query, form or JSON body; streams output
//   POST     {basePath}/abort/:job
//   GET      {basePath}/history/:job       query: buildId=N (optional)
//   POST     {basePath}/auth/login         when authentication is enabled
//   GET      /metrics                      when enabled
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	coord    *coordinator.Coordinator
	history  history.Store
	basePath string
	metrics  bool
	auth     *auth.Middleware
	log      *slog.Logger
}

type Option func(*Router)

// WithMetrics mounts the Prometheus handler on /metrics.
func WithMetrics(enabled bool) Option { return func(r *Router) { r.metrics = enabled } }

// WithAuth guards every route except docs, health and metrics.
func WithAuth(svc *auth.Service) Option {
	return func(r *Router) { r.auth = auth.NewMiddleware(svc) }
}

func WithLogger(lg *slog.Logger) Option {
	return func(r *Router) {
		if lg != nil {
			r.log = lg
		}
	}
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api/v1" results in /api/v1/deploy/:job and so on.
func NewRouter(coord *coordinator.Coordinator, hist history.Store, basePath string, opts ...Option) *Router {
	r := &Router{coord: coord, history: hist, basePath: sanitizeBase(basePath), auth: auth.NewMiddleware(nil), log: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/", r.handleDocs)
	group := g.Group(r.basePath)
	group.GET("/health", r.handleHealth)
	group.POST("/auth/login", r.auth.Login)

	api := group.Group("", r.auth.GinAuth())
	api.GET("/jobs", r.auth.GinRequirePermission(auth.ResourceJob, auth.ActionRead), r.handleJobs)
	deploy := r.auth.GinRequirePermission(auth.ResourceJob, auth.ActionDeploy)
	api.GET("/deploy/:job", deploy, r.handleDeploy)
	api.POST("/deploy/:job", deploy, r.handleDeploy)
	api.POST("/abort/:job", r.auth.GinRequirePermission(auth.ResourceJob, auth.ActionAbort), r.handleAbort)
	api.GET("/history/:job", r.auth.GinRequirePermission(auth.ResourceHistory, auth.ActionRead), r.handleHistory)
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer wraps h in an http.Server for addr. There is no write timeout:
// deploy streams last as long as the job does.
func NewServer(addr string, h http.Handler, readHeaderTimeout time.Duration) *http.Server {
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = 10 * time.Second
	}
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

type missingParamsResp struct {
	Success            string   `json:"success"`
	Error              string   `json:"error"`
	Message            string   `json:"message"`
	RequiredParameters []string `json:"required_parameters"`
	StatusCode         int      `json:"status_code"`
}

func (r *Router) handleDocs(c *gin.Context) {
	endpoints := map[string]string{
		"/":                     "Displays this doc",
		r.basePath + "/health":  "Health check",
		r.basePath + "/jobs":    "Lists configured jobs",
		r.basePath + "/history": "Last 10 runs of a job, or one run with ?buildId=N",
	}
	guide := map[string]string{}
	for _, j := range r.coord.Catalog().Jobs() {
		path := r.basePath + "/deploy/" + j.Name
		desc := j.Description
		if desc == "" {
			desc = "Deploy " + j.DisplayName()
		}
		endpoints[path] = desc
		endpoints[r.basePath+"/abort/"+j.Name] = "Abort the running deployment of " + j.DisplayName()
		q := make([]string, 0, len(j.Params))
		for _, p := range j.Params {
			q = append(q, p+"=...")
		}
		if len(q) > 0 {
			path += "?" + strings.Join(q, "&")
		}
		guide["deploy_"+j.Name] = path
	}
	writeJSON(c, http.StatusOK, gin.H{"message": "Documentation", "endpoints": endpoints, "guide": guide})
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{"status": "healthy", "service": "deployr"})
}

type jobInfo struct {
	Name        string   `json:"name"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Params      []string `json:"params,omitempty"`
	Lease       string   `json:"lease"`
	Active      *bool    `json:"active,omitempty"`
}

func (r *Router) handleJobs(c *gin.Context) {
	js := r.coord.Catalog().Jobs()
	out := make([]jobInfo, 0, len(js))
	for _, j := range js {
		info := jobInfo{Name: j.Name, Title: j.DisplayName(), Description: j.Description, Params: j.Params, Lease: j.LeaseName()}
		if active, err := r.coord.Active(c.Request.Context(), j.Name); err == nil {
			info.Active = &active
		}
		out = append(out, info)
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleDeploy(c *gin.Context) {
	job := c.Param("job")
	if !isSafeName(job) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown job: " + job})
		return
	}
	params, err := requestParams(c)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	ctx := c.Request.Context()
	run, err := r.coord.Start(ctx, job, params)
	if err != nil {
		r.writeError(c, job, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Header("X-Build-Id", strconv.FormatInt(run.BuildID(), 10))
	c.Status(http.StatusOK)
	c.Writer.Flush()
	for chunk := range run.Stream(ctx) {
		if _, err := c.Writer.WriteString(chunk); err != nil {
			// the stream's context ends with the connection
			r.log.Debug("deploy stream write failed", "job", job, "error", err)
			break
		}
		c.Writer.Flush()
	}
}

func (r *Router) handleAbort(c *gin.Context) {
	job := c.Param("job")
	if !isSafeName(job) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown job: " + job})
		return
	}
	if err := r.coord.Abort(c.Request.Context(), job); err != nil {
		r.writeError(c, job, err)
		return
	}
	j, _ := r.coord.Catalog().Get(job)
	writeJSON(c, http.StatusOK, okResp{OK: true, Message: "Abort requested for " + j.DisplayName() + "."})
}

func (r *Router) handleHistory(c *gin.Context) {
	job := c.Param("job")
	if _, ok := r.coord.Catalog().Get(job); !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown job: " + job})
		return
	}
	ctx := c.Request.Context()
	if raw := c.Query("buildId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "Build ID must be an integer"})
			return
		}
		run, err := r.history.Get(ctx, job, id)
		if errors.Is(err, history.ErrNotFound) {
			writeJSON(c, http.StatusNotFound, errorResp{Error: "Build ID not found"})
			return
		}
		if err != nil {
			r.log.Error("history lookup failed", "job", job, "build_id", id, "error", err)
			writeJSON(c, http.StatusInternalServerError, errorResp{Error: "history unavailable"})
			return
		}
		out := summaryJSON(run.Summary())
		out["output_log"] = run.Log
		out["exit_code"] = run.ExitCode
		if run.Reason != "" {
			out["reason"] = run.Reason
		}
		writeJSON(c, http.StatusOK, out)
		return
	}
	list, err := r.history.List(ctx, job, history.DefaultListLimit)
	if err != nil {
		r.log.Error("history list failed", "job", job, "error", err)
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: "history unavailable"})
		return
	}
	out := make([]gin.H, 0, len(list))
	for _, s := range list {
		out = append(out, summaryJSON(s))
	}
	writeJSON(c, http.StatusOK, out)
}

// summaryJSON flattens a summary into the history wire shape, with the run
// metadata as top-level keys.
func summaryJSON(s history.Summary) gin.H {
	out := gin.H{}
	for k, v := range s.Metadata {
		out[k] = v
	}
	out["buildId"] = strconv.FormatInt(s.BuildID, 10)
	out["datetime"] = s.StartedAt.Format(time.RFC3339)
	out["finished"] = s.FinishedAt.Format(time.RFC3339)
	out["status"] = s.Success
	out["aborted"] = s.Aborted
	out["state"] = s.State
	return out
}

func (r *Router) writeError(c *gin.Context, job string, err error) {
	var missing *jobs.MissingParamsError
	var busy *coordinator.BusyError
	switch {
	case errors.As(err, &missing):
		j, _ := r.coord.Catalog().Get(job)
		writeJSON(c, http.StatusBadRequest, missingParamsResp{
			Success:            "false",
			Error:              "Missing required parameter",
			Message:            strings.Join(missing.Missing, " and ") + " is missing in the query string",
			RequiredParameters: j.Params,
			StatusCode:         http.StatusBadRequest,
		})
	case errors.Is(err, jobs.ErrUnknownJob):
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown job: " + job})
	case errors.As(err, &busy):
		writeJSON(c, http.StatusConflict, errorResp{Error: busy.Error()})
	case errors.Is(err, coordinator.ErrNoActiveRun):
		writeJSON(c, http.StatusNotFound, errorResp{Error: "No deployment is running for " + job + "."})
	case errors.Is(err, kv.ErrUnavailable):
		r.log.Warn("lease store unavailable", "job", job, "error", err)
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "lease store unavailable"})
	default:
		r.log.Error("request failed", "job", job, "error", err)
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
	}
}

// requestParams collects job parameters from the query string and, for POST,
// from a form or JSON object body. Body values win.
func requestParams(c *gin.Context) (map[string]string, error) {
	params := make(map[string]string)
	for k, v := range c.Request.URL.Query() {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	if c.Request.Method != http.MethodPost || c.Request.ContentLength == 0 {
		return params, nil
	}
	if strings.HasPrefix(c.ContentType(), "application/json") {
		var body map[string]string
		if err := c.ShouldBindJSON(&body); err != nil {
			return nil, err
		}
		maps.Copy(params, body)
		return params, nil
	}
	if err := c.Request.ParseForm(); err == nil {
		for k, v := range c.Request.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
	}
	return params, nil
}
