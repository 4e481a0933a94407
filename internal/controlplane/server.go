package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/fentz26/labflow/internal/identity"
	"github.com/fentz26/labflow/internal/models"
	"github.com/fentz26/labflow/internal/notify"
	"github.com/fentz26/labflow/internal/query"
	"github.com/fentz26/labflow/internal/workflow"
)

// Version is reported by /health. Set at build time.
var Version = "dev"

// ActorHeader carries the acting username, set by the front end.
const ActorHeader = "X-Labflow-User"

const (
	defaultPerPage = 20
	maxPerPage     = 200
)

// StatsProvider reports background worker statistics.
type StatsProvider interface {
	Stats() map[string]interface{}
}

// InboxReader reads a user's recent notifications.
type InboxReader interface {
	Inbox(ctx context.Context, user string, n int64) ([]notify.Event, error)
}

// Server provides the HTTP API for labflow.
type Server struct {
	service *Service
	oracle  identity.Oracle
	addr    string
	echo    *echo.Echo
	server  *http.Server

	sched     StatsProvider
	inbox     InboxReader
	rateLimit int
}

// NewServer creates a new HTTP server. A nil oracle allows every user.
func NewServer(service *Service, oracle identity.Oracle, addr string) *Server {
	if oracle == nil {
		oracle = identity.AllowAll{}
	}
	s := &Server{
		service: service,
		oracle:  oracle,
		addr:    addr,
	}
	s.echo = s.routes()
	return s
}

// SetScheduler wires the scheduler for the /scheduler endpoint.
func (s *Server) SetScheduler(p StatsProvider) {
	s.sched = p
}

// SetInbox wires the notification inbox for the /inbox endpoint.
func (s *Server) SetInbox(r InboxReader) {
	s.inbox = r
}

// SetRateLimit caps requests per client per minute. Zero disables the cap.
func (s *Server) SetRateLimit(n int) {
	s.rateLimit = n
}

// Handler exposes the routes, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler
	e.Use(middleware.Recover())
	e.Use(s.limitRate(time.Minute))

	e.GET("/health", s.handleHealth)
	e.GET("/scheduler", s.schedulerStats)
	e.GET("/inbox", s.readInbox, s.requireActor)

	view := s.can(identity.LevelView)
	edit := s.can(identity.LevelEdit)

	g := e.Group("/tasks", s.requireActor)
	g.GET("", s.listTasks, view)
	g.POST("", s.createTask, edit)
	g.POST("/repeat", s.repeatTask, edit)
	g.GET("/mine", s.myTasks, view)
	g.GET("/stats", s.statistics, view)
	g.GET("/:id", s.getTask, view)
	g.PATCH("/:id", s.updateTask, edit)
	g.DELETE("/:id", s.deleteTask, edit)
	g.POST("/:id/handover", s.handoverTask, edit)
	g.POST("/:id/status", s.updateStatus, edit)
	g.GET("/:id/history", s.taskHistory, view)
	g.GET("/:id/files", s.listFiles, view)
	g.POST("/:id/files", s.uploadFile, edit, s.limitBody())
	g.GET("/:id/files/:fid", s.downloadFile, view)
	g.DELETE("/:id/files/:fid", s.deleteFile, edit)

	return e
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.echo,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	log.Printf("Starting labflow daemon on %s", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code, msg := StatusCode(err), Message(err)
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		msg = fmt.Sprint(he.Message)
		if code == http.StatusRequestEntityTooLarge {
			msg = ErrFileTooLarge.Msg
		}
	}
	if code >= http.StatusInternalServerError {
		log.Printf("API error: %s %s: %v", c.Request().Method, c.Path(), err)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, ErrorResponse{Error: msg})
	}
	if err != nil {
		log.Printf("Warning: failed to write error response: %v", err)
	}
}

// --- Middleware ---

func actor(c echo.Context) string {
	return c.Get("actor").(string)
}

func (s *Server) requireActor(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		user := strings.TrimSpace(c.Request().Header.Get(ActorHeader))
		if user == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing "+ActorHeader+" header")
		}
		if !s.oracle.Exists(user) {
			return echo.NewHTTPError(http.StatusForbidden, "unknown user "+user)
		}
		c.Set("actor", user)
		return next(c)
	}
}

func (s *Server) can(level identity.Level) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !s.oracle.HasPermission(actor(c), identity.TaskSection, level) {
				return echo.NewHTTPError(http.StatusForbidden, "you do not have "+string(level)+" permission on tasks")
			}
			return next(c)
		}
	}
}

func (s *Server) limitBody() echo.MiddlewareFunc {
	// Leave room for the multipart envelope around the file.
	return middleware.BodyLimit(strconv.FormatInt(s.service.MaxUpload()/1024+1024, 10) + "K")
}

func (s *Server) limitRate(window time.Duration) echo.MiddlewareFunc {
	type bucket struct {
		count int
		start time.Time
	}

	var (
		mu      sync.Mutex
		buckets = make(map[string]*bucket)
	)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if s.rateLimit <= 0 {
				return next(c)
			}
			now := time.Now()
			key := c.RealIP()

			mu.Lock()
			b, ok := buckets[key]
			if !ok || now.Sub(b.start) > window {
				b = &bucket{start: now}
				buckets[key] = b
			}
			if b.count >= s.rateLimit {
				mu.Unlock()
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			b.count++
			mu.Unlock()

			return next(c)
		}
	}
}

func (s *Server) checkUser(name string) error {
	if name != "" && !s.oracle.Exists(name) {
		return validationf("unknown user %q", name)
	}
	return nil
}

func taskID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		return 0, validationf("invalid task id %q", c.Param("id"))
	}
	return id, nil
}

func intParam(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, validationf("%s must be a positive integer", name)
	}
	return n, nil
}

// --- Health ---

// HealthResponse is the body of /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{OK: true, DB: "ok", Version: Version, Time: time.Now().UTC().Format(time.RFC3339)}
	code := http.StatusOK

	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()
	if err := s.service.Ping(ctx); err != nil {
		resp.OK = false
		resp.DB = err.Error()
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

func (s *Server) schedulerStats(c echo.Context) error {
	if s.sched == nil {
		return c.JSON(http.StatusOK, map[string]interface{}{"running": false})
	}
	return c.JSON(http.StatusOK, s.sched.Stats())
}

func (s *Server) readInbox(c echo.Context) error {
	if s.inbox == nil {
		return c.JSON(http.StatusOK, []notify.Event{})
	}
	n, err := intParam(c, "n", 20)
	if err != nil {
		return err
	}
	events, err := s.inbox.Inbox(c.Request().Context(), actor(c), int64(n))
	if err != nil {
		return storageError("failed to read inbox", err)
	}
	return c.JSON(http.StatusOK, events)
}

// --- Task Handlers ---

// ListResponse is one page of annotated tasks.
type ListResponse struct {
	Tasks      []workflow.AnnotatedTask `json:"tasks"`
	Page       int                      `json:"page"`
	PerPage    int                      `json:"per_page"`
	TotalPages int                      `json:"total_pages"`
	TotalCount int                      `json:"total_count"`
}

func (s *Server) listTasks(c echo.Context) error {
	ctx := c.Request().Context()

	if c.QueryParams().Has("q") {
		tasks, err := s.service.Search(ctx, c.QueryParam("q"), c.QueryParam("assigned_to"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, ListResponse{
			Tasks: workflow.AnnotateAll(tasks), Page: 1, PerPage: len(tasks),
			TotalPages: 1, TotalCount: len(tasks),
		})
	}

	page, err := intParam(c, "page", 1)
	if err != nil {
		return err
	}
	perPage, err := intParam(c, "per_page", defaultPerPage)
	if err != nil {
		return err
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}

	f := query.Filter{
		Status:     models.TaskStatus(c.QueryParam("status")),
		Priority:   models.Priority(c.QueryParam("priority")),
		AssignedTo: c.QueryParam("assigned_to"),
	}
	if f.Status != "" && !f.Status.Valid() {
		return validationf("invalid status %q", f.Status)
	}
	if f.Priority != "" && !f.Priority.Valid() {
		return validationf("invalid priority %q", f.Priority)
	}

	p, err := s.service.Paginate(ctx, page, perPage, f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ListResponse{
		Tasks: workflow.AnnotateAll(p.Tasks), Page: p.Page, PerPage: p.PerPage,
		TotalPages: p.TotalPages, TotalCount: p.TotalCount,
	})
}

func (s *Server) myTasks(c echo.Context) error {
	ctx := c.Request().Context()
	var (
		tasks []*models.Task
		err   error
	)
	if c.QueryParam("role") == "creator" {
		tasks, err = s.service.TasksAssignedBy(ctx, actor(c))
	} else {
		tasks, err = s.service.TasksAssignedTo(ctx, actor(c))
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, workflow.AnnotateAll(tasks))
}

func (s *Server) statistics(c echo.Context) error {
	stats, err := s.service.Statistics(c.Request().Context(), c.QueryParam("user"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) createTask(c echo.Context) error {
	var req NewTask
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON payload")
	}
	if req.AssignedBy == "" {
		req.AssignedBy = actor(c)
	}
	if err := s.checkUser(strings.TrimSpace(req.AssignedTo)); err != nil {
		return err
	}
	if err := s.checkUser(strings.TrimSpace(req.AssignedBy)); err != nil {
		return err
	}

	task, err := s.service.CreateTask(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, workflow.Annotate(task))
}

func (s *Server) repeatTask(c echo.Context) error {
	var req RepeatTask
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON payload")
	}
	if req.AssignedBy == "" {
		req.AssignedBy = actor(c)
	}
	if err := s.checkUser(strings.TrimSpace(req.AssignedTo)); err != nil {
		return err
	}

	task, err := s.service.CreateRepeat(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, workflow.Annotate(task))
}

// TaskDetail is a task with its derived workflow fields and timeline.
type TaskDetail struct {
	workflow.AnnotatedTask
	Timeline []workflow.TimelineEntry `json:"timeline"`
}

func (s *Server) getTask(c echo.Context) error {
	id, err := taskID(c)
	if err != nil {
		return err
	}
	task, err := s.service.GetTask(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, TaskDetail{AnnotatedTask: workflow.Annotate(task), Timeline: workflow.Timeline(task)})
}

func (s *Server) updateTask(c echo.Context) error {
	id, err := taskID(c)
	if err != nil {
		return err
	}
	var patch TaskPatch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON payload")
	}
	if patch.Empty() {
		return validationf("nothing to update")
	}
	if patch.AssignedTo != nil {
		if err := s.checkUser(strings.TrimSpace(*patch.AssignedTo)); err != nil {
			return err
		}
	}

	task, err := s.service.UpdateTask(c.Request().Context(), id, actor(c), patch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, workflow.Annotate(task))
}

func (s *Server) deleteTask(c echo.Context) error {
	id, err := taskID(c)
	if err != nil {
		return err
	}
	if err := s.service.DeleteTask(c.Request().Context(), id, actor(c)); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type handoverRequest struct {
	To   string `json:"to"`
	Note string `json:"note"`
}

func (s *Server) handoverTask(c echo.Context) error {
	id, err := taskID(c)
	if err != nil {
		return err
	}
	var req handoverRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON payload")
	}
	if err := s.checkUser(strings.TrimSpace(req.To)); err != nil {
		return err
	}

	task, err := s.service.Handover(c.Request().Context(), id, actor(c), req.To, req.Note)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, workflow.Annotate(task))
}

type statusRequest struct {
	Status models.TaskStatus `json:"status"`
}

func (s *Server) updateStatus(c echo.Context) error {
	id, err := taskID(c)
	if err != nil {
		return err
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON payload")
	}

	task, err := s.service.UpdateStatus(c.Request().Context(), id, actor(c), req.Status)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, workflow.Annotate(task))
}

func (s *Server) taskHistory(c echo.Context) error {
	id, err := taskID(c)
	if err != nil {
		return err
	}
	entries, err := s.service.History(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []models.PDREntry{}
	}
	return c.JSON(http.StatusOK, entries)
}

// --- File Handlers ---

func (s *Server) listFiles(c echo.Context) error {
	id, err := taskID(c)
	if err != nil {
		return err
	}
	files, err := s.service.ListFiles(c.Request().Context(), id, c.QueryParam("stage"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, files)
}

func (s *Server) uploadFile(c echo.Context) error {
	id, err := taskID(c)
	if err != nil {
		return err
	}
	fh, err := c.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return ErrNoFile
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid multipart upload")
	}
	f, err := fh.Open()
	if err != nil {
		return storageError("failed to read upload", err)
	}
	defer f.Close()

	att, err := s.service.UploadFile(c.Request().Context(), Upload{
		TaskID:      id,
		Filename:    fh.Filename,
		Content:     f,
		Size:        fh.Size,
		StageName:   c.FormValue("stage_name"),
		UploadedBy:  actor(c),
		Description: c.FormValue("description"),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, att)
}

func (s *Server) downloadFile(c echo.Context) error {
	id, err := taskID(c)
	if err != nil {
		return err
	}
	path, name, err := s.service.FilePath(c.Request().Context(), id, c.Param("fid"))
	if err != nil {
		return err
	}
	return c.Attachment(path, name)
}

func (s *Server) deleteFile(c echo.Context) error {
	id, err := taskID(c)
	if err != nil {
		return err
	}
	if err := s.service.DeleteFile(c.Request().Context(), id, actor(c), c.Param("fid")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
