package api

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"task-tracker/domain"
)

// Deps bundles the collaborators the HTTP handlers use.
type Deps struct {
	Tasks   TaskService
	Users   UserService
	Auth    Authenticator
	Issuer  TokenIssuer
	Deduper Deduper
	Health  []HealthChecker
	Logger  *log.Logger
	Now     func() time.Time
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps) {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = log.StandardLogger()
	}
	e.GET("/healthz", healthz(d.Health))
	e.POST("/api/auth/login", login(d.Users, d.Issuer))

	g := e.Group("/api", RequireIdentity(d.Auth))
	admin := RequireRole(domain.RoleAdmin)

	g.GET("/me", getMe())
	g.POST("/me/password", changePassword(d.Users))
	g.GET("/users", listUsers(d.Users), admin)
	g.POST("/users", createUser(d.Users), admin)
	g.POST("/users/:email/password", resetPassword(d.Users), admin)

	g.GET("/config", getBoardConfig(d.Tasks))
	g.GET("/tasks", getTasks(d.Tasks, d.Logger))
	g.POST("/tasks", createTask(d.Tasks), admin)
	g.GET("/tasks/:id", getTask(d.Tasks))
	g.PATCH("/tasks/:id", patchTask(d.Tasks, d.Deduper, d.Logger))
	g.DELETE("/tasks/:id", deleteTask(d.Tasks), admin)
	g.POST("/tasks/:id/comments", postComment(d.Tasks, d.Deduper))
	g.POST("/tasks/:id/attachments", uploadAttachment(d.Tasks))
	g.GET("/tasks/:id/attachments/:attachmentId", downloadAttachment(d.Tasks))
	g.DELETE("/tasks/:id/attachments/:attachmentId", deleteAttachment(d.Tasks))
	g.GET("/tasks/:id/calendar.ics", taskCalendar(d.Tasks, d.Now))

	g.GET("/board", getBoard(d.Tasks))
	g.GET("/backlog", getBacklog(d.Tasks))
	g.GET("/calendar", getCalendar(d.Tasks))
	g.GET("/analytics", getAnalytics(d.Tasks, d.Now))
	g.GET("/activity", getActivity(d.Tasks))
}

func healthz(checks []HealthChecker) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		for _, hc := range checks {
			if err := hc.Ping(ctx); err != nil {
				c.Logger().Errorf("health check: %v", err)
				return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
			}
		}
		return c.NoContent(http.StatusOK)
	}
}

func decodeBody(c echo.Context, dst any) error {
	lr := io.LimitReader(c.Request().Body, jsonBodyMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, errorResponse{Error: msg})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrTaskNotFound),
		errors.Is(err, domain.ErrAttachmentNotFound),
		errors.Is(err, domain.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTask), errors.Is(err, domain.ErrInvalidUser):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrConcurrencyConflict), errors.Is(err, domain.ErrUserExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrTaskTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrAttachmentsDisabled), errors.Is(err, errLocalAuthDisabled):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c echo.Context, err error) error {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		c.Logger().Error(err)
	}
	return c.JSON(status, errorResponse{Error: err.Error()})
}

func actorOf(c echo.Context) string {
	id, _ := identityFrom(c)
	return id.Actor()
}

func getBoardConfig(tasks TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		resp := boardConfigResponse{
			Companies:    tasks.Board().Companies,
			Difficulties: domain.Difficulties,
			Importances:  domain.Importances,
		}
		for _, st := range domain.Statuses {
			resp.Statuses = append(resp.Statuses, statusOption{Value: st, Label: st.Label()})
		}
		for w := domain.MinWeek; w <= domain.MaxWeek; w++ {
			resp.Weeks = append(resp.Weeks, w)
		}
		return c.JSON(http.StatusOK, resp)
	}
}

func getTasks(tasks TaskService, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, spanCtx := newRequestMetrics(c.Request().Context(), logger, "/api/tasks", tasksSpanName, tasksEventName)
		c.SetRequest(c.Request().WithContext(spanCtx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()
		metrics.ObserveAuth(authDurationFrom(c))

		fetchStart := time.Now()
		list, fetchErr := tasks.List(spanCtx)
		metrics.ObserveStore(time.Since(fetchStart))
		if fetchErr != nil {
			metrics.SetErrorStage("storage")
			return writeError(c, fetchErr)
		}
		metrics.SetCount("tasks_returned", len(list))

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, tasksResponse{Tasks: list})
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func getTask(tasks TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		t, err := tasks.Get(c.Request().Context(), c.Param("id"))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, t)
	}
}

func createTask(tasks TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		var n domain.NewTask
		if err := decodeBody(c, &n); err != nil {
			return badRequest(c, "invalid body")
		}
		t, err := tasks.Create(c.Request().Context(), n, actorOf(c))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusCreated, t)
	}
}

// claimIdempotencyKey records the request's Idempotency-Key, if any. It
// returns the release func to call when the write fails, or ok=false after
// it has already answered the request.
func claimIdempotencyKey(c echo.Context, dedupe Deduper, scope string) (release func(), ok bool, err error) {
	release = func() {}
	key := strings.TrimSpace(c.Request().Header.Get(idempotencyKeyHeader))
	if key == "" || dedupe == nil {
		return release, true, nil
	}
	if len(key) > idempotencyKeyMaxSize {
		return release, false, badRequest(c, "idempotency key too long")
	}
	ctx := c.Request().Context()
	added, addErr := dedupe.Add(ctx, scope, key)
	if addErr != nil {
		// Redis being down must not block edits.
		c.Logger().Warnf("idempotency check failed: %v", addErr)
		return release, true, nil
	}
	if !added {
		return release, false, c.JSON(http.StatusConflict, errorResponse{Error: "duplicate request"})
	}
	return func() {
		if rmErr := dedupe.Remove(context.WithoutCancel(ctx), scope, key); rmErr != nil {
			c.Logger().Warnf("release idempotency key: %v", rmErr)
		}
	}, true, nil
}

func patchTask(tasks TaskService, dedupe Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		id := c.Param("id")
		metrics, spanCtx := newRequestMetrics(c.Request().Context(), logger, "/api/tasks/:id", updateSpanName, updateEventName)
		c.SetRequest(c.Request().WithContext(spanCtx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()
		metrics.ObserveAuth(authDurationFrom(c))

		var upd domain.TaskUpdate
		if decErr := decodeBody(c, &upd); decErr != nil {
			metrics.SetErrorStage("decode")
			return badRequest(c, "invalid body")
		}

		caller, _ := identityFrom(c)
		release, ok, claimErr := claimIdempotencyKey(c, dedupe, "patch:"+caller.Subject+":"+id)
		if !ok {
			metrics.SetErrorStage("idempotency")
			return claimErr
		}

		storeStart := time.Now()
		t, entries, updErr := tasks.Update(spanCtx, id, upd, caller.Actor())
		metrics.ObserveStore(time.Since(storeStart))
		if updErr != nil {
			release()
			metrics.SetErrorStage("update")
			return writeError(c, updErr)
		}
		metrics.SetCount("entries_added", len(entries))

		if entries == nil {
			entries = []domain.ActivityLogEntry{}
		}
		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, updateTaskResponse{Task: t, NewEntries: entries})
		metrics.ObserveEncode(time.Since(encodeStart))
		return err
	}
}

func deleteTask(tasks TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := tasks.Delete(c.Request().Context(), c.Param("id")); err != nil {
			return writeError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func postComment(tasks TaskService, dedupe Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		var req commentRequest
		if err := decodeBody(c, &req); err != nil {
			return badRequest(c, "invalid body")
		}
		caller, _ := identityFrom(c)
		release, ok, err := claimIdempotencyKey(c, dedupe, "comment:"+caller.Subject+":"+id)
		if !ok {
			return err
		}
		t, entries, err := tasks.AddComment(c.Request().Context(), id, req.Text, caller.Actor())
		if err != nil {
			release()
			return writeError(c, err)
		}
		if entries == nil {
			entries = []domain.ActivityLogEntry{}
		}
		return c.JSON(http.StatusCreated, updateTaskResponse{Task: t, NewEntries: entries})
	}
}

func uploadAttachment(tasks TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		req.Body = http.MaxBytesReader(c.Response(), req.Body, attachmentMaxSize+1<<20)
		fh, err := c.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return c.JSON(http.StatusRequestEntityTooLarge, errorResponse{Error: "attachment too large"})
			}
			return badRequest(c, "missing file")
		}
		if fh.Size > attachmentMaxSize {
			return c.JSON(http.StatusRequestEntityTooLarge, errorResponse{Error: "attachment too large"})
		}
		f, err := fh.Open()
		if err != nil {
			return badRequest(c, "unreadable file")
		}
		defer f.Close()

		att, err := tasks.AddAttachment(req.Context(), c.Param("id"), fh.Filename, fh.Header.Get(echo.HeaderContentType), fh.Size, f, actorOf(c))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusCreated, att)
	}
}

func downloadAttachment(tasks TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		att, rc, err := tasks.OpenAttachment(c.Request().Context(), c.Param("id"), c.Param("attachmentId"))
		if err != nil {
			return writeError(c, err)
		}
		defer rc.Close()
		contentType := att.ContentType
		if contentType == "" {
			contentType = echo.MIMEOctetStream
		}
		c.Response().Header().Set(echo.HeaderContentDisposition, mime.FormatMediaType("attachment", map[string]string{"filename": att.Name}))
		return c.Stream(http.StatusOK, contentType, rc)
	}
}

func deleteAttachment(tasks TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := tasks.RemoveAttachment(c.Request().Context(), c.Param("id"), c.Param("attachmentId"), actorOf(c)); err != nil {
			return writeError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func taskCalendar(tasks TaskService, now func() time.Time) echo.HandlerFunc {
	return func(c echo.Context) error {
		t, err := tasks.Get(c.Request().Context(), c.Param("id"))
		if err != nil {
			return writeError(c, err)
		}
		ics, err := domain.TaskCalendarICS(t, now())
		if err != nil {
			return writeError(c, err)
		}
		c.Response().Header().Set(echo.HeaderContentDisposition, mime.FormatMediaType("attachment", map[string]string{"filename": "task-" + t.ID + ".ics"}))
		return c.Blob(http.StatusOK, "text/calendar; charset=utf-8", []byte(ics))
	}
}
