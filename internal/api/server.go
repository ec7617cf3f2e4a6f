package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"evalroom/internal/store"
	"evalroom/pkg/types"
)

// Notifier publishes coordination events for rooms whose data changed
// through the REST surface. Implemented by relay.Relay.
type Notifier interface {
	ActivityStarted(roomCode string, timeLimitSeconds int) error
	ActivityStopped(roomCode string) error
	GroupsChanged(roomCode string) error
}

// PresenceSource exposes the live registry view for read endpoints.
type PresenceSource interface {
	Presence(roomCode string) types.PresenceSnapshot
	Stats() map[string]int
}

// Server is the REST surface over the persistence service plus the
// WebSocket mount point. No coordination logic lives here; room events go
// through the Notifier so they are ordered with everything else.
type Server struct {
	store    *store.Store
	notifier Notifier
	presence PresenceSource
	app      *echo.Echo
	validate *validator.Validate
}

func NewServer(st *store.Store, notifier Notifier, presence PresenceSource, wsHandler http.HandlerFunc) *Server {
	s := &Server{
		store:    st,
		notifier: notifier,
		presence: presence,
		app:      echo.New(),
		validate: validator.New(),
	}
	s.setup(wsHandler)
	return s
}

func (s *Server) setup(wsHandler http.HandlerFunc) {
	s.app.HideBanner = true
	s.app.Pre(middleware.RemoveTrailingSlash())
	s.app.Use(middleware.Logger())
	s.app.Use(middleware.Recover())
	s.app.Use(middleware.CORS())

	api := s.app.Group("/api")
	api.POST("/activities", s.createActivity)
	api.GET("/activities/:code", s.getActivity)
	api.POST("/activities/:code/start", s.startActivity)
	api.POST("/activities/:code/stop", s.stopActivity)
	api.DELETE("/activities/:code", s.deleteActivity)
	api.GET("/activities/:code/groups", s.listGroups)
	api.GET("/activities/:code/presence", s.getPresence)
	api.POST("/groups", s.createGroup)
	api.POST("/groups/:code/members", s.joinGroup)
	api.GET("/groups/:code/members", s.listMembers)
	api.GET("/groups/:code/evaluations", s.listEvaluations)
	api.POST("/students/:id/leave", s.leaveGroup)
	api.POST("/evaluations", s.saveEvaluations)

	s.app.GET("/healthz", s.health)
	s.app.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	if wsHandler != nil {
		s.app.GET("/ws", echo.WrapHandler(wsHandler))
	}
}

func (s *Server) Start(addr string) error {
	return s.app.Start(addr)
}

func (s *Server) Stop(ctx context.Context) error {
	return s.app.Shutdown(ctx)
}

// ServeHTTP lets tests and outer servers use the echo app directly.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.app.ServeHTTP(w, r)
}

func (s *Server) bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.validate.Struct(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// storeError maps persistence errors onto HTTP statuses.
func storeError(err error) error {
	switch {
	case errors.Is(err, store.ErrActivityNotFound),
		errors.Is(err, store.ErrGroupNotFound),
		errors.Is(err, store.ErrStudentNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrActivityFinished):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrInvalidKind), errors.Is(err, store.ErrInvalidScore):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) notify(what string, roomCode string, fn func() error) {
	if err := fn(); err != nil {
		slog.Warn("room notification failed", "event", what, "room", roomCode, "error", err)
	}
}

type createActivityRequest struct {
	Name    string         `json:"name" validate:"required,max=200"`
	Weights *store.Weights `json:"weights"`
}

func (s *Server) createActivity(c echo.Context) error {
	var req createActivityRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}

	weights := store.DefaultWeights()
	if req.Weights != nil {
		weights = *req.Weights
	}

	activity, err := s.store.CreateActivity(c.Request().Context(), req.Name, weights)
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusCreated, activity)
}

func (s *Server) getActivity(c echo.Context) error {
	activity, err := s.store.ActivityByCode(c.Request().Context(), c.Param("code"))
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, activity)
}

type startActivityRequest struct {
	DurationMinutes int `json:"duration_minutes" validate:"required,min=1"`
}

func (s *Server) startActivity(c echo.Context) error {
	var req startActivityRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}

	activity, err := s.store.StartActivity(c.Request().Context(), c.Param("code"), req.DurationMinutes)
	if err != nil {
		return storeError(err)
	}

	s.notify(types.EventActivityStarted, activity.Code, func() error {
		return s.notifier.ActivityStarted(activity.Code, req.DurationMinutes*60)
	})
	return c.JSON(http.StatusOK, activity)
}

func (s *Server) stopActivity(c echo.Context) error {
	activity, err := s.store.FinishActivity(c.Request().Context(), c.Param("code"))
	if err != nil {
		return storeError(err)
	}

	s.notify(types.EventActivityStopped, activity.Code, func() error {
		return s.notifier.ActivityStopped(activity.Code)
	})
	return c.JSON(http.StatusOK, activity)
}

func (s *Server) deleteActivity(c echo.Context) error {
	code := types.NormalizeRoomCode(c.Param("code"))
	if err := s.store.DeleteActivity(c.Request().Context(), code); err != nil {
		return storeError(err)
	}

	// A deleted activity is as gone as a finished one; connected clients
	// must not keep counting against its code.
	s.notify(types.EventActivityStopped, code, func() error {
		return s.notifier.ActivityStopped(code)
	})
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listGroups(c echo.Context) error {
	details, err := s.store.GroupsDetail(c.Request().Context(), c.Param("code"))
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, details)
}

func (s *Server) getPresence(c echo.Context) error {
	code := types.NormalizeRoomCode(c.Param("code"))
	return c.JSON(http.StatusOK, s.presence.Presence(code))
}

type createGroupRequest struct {
	ActivityCode string `json:"activity_code" validate:"required"`
	GroupName    string `json:"group_name" validate:"required,max=200"`
	LeaderName   string `json:"leader_name" validate:"required,max=200"`
}

func (s *Server) createGroup(c echo.Context) error {
	var req createGroupRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}

	group, leader, err := s.store.CreateGroup(c.Request().Context(), req.ActivityCode, req.GroupName, req.LeaderName)
	if err != nil {
		return storeError(err)
	}

	code := types.NormalizeRoomCode(req.ActivityCode)
	s.notify(types.EventGroupsChanged, code, func() error {
		return s.notifier.GroupsChanged(code)
	})
	return c.JSON(http.StatusCreated, map[string]any{
		"group":  group,
		"leader": leader,
	})
}

type joinGroupRequest struct {
	StudentName string `json:"student_name" validate:"required,max=200"`
}

func (s *Server) joinGroup(c echo.Context) error {
	var req joinGroupRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}

	student, activityCode, err := s.store.JoinGroup(c.Request().Context(), c.Param("code"), req.StudentName)
	if err != nil {
		return storeError(err)
	}

	s.notify(types.EventGroupsChanged, activityCode, func() error {
		return s.notifier.GroupsChanged(activityCode)
	})
	return c.JSON(http.StatusCreated, student)
}

func (s *Server) listMembers(c echo.Context) error {
	members, err := s.store.GroupMembers(c.Request().Context(), c.Param("code"))
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, members)
}

type leaveGroupRequest struct {
	NewLeaderID string `json:"new_leader_id"`
}

func (s *Server) leaveGroup(c echo.Context) error {
	var req leaveGroupRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}

	activityCode, err := s.store.RemoveStudent(c.Request().Context(), c.Param("id"), req.NewLeaderID)
	if err != nil {
		return storeError(err)
	}

	s.notify(types.EventGroupsChanged, activityCode, func() error {
		return s.notifier.GroupsChanged(activityCode)
	})
	return c.JSON(http.StatusOK, map[string]string{"status": "left"})
}

type evaluationsRequest struct {
	EvaluatorID string       `json:"evaluator_id" validate:"required"`
	GroupID     string       `json:"group_id" validate:"required"`
	Votes       []store.Vote `json:"votes" validate:"required,min=1"`
}

func (s *Server) saveEvaluations(c echo.Context) error {
	var req evaluationsRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}

	if err := s.store.SaveEvaluations(c.Request().Context(), req.EvaluatorID, req.GroupID, req.Votes); err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) listEvaluations(c echo.Context) error {
	ctx := c.Request().Context()
	group, err := s.store.GroupByCode(ctx, c.Param("code"))
	if err != nil {
		return storeError(err)
	}

	evaluations, err := s.store.Evaluations(ctx, group.ID)
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, evaluations)
}

func (s *Server) health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	dbStatus := "ok"
	if err := s.store.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		dbStatus = "unreachable"
	}

	return c.JSON(status, map[string]any{
		"status":    dbStatus,
		"registry":  s.presence.Stats(),
		"timestamp": time.Now().UTC(),
	})
}
