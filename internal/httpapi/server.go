// Package httpapi exposes the core's in-process APIs as JSON-over-HTTP
// using github.com/labstack/echo/v4, grounded on the teacher's
// server/router echo usage (frontend.Serve's middleware/route
// registration shape, generalized from static-asset serving to a typed
// REST surface). This package performs no authentication — the spec
// places auth outside the core — and holds no business logic beyond
// request decoding and response shaping; every write goes straight
// through *store.Store so the in-memory caches stay consistent.
package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hrygo/wxrelay/internal/model"
	"github.com/hrygo/wxrelay/internal/monitor"
	"github.com/hrygo/wxrelay/store"
)

// Server wires the management surface onto an *echo.Echo instance.
type Server struct {
	st      *store.Store
	monitor *monitor.Monitor
}

func New(st *store.Store, mon *monitor.Monitor) *Server {
	return &Server{st: st, monitor: mon}
}

// Register mounts every route onto e. Kept separate from New so callers
// can share one echo.Echo across packages if they need to.
func (s *Server) Register(e *echo.Echo) {
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	e.GET("/status", s.getStatus)
	e.GET("/messages", s.listMessages)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	instances := e.Group("/instances")
	instances.GET("", s.listInstances)
	instances.POST("", s.createInstance)
	instances.PUT("/:id", s.updateInstance)
	instances.POST("/:id/enabled", s.setInstanceEnabled)

	platforms := e.Group("/platforms")
	platforms.GET("", s.listPlatforms)
	platforms.POST("", s.createPlatform)
	platforms.PUT("/:id", s.updatePlatform)
	platforms.DELETE("/:id", s.deletePlatform)

	rules := e.Group("/rules")
	rules.GET("", s.listRules)
	rules.POST("", s.createRule)
	rules.PUT("/:id", s.updateRule)
	rules.DELETE("/:id", s.deleteRule)

	fixed := e.Group("/fixed-listeners")
	fixed.GET("", s.listFixedListeners)
	fixed.POST("", s.upsertFixedListener)
	fixed.DELETE("/:id", s.deleteFixedListener)
}

func (s *Server) getStatus(c echo.Context) error {
	if s.monitor == nil {
		return c.JSON(http.StatusOK, monitor.Snapshot{})
	}
	return c.JSON(http.StatusOK, s.monitor.Snapshot())
}

func (s *Server) listMessages(c echo.Context) error {
	instanceID := c.QueryParam("instance_id")
	chatName := c.QueryParam("chat_name")
	limit := 50
	if instanceID == "" || chatName == "" {
		return c.JSON(http.StatusBadRequest, errResponse("instance_id and chat_name are required"))
	}
	messages, err := s.st.Driver().ListUnprocessedByChat(c.Request().Context(), instanceID, chatName, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errResponse(err.Error()))
	}
	return c.JSON(http.StatusOK, messages)
}

func (s *Server) listInstances(c echo.Context) error {
	list, err := s.st.Driver().ListInstances(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errResponse(err.Error()))
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) createInstance(c echo.Context) error {
	var in model.Instance
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, errResponse(err.Error()))
	}
	if err := s.st.CreateInstance(c.Request().Context(), &in); err != nil {
		return c.JSON(http.StatusInternalServerError, errResponse(err.Error()))
	}
	return c.JSON(http.StatusCreated, in)
}

func (s *Server) updateInstance(c echo.Context) error {
	var in model.Instance
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, errResponse(err.Error()))
	}
	in.ID = c.Param("id")
	if err := s.st.UpdateInstance(c.Request().Context(), &in); err != nil {
		return c.JSON(http.StatusInternalServerError, errResponse(err.Error()))
	}
	return c.JSON(http.StatusOK, in)
}

func (s *Server) setInstanceEnabled(c echo.Context) error {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, errResponse(err.Error()))
	}
	if err := s.st.SetInstanceEnabled(c.Request().Context(), c.Param("id"), body.Enabled); err != nil {
		return c.JSON(http.StatusInternalServerError, errResponse(err.Error()))
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listPlatforms(c echo.Context) error {
	list, err := s.st.Driver().ListPlatforms(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errResponse(err.Error()))
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) createPlatform(c echo.Context) error {
	var p model.Platform
	if err := c.Bind(&p); err != nil {
		return c.JSON(http.StatusBadRequest, errResponse(err.Error()))
	}
	if err := s.st.CreatePlatform(c.Request().Context(), &p); err != nil {
		return c.JSON(http.StatusInternalServerError, errResponse(err.Error()))
	}
	return c.JSON(http.StatusCreated, p)
}

func (s *Server) updatePlatform(c echo.Context) error {
	var p model.Platform
	if err := c.Bind(&p); err != nil {
		return c.JSON(http.StatusBadRequest, errResponse(err.Error()))
	}
	p.ID = c.Param("id")
	if err := s.st.UpdatePlatform(c.Request().Context(), &p); err != nil {
		return c.JSON(http.StatusInternalServerError, errResponse(err.Error()))
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) deletePlatform(c echo.Context) error {
	if err := s.st.DeletePlatform(c.Request().Context(), c.Param("id")); err != nil {
		return c.JSON(http.StatusInternalServerError, errResponse(err.Error()))
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listRules(c echo.Context) error {
	list, err := s.st.Driver().ListRules(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errResponse(err.Error()))
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) createRule(c echo.Context) error {
	var r model.Rule
	if err := c.Bind(&r); err != nil {
		return c.JSON(http.StatusBadRequest, errResponse(err.Error()))
	}
	if err := s.st.CreateRule(c.Request().Context(), &r); err != nil {
		return c.JSON(http.StatusInternalServerError, errResponse(err.Error()))
	}
	return c.JSON(http.StatusCreated, r)
}

func (s *Server) updateRule(c echo.Context) error {
	var r model.Rule
	if err := c.Bind(&r); err != nil {
		return c.JSON(http.StatusBadRequest, errResponse(err.Error()))
	}
	r.ID = c.Param("id")
	if err := s.st.UpdateRule(c.Request().Context(), &r); err != nil {
		return c.JSON(http.StatusInternalServerError, errResponse(err.Error()))
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) deleteRule(c echo.Context) error {
	if err := s.st.DeleteRule(c.Request().Context(), c.Param("id")); err != nil {
		return c.JSON(http.StatusInternalServerError, errResponse(err.Error()))
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listFixedListeners(c echo.Context) error {
	list, err := s.st.Driver().ListFixedListeners(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errResponse(err.Error()))
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) upsertFixedListener(c echo.Context) error {
	var f model.FixedListener
	if err := c.Bind(&f); err != nil {
		return c.JSON(http.StatusBadRequest, errResponse(err.Error()))
	}
	if err := s.st.UpsertFixedListener(c.Request().Context(), &f); err != nil {
		return c.JSON(http.StatusInternalServerError, errResponse(err.Error()))
	}
	return c.JSON(http.StatusOK, f)
}

func (s *Server) deleteFixedListener(c echo.Context) error {
	if err := s.st.DeleteFixedListener(c.Request().Context(), c.Param("id")); err != nil {
		return c.JSON(http.StatusInternalServerError, errResponse(err.Error()))
	}
	return c.NoContent(http.StatusNoContent)
}

func errResponse(msg string) map[string]string {
	return map[string]string{"error": msg}
}
