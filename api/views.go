package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"task-tracker/domain"
)

func getBoard(tasks TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		week := domain.MinWeek
		if raw := c.QueryParam("week"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < domain.MinWeek || n > domain.MaxWeek {
				return badRequest(c, "invalid week")
			}
			week = n
		}
		list, err := tasks.List(c.Request().Context())
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, boardResponse{Week: week, Columns: domain.BoardView(list, &week)})
	}
}

func getBacklog(tasks TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		list, err := tasks.List(c.Request().Context())
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, tasksResponse{Tasks: domain.Backlog(list)})
	}
}

func getCalendar(tasks TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		from, err := time.Parse(domain.DateLayout, c.QueryParam("from"))
		if err != nil {
			return badRequest(c, "invalid from date")
		}
		to, err := time.Parse(domain.DateLayout, c.QueryParam("to"))
		if err != nil {
			return badRequest(c, "invalid to date")
		}
		if to.Before(from) {
			return badRequest(c, "to must not be before from")
		}
		list, err := tasks.List(c.Request().Context())
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, tasksResponse{Tasks: domain.CalendarRange(list, from, to)})
	}
}

func getAnalytics(tasks TaskService, now func() time.Time) echo.HandlerFunc {
	return func(c echo.Context) error {
		list, err := tasks.List(c.Request().Context())
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, domain.ComputeAnalytics(list, now()))
	}
}

func getActivity(tasks TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit := defaultActivityLimit
		if raw := c.QueryParam("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				return badRequest(c, "invalid limit")
			}
			limit = min(n, maxActivityLimit)
		}
		list, err := tasks.List(c.Request().Context())
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, activityResponse{Items: domain.Changelog(list, limit)})
	}
}
