package api

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"task-tracker/domain"
)

func login(users UserService, issuer TokenIssuer) echo.HandlerFunc {
	return func(c echo.Context) error {
		if issuer == nil {
			return writeError(c, errLocalAuthDisabled)
		}
		var req loginRequest
		if err := decodeBody(c, &req); err != nil {
			return badRequest(c, "invalid body")
		}
		u, err := users.Authenticate(c.Request().Context(), req.Email, req.Password)
		if err != nil {
			return writeError(c, err)
		}
		token, expiresAt, err := issuer.Issue(u)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt, User: u})
	}
}

func getMe() echo.HandlerFunc {
	return func(c echo.Context) error {
		id, _ := identityFrom(c)
		return c.JSON(http.StatusOK, meResponse{Subject: id.Subject, Name: id.Actor(), Email: id.Email, Role: id.Role})
	}
}

// accountEmail is the users table key of the caller. Local tokens use the
// email as subject.
func accountEmail(id Identity) string {
	if id.Email != "" {
		return id.Email
	}
	return id.Subject
}

func changePassword(users UserService) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req changePasswordRequest
		if err := decodeBody(c, &req); err != nil {
			return badRequest(c, "invalid body")
		}
		id, _ := identityFrom(c)
		err := users.ChangePassword(c.Request().Context(), accountEmail(id), req.CurrentPassword, req.NewPassword)
		if errors.Is(err, domain.ErrInvalidCredentials) {
			return badRequest(c, "current password is incorrect")
		}
		if err != nil {
			return writeError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func listUsers(users UserService) echo.HandlerFunc {
	return func(c echo.Context) error {
		list, err := users.List(c.Request().Context())
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, list)
	}
}

func createUser(users UserService) echo.HandlerFunc {
	return func(c echo.Context) error {
		var n domain.NewUser
		if err := decodeBody(c, &n); err != nil {
			return badRequest(c, "invalid body")
		}
		u, err := users.Create(c.Request().Context(), n)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusCreated, u)
	}
}

func resetPassword(users UserService) echo.HandlerFunc {
	return func(c echo.Context) error {
		email, err := url.PathUnescape(c.Param("email"))
		if err != nil {
			return badRequest(c, "invalid email")
		}
		var req resetPasswordRequest
		if err := decodeBody(c, &req); err != nil {
			return badRequest(c, "invalid body")
		}
		if err := users.ResetPassword(c.Request().Context(), email, req.NewPassword); err != nil {
			return writeError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}
