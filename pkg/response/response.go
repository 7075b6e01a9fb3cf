// Package response defines the JSON envelope every API handler replies with.
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Envelope wraps every JSON reply. Exactly one of Data and Error is set.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func send(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Envelope{Success: true, Data: data})
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, Envelope{Success: false, Error: msg})
}

// OK replies 200 with data.
func OK(c *gin.Context, data interface{}) { send(c, http.StatusOK, data) }

// Created replies 201 with data.
func Created(c *gin.Context, data interface{}) { send(c, http.StatusCreated, data) }

// NoContent replies 204 with an empty body.
func NoContent(c *gin.Context) { c.Status(http.StatusNoContent) }

// BadRequest replies 400.
func BadRequest(c *gin.Context, msg string) { fail(c, http.StatusBadRequest, msg) }

// Unauthorized replies 401.
func Unauthorized(c *gin.Context, msg string) { fail(c, http.StatusUnauthorized, msg) }

// Forbidden replies 403.
func Forbidden(c *gin.Context, msg string) { fail(c, http.StatusForbidden, msg) }

// NotFound replies 404.
func NotFound(c *gin.Context, msg string) { fail(c, http.StatusNotFound, msg) }

// Conflict replies 409.
func Conflict(c *gin.Context, msg string) { fail(c, http.StatusConflict, msg) }

// Internal replies 500.
func Internal(c *gin.Context, msg string) { fail(c, http.StatusInternalServerError, msg) }

// ServiceUnavailable replies 503, used when LiveKit or another upstream
// dependency rejects a call.
func ServiceUnavailable(c *gin.Context, msg string) { fail(c, http.StatusServiceUnavailable, msg) }
