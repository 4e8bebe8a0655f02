// Package response writes the JSON envelope shared by every HTTP endpoint.
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Body is the standard API response envelope. Error is set only when Success is false.
type Body struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// JSON sends a success envelope with the given status.
func JSON(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Body{Success: true, Data: data})
}

// Error sends a failure envelope with the given status.
func Error(c *gin.Context, status int, err string) {
	c.JSON(status, Body{Success: false, Error: err})
}

// OK sends 200 with data.
func OK(c *gin.Context, data interface{}) { JSON(c, http.StatusOK, data) }

// Created sends 201 with data.
func Created(c *gin.Context, data interface{}) { JSON(c, http.StatusCreated, data) }

// Accepted sends 202 for work that was queued rather than done.
func Accepted(c *gin.Context, data interface{}) { JSON(c, http.StatusAccepted, data) }

// NoContent sends 204.
func NoContent(c *gin.Context) { c.Status(http.StatusNoContent) }

func BadRequest(c *gin.Context, err string)         { Error(c, http.StatusBadRequest, err) }
func Unauthorized(c *gin.Context, err string)       { Error(c, http.StatusUnauthorized, err) }
func Forbidden(c *gin.Context, err string)          { Error(c, http.StatusForbidden, err) }
func NotFound(c *gin.Context, err string)           { Error(c, http.StatusNotFound, err) }
func Conflict(c *gin.Context, err string)           { Error(c, http.StatusConflict, err) }
func PayloadTooLarge(c *gin.Context, err string)    { Error(c, http.StatusRequestEntityTooLarge, err) }
func Internal(c *gin.Context, err string)           { Error(c, http.StatusInternalServerError, err) }
func ServiceUnavailable(c *gin.Context, err string) { Error(c, http.StatusServiceUnavailable, err) }
