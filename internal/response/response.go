package response

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Response is the envelope every endpoint answers with
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Code    string      `json:"code,omitempty"` // machine readable error class
	Data    interface{} `json:"data,omitempty"`
}

// Success wraps data in a success envelope
func Success(message string, data interface{}) Response {
	return Response{Success: true, Message: message, Data: data}
}

// Error builds a failure envelope for the given HTTP status
func Error(statusCode int, message string) Response {
	return Response{Success: false, Message: message, Code: CodeFor(statusCode)}
}

// CodeFor returns the snake_case error class of an HTTP status, e.g. "not_found"
func CodeFor(statusCode int) string {
	text := http.StatusText(statusCode)
	if text == "" {
		return "unknown"
	}
	return strings.ReplaceAll(strings.ToLower(text), " ", "_")
}

// JSON sends a JSON response
func JSON(c *gin.Context, statusCode int, response Response) {
	c.JSON(statusCode, response)
}

// SuccessJSON sends a 200 with data
func SuccessJSON(c *gin.Context, data interface{}) {
	JSON(c, http.StatusOK, Success("success", data))
}

// CreatedJSON sends a 201 with data
func CreatedJSON(c *gin.Context, message string, data interface{}) {
	JSON(c, http.StatusCreated, Success(message, data))
}

// ErrorJSON sends an error JSON response
func ErrorJSON(c *gin.Context, statusCode int, message string) {
	JSON(c, statusCode, Error(statusCode, message))
}

// AbortJSON sends an error JSON response and stops the handler chain
func AbortJSON(c *gin.Context, statusCode int, message string) {
	c.AbortWithStatusJSON(statusCode, Error(statusCode, message))
}
