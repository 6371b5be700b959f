package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/listing-extractor/internal/api/dto"
	"github.com/cuongbtq/listing-extractor/internal/domain"
)

// statusFor maps orchestrator errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrEmptyBatch), errors.Is(err, domain.ErrUnknownSource):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrJobTerminal), errors.Is(err, domain.ErrJobNotTerminal):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// respondError logs err and writes it with a mapped status. Internal errors
// are not echoed to the client.
func respondError(c *gin.Context, logger *slog.Logger, msg string, err error) {
	status := statusFor(err)
	resp := dto.ErrorResponse{Error: msg}
	if status == http.StatusInternalServerError {
		logger.Error(msg, slog.String("error", err.Error()))
	} else {
		logger.Warn(msg, slog.String("error", err.Error()))
		resp.Details = err.Error()
	}
	c.JSON(status, resp)
}
