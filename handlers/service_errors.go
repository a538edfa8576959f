package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/upb/agent-guard/models"
	"github.com/upb/agent-guard/services"
	"github.com/upb/agent-guard/utils"
	"go.uber.org/zap"
)

// HandleServiceError maps domain errors to HTTP responses. Only the domain
// message reaches the client; wrapped causes are logged.
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	message := ""
	var domainErr *services.DomainError
	if errors.As(err, &domainErr) {
		message = domainErr.Message
	}
	details := services.GetErrorDetails(err)

	var status int
	switch {
	case services.IsMalformedInputError(err), services.IsValidationError(err):
		status = http.StatusBadRequest
	case services.IsUnauthorizedError(err):
		status = http.StatusUnauthorized
		details = nil
	case services.IsPolicyViolationError(err):
		status = http.StatusForbidden
	case services.IsNotFoundError(err):
		status = http.StatusNotFound
	case services.IsConflictError(err):
		status = http.StatusConflict
	case services.IsRateExceededError(err):
		status = http.StatusTooManyRequests
	case services.IsAuditFaultError(err):
		logger.Error("audit fault", zap.Error(err))
		status, message, details = http.StatusServiceUnavailable, "audit unavailable", nil
	case services.IsConfigFaultError(err):
		logger.Error("configuration fault", zap.Error(err))
		status, message, details = http.StatusServiceUnavailable, "policy configuration unavailable", nil
	case services.IsExternalError(err):
		logger.Error("inference backend error", zap.Error(err))
		status, message, details = http.StatusBadGateway, "inference backend unavailable", nil
	case services.IsInternalError(err):
		logger.Error("internal server error", zap.Error(err))
		status, message, details = http.StatusInternalServerError, "An internal error occurred", nil
	default:
		logger.Error("unhandled error type",
			zap.Error(err),
			zap.String("error_type", string(services.GetErrorType(err))))
		status, message, details = http.StatusInternalServerError, "An unexpected error occurred", nil
	}

	if len(details) == 0 {
		details = nil
	}
	if err := utils.WriteError(w, status, message, details); err != nil {
		logger.Error("failed to write error response", zap.Error(err))
	}
}

// VerdictStatus is the HTTP status used when a verdict ends a request that
// would otherwise have reached the backend
func VerdictStatus(v models.Verdict) int {
	if v.Allowed {
		return http.StatusOK
	}
	switch v.Stage {
	case models.StageValidation:
		return http.StatusBadRequest
	case models.StageRateLimit:
		return http.StatusTooManyRequests
	case models.StageAudit:
		return http.StatusServiceUnavailable
	default:
		return http.StatusForbidden
	}
}

// setRetryAfter advertises when a rate-denied caller may try again
func setRetryAfter(w http.ResponseWriter, v models.Verdict) {
	if v.Allowed || v.Stage != models.StageRateLimit || v.RetryAfter <= 0 {
		return
	}
	w.Header().Set("Retry-After", strconv.Itoa(v.RetryAfter))
}
