package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/veloura/auth-service/internal/service"
	"github.com/veloura/auth-service/internal/util"
)

// AuthHandler handles HTTP requests for the auth endpoints
type AuthHandler struct {
	authService *service.AuthService
	validate    *validator.Validate
	logger      *zap.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(authService *service.AuthService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger,
	}
}

// successEnvelope and errorEnvelope disagree on the type of "status"
// (boolean true vs the string "error"). The storefront client depends on
// both shapes, so they stay as they are.
type successEnvelope struct {
	Status  bool        `json:"status"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type errorEnvelope struct {
	Status  string      `json:"status"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// RegisterRoutes registers all auth routes
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		r.Post("/customer-register", h.CustomerRegister)
		r.Post("/vendor-register", h.VendorRegister)
		r.Post("/login", h.Login)
		r.Post("/verify-email", h.VerifyEmail)
		r.Post("/resend-verification", h.ResendVerification)
	})
}

// CustomerRegister handles storefront sign-up
func (h *AuthHandler) CustomerRegister(w http.ResponseWriter, r *http.Request) {
	ctx := util.WithRemoteIP(r.Context(), r.RemoteAddr)
	startTime := time.Now()

	var req service.CustomerRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}
	if details, ok := h.validateRequest(&req); !ok {
		h.respondWithError(w, http.StatusBadRequest, "Validation failed", details)
		return
	}

	result, err := h.authService.RegisterCustomer(ctx, &req)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err.Error(), nil)
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successEnvelope{
		Status:  true,
		Message: "Account created, verification code sent",
		Data:    result,
	})
	h.logger.Info("Customer registered via HTTP",
		util.String("user_id", result.User.UserID),
		util.Duration("duration", time.Since(startTime)))
}

// VendorRegister handles merchant sign-up
func (h *AuthHandler) VendorRegister(w http.ResponseWriter, r *http.Request) {
	ctx := util.WithRemoteIP(r.Context(), r.RemoteAddr)
	startTime := time.Now()

	var req service.VendorRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}
	if details, ok := h.validateRequest(&req); !ok {
		h.respondWithError(w, http.StatusBadRequest, "Validation failed", details)
		return
	}

	result, err := h.authService.RegisterVendor(ctx, &req)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err.Error(), nil)
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successEnvelope{
		Status:  true,
		Message: "Vendor account created, verification code sent",
		Data:    result,
	})
	h.logger.Info("Vendor registered via HTTP",
		util.String("user_id", result.User.UserID),
		util.Duration("duration", time.Since(startTime)))
}

// Login handles credential authentication
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := util.WithRemoteIP(r.Context(), r.RemoteAddr)

	var req service.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}
	if details, ok := h.validateRequest(&req); !ok {
		h.respondWithError(w, http.StatusBadRequest, "Validation failed", details)
		return
	}

	result, err := h.authService.Login(ctx, &req)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err.Error(), nil)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successEnvelope{
		Status:  true,
		Message: "Login successful",
		Data:    result,
	})
}

// VerifyEmail confirms an account from the emailed token and code
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	ctx := util.WithRemoteIP(r.Context(), r.RemoteAddr)

	var req service.VerifyEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}
	if details, ok := h.validateRequest(&req); !ok {
		h.respondWithError(w, http.StatusBadRequest, "Validation failed", details)
		return
	}

	user, err := h.authService.ConfirmVerification(ctx, req.Token, req.Code)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err.Error(), nil)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successEnvelope{
		Status:  true,
		Message: "Account verified",
		Data:    user,
	})
}

// ResendVerification re-issues a verification code for an unverified address
func (h *AuthHandler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	ctx := util.WithRemoteIP(r.Context(), r.RemoteAddr)

	var req service.ResendVerificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}
	if details, ok := h.validateRequest(&req); !ok {
		h.respondWithError(w, http.StatusBadRequest, "Validation failed", details)
		return
	}

	if err := h.authService.ResendVerification(ctx, req.Email); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err.Error(), nil)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successEnvelope{
		Status:  true,
		Message: "Verification code sent",
	})
}

func (h *AuthHandler) validateRequest(req interface{}) (interface{}, bool) {
	if err := h.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				details[fe.Field()] = fe.Tag()
			}
			return details, false
		}
		return err.Error(), false
	}
	return nil, true
}

func (h *AuthHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *AuthHandler) respondWithError(w http.ResponseWriter, statusCode int, message string, details interface{}) {
	h.logger.Warn("HTTP error response",
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorEnvelope{
		Status:  "error",
		Message: message,
		Details: details,
	})
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *AuthHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, service.ErrInvalidToken),
		errors.Is(err, service.ErrInvalidOTP),
		errors.Is(err, service.ErrOTPExpired):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrEmailExists),
		errors.Is(err, service.ErrRegNoExists),
		errors.Is(err, service.ErrAlreadyVerified):
		return http.StatusConflict
	case errors.Is(err, service.ErrOTPCooldown),
		errors.Is(err, service.ErrOTPLocked),
		errors.Is(err, service.ErrOTPSpamLocked),
		errors.Is(err, service.ErrTooManyAttempts),
		errors.Is(err, service.ErrTooManyRequests),
		errors.Is(err, service.ErrSubjectBusy):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
