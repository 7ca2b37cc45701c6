package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zllovesuki/metering/auth"
	"github.com/zllovesuki/metering/event"
	"github.com/zllovesuki/metering/metrics"
	"github.com/zllovesuki/metering/quota"
	"github.com/zllovesuki/metering/ratelimit"
	"github.com/zllovesuki/metering/response"
	"github.com/zllovesuki/metering/spec"
	"github.com/zllovesuki/metering/usage"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
)

var validate *validator.Validate = validator.New()

// ServiceOptions contains the configuration for the Service router
type ServiceOptions struct {
	Engine        *Engine
	Auth          *auth.Auth
	Limiter       *ratelimit.Limiter // optional
	WebhookSecret string
	Logger        *zap.Logger
}

// Service is the HTTP surface of the Engine: the processor webhook and the internal
// metering endpoints
type Service struct {
	ServiceOptions
}

// PolicyRequest is a partial update of an organization's quota policy
type PolicyRequest struct {
	Alert70Enabled  *bool   `json:"alert_70_enabled"`
	Alert90Enabled  *bool   `json:"alert_90_enabled"`
	Alert100Enabled *bool   `json:"alert_100_enabled"`
	DunningBehavior *string `json:"dunning_behavior" validate:"omitempty,oneof=soft_cap block_immediately"`
}

type meterResponse struct {
	Success bool `json:"success"`
	*MeterResult
}

type webhookResponse struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

type policyResponse struct {
	OrganizationID  string `json:"organization_id"`
	Alert70Enabled  bool   `json:"alert_70_enabled"`
	Alert90Enabled  bool   `json:"alert_90_enabled"`
	Alert100Enabled bool   `json:"alert_100_enabled"`
	DunningBehavior string `json:"dunning_behavior"`
}

// NewService will create an instance of the metering API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.Engine == nil {
		return nil, fmt.Errorf("nil Engine is invalid")
	}
	if option.Auth == nil {
		return nil, fmt.Errorf("nil Auth is invalid")
	}
	if strings.TrimSpace(option.WebhookSecret) == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

func (s *Service) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	outcome := "rejected"
	defer func() {
		metrics.WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	r.Body = http.MaxBytesReader(w, r.Body, spec.WebhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.WriteError(w, r, response.ErrRequestTooLarge())
			return
		}
		response.WriteError(w, r, response.ErrBadRequest().AddMessages("Cannot read request body"))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		response.WriteError(w, r, response.ErrMissingSignature())
		return
	}

	ev, err := webhook.ConstructEventWithOptions(payload, sigHeader, s.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		s.Logger.Warn("Rejected webhook with invalid signature", zap.Error(err))
		response.WriteError(w, r, response.ErrInvalidSignature())
		return
	}
	eventType = string(ev.Type)

	result, err := s.Engine.HandleEvent(r.Context(), Delivery{
		EventID:   ev.ID,
		EventType: eventType,
		Object:    ev.Data.Raw,
		Payload:   payload,
	})
	if err != nil {
		outcome = "failed"
		response.WriteError(w, r, response.ErrServiceUnavailable())
		return
	}

	if result == event.AlreadyProcessed {
		outcome = "duplicate"
		response.WriteResponse(w, r, webhookResponse{Received: true, Duplicate: true})
		return
	}
	outcome = "processed"
	response.WriteResponse(w, r, webhookResponse{Received: true})
}

func (s *Service) meterUsage(w http.ResponseWriter, r *http.Request) {
	var req MeterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteError(w, r, response.ErrInvalidJson())
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}
	if err := validate.Struct(&req); err != nil {
		response.WriteError(w, r, validationError(err))
		return
	}

	if s.Limiter != nil {
		res, err := s.Limiter.Allow(r.Context(), req.OrganizationID)
		if err != nil {
			s.Logger.Error("Rate limiter unavailable", zap.Error(err))
		} else if !res.Allowed {
			response.WriteError(w, r, response.ErrTooManyRequests())
			return
		}
	}

	res, err := s.Engine.MeterUsage(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, r, req.OrganizationID, err)
		return
	}
	response.WriteResponse(w, r, meterResponse{
		Success:     true,
		MeterResult: res,
	})
}

func (s *Service) getUsage(w http.ResponseWriter, r *http.Request) {
	organizationID := chi.URLParam(r, "organizationID")
	if err := validate.Var(organizationID, "required,uuid"); err != nil {
		response.WriteError(w, r, response.ErrBadRequest().AddMessages("Invalid organization ID"))
		return
	}

	view, err := s.Engine.View(r.Context(), organizationID)
	if err != nil {
		s.writeEngineError(w, r, organizationID, err)
		return
	}
	response.WriteResponse(w, r, view)
}

func (s *Service) putPolicy(w http.ResponseWriter, r *http.Request) {
	organizationID := chi.URLParam(r, "organizationID")
	if err := validate.Var(organizationID, "required,uuid"); err != nil {
		response.WriteError(w, r, response.ErrBadRequest().AddMessages("Invalid organization ID"))
		return
	}

	var req PolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteError(w, r, response.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		response.WriteError(w, r, validationError(err))
		return
	}

	settings := quota.Settings{
		Alert70Enabled:  req.Alert70Enabled,
		Alert90Enabled:  req.Alert90Enabled,
		Alert100Enabled: req.Alert100Enabled,
	}
	if req.DunningBehavior != nil {
		d := quota.DunningBehavior(*req.DunningBehavior)
		settings.DunningBehavior = &d
	}

	p, err := s.Engine.ConfigurePolicy(r.Context(), organizationID, settings)
	if err != nil {
		s.writeEngineError(w, r, organizationID, err)
		return
	}
	response.WriteResponse(w, r, policyResponse{
		OrganizationID:  p.OrganizationID,
		Alert70Enabled:  p.Alert70Enabled,
		Alert90Enabled:  p.Alert90Enabled,
		Alert100Enabled: p.Alert100Enabled,
		DunningBehavior: string(p.DunningBehavior),
	})
}

func validationError(err error) *response.Error {
	rErr := response.ErrBadRequest().WithMessage("Invalid input")
	var vErrs validator.ValidationErrors
	if errors.As(err, &vErrs) {
		for _, fe := range vErrs {
			rErr.AddMessages(fmt.Sprintf("%s failed on %s", fe.Field(), fe.Tag()))
		}
	}
	return rErr
}

// writeEngineError maps Engine errors to responses. Anything unrecognized is a store failure
// and is reported as retryable
func (s *Service) writeEngineError(w http.ResponseWriter, r *http.Request, organizationID string, err error) {
	var quotaErr *usage.QuotaExceededError
	switch {
	case errors.Is(err, usage.ErrInvalidCount):
		response.WriteError(w, r, response.ErrBadRequest().AddMessages("Count must be between 1 and 10000"))
	case errors.Is(err, ErrUnknownOrganization):
		response.WriteError(w, r, response.ErrNotFound().WithMessage("No subscription for organization"))
	case errors.Is(err, ErrSubscriptionInactive):
		response.WriteError(w, r, response.ErrForbidden().WithMessage("No active subscription"))
	case errors.Is(err, usage.ErrLedgerNotFound):
		response.WriteError(w, r, response.ErrConflict().WithMessage("No usage ledger for the current period"))
	case errors.Is(err, usage.ErrIdempotencyConflict):
		response.WriteError(w, r, response.ErrConflict().WithMessage("Idempotency key was used with a different count"))
	case errors.As(err, &quotaErr):
		response.WriteError(w, r, response.ErrQuotaExceeded().AddMessages(
			fmt.Sprintf("%d calls would exceed the limit of %d", quotaErr.Current, quotaErr.Limit),
		))
	default:
		s.Logger.Error("Unable to serve metering request",
			zap.String("OrganizationID", organizationID),
			zap.Error(err),
		)
		response.WriteError(w, r, response.ErrServiceUnavailable())
	}
}

func (s *Service) organizationKey(r *http.Request) string {
	return chi.URLParam(r, "organizationID")
}

// Router returns the routes of the Service
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/webhooks/stripe", s.handleStripeWebhook)

	r.Group(func(r chi.Router) {
		r.Use(s.Auth.Middleware())
		r.Use(s.Auth.RoleCheck(auth.ServiceRole))

		r.Post("/usage", s.meterUsage)

		if s.Limiter != nil {
			r = r.With(s.Limiter.Middleware(s.organizationKey))
		}
		r.Get("/usage/{organizationID}", s.getUsage)
		r.Put("/policies/{organizationID}", s.putPolicy)
	})

	return r
}
