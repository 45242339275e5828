package resolve

import (
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/wanderwiseai/go-place-resolver/internal/api"
)

type Handler struct {
	service Service
	logger  *slog.Logger
}

func NewHandler(service Service, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// ResolvePlace handles GET /api/v1/places/resolve?city=...&q=...
func (h *Handler) ResolvePlace(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("ResolveHandler").Start(r.Context(), "ResolvePlace", trace.WithAttributes(
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.HTTPRouteKey.String("/places/resolve"),
	))
	defer span.End()

	l := h.logger.With(slog.String("handler", "ResolvePlace"))

	city := r.URL.Query().Get("city")
	query := r.URL.Query().Get("q")
	if city == "" || query == "" {
		l.DebugContext(ctx, "Missing city or q parameter")
		api.ErrorResponse(w, r, http.StatusBadRequest, "Query parameters 'city' and 'q' are required")
		return
	}

	detail, err := h.service.ResolvePlace(ctx, city, query)
	if err != nil {
		// Only a programming invariant violation reaches here; every
		// external failure resolves to a fallback detail instead.
		l.ErrorContext(ctx, "Resolver invariant violation", slog.Any("error", err))
		api.ErrorResponse(w, r, http.StatusInternalServerError, "Failed to resolve place")
		return
	}

	api.WriteJSONResponse(w, r, http.StatusOK, detail)
}
