// Package api exposes the quote case operations over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/sells-group/quote-desk/internal/cases"
	"github.com/sells-group/quote-desk/internal/gaps"
	"github.com/sells-group/quote-desk/internal/model"
	"github.com/sells-group/quote-desk/internal/pricing"
	"github.com/sells-group/quote-desk/internal/send"
	"github.com/sells-group/quote-desk/internal/versions"
	"github.com/sells-group/quote-desk/pkg/quotedoc"
)

const maxBodyBytes = 1 << 20

// Services bundles the operations the API serves. Exporter is optional.
type Services struct {
	Cases    *cases.Service
	Gaps     *gaps.Ledger
	Runs     *pricing.Service
	Runner   *pricing.Runner
	Versions *versions.Service
	Send     *send.Pipeline
	Exporter *quotedoc.Exporter
	// ExportDir, when set, is served under /exports.
	ExportDir string
}

// Server routes HTTP requests to the services.
type Server struct {
	svc      Services
	auth     *Authenticator
	validate *validator.Validate
	origins  []string
}

// NewServer creates a Server. Every route except /health requires a bearer
// token accepted by auth.
func NewServer(svc Services, auth *Authenticator, allowedOrigins []string) *Server {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return &Server{svc: svc, auth: auth, validate: v, origins: allowedOrigins}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.svc.ExportDir != "" {
		r.Handle("/exports/*", http.StripPrefix("/exports/", http.FileServer(http.Dir(s.svc.ExportDir))))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Route("/cases", func(r chi.Router) {
			r.Post("/", s.openCase)
			r.Get("/", s.listCases)
			r.Route("/{caseID}", func(r chi.Router) {
				r.Get("/", s.getCase)
				r.Post("/classify", s.classifyCase)
				r.Post("/review", s.openReview)
				r.Post("/archive", s.archiveCase)

				r.Get("/gaps", s.listGaps)
				r.Post("/gaps", s.openGap)
				r.Get("/readiness", s.readiness)
				r.Post("/completeness", s.recordCompleteness)
				r.Post("/reanalysis/check", s.checkReanalysis)
				r.Post("/reanalysis", s.recordAnalysis)

				r.Get("/runs", s.listRuns)
				r.Post("/runs", s.runPricing)
				r.Get("/runs/latest", s.latestRun)

				r.Get("/versions", s.listVersions)
				r.Post("/versions", s.createVersion)
				r.Get("/versions/selected", s.selectedVersion)

				r.Post("/drafts", s.createDraft)
			})
		})

		r.Post("/gaps/{gapID}/resolve", s.resolveGap)
		r.Get("/runs/{runID}", s.getRun)
		r.Post("/runs/{runID}/complete", s.completeRun)
		r.Get("/versions/{versionID}", s.getVersion)
		r.Post("/versions/{versionID}/select", s.selectVersion)
		r.Post("/versions/{versionID}/finalize", s.finalizeVersion)
		r.Post("/versions/{versionID}/export", s.exportVersion)
		r.Get("/drafts/{draftID}", s.getDraft)
		r.Post("/send", s.send)
	})

	return r
}

// decode reads a JSON body into dst and validates its struct tags. An empty
// body decodes to the zero value.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return &model.ValidationError{Field: "body", Message: err.Error()}
	}
	if err := s.validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &model.ValidationError{Field: fe.Field(), Message: "failed " + fe.Tag() + " check"}
		}
		return &model.ValidationError{Field: "body", Message: err.Error()}
	}
	return nil
}
