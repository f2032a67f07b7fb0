// Package server exposes the WorkOrderEngine over HTTP (spec §6), grounded
// on the teacher's huma/v2 + humachi + chi router setup
// (internal/server/server.go's New/apiError/handleError idiom) and its
// per-resource register* functions, retargeted from project/task/iteration
// resources to work-order/quote/submission/payment resources.
package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"hookline/internal/apperr"
	"hookline/internal/config"
	"hookline/internal/engine"
	"hookline/internal/eventbus"
	"hookline/internal/signature"
	"hookline/internal/store"
)

// Config bundles the dependencies the HTTP layer needs.
type Config struct {
	Engine   *engine.Engine
	Store    *store.Store
	Events   *eventbus.Bus
	Config   config.Config
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

// apiError models the {error, details} envelope spec §7 specifies.
type apiError struct {
	status  int
	Message string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Message }

func newAPIError(status int, _ string, message string, details map[string]any) huma.StatusError {
	body := errorBody{Error: message}
	if details != nil {
		if b, err := json.Marshal(details); err == nil {
			body.Details = string(b)
		}
	}
	return &apiError{status: status, Message: body.Error, Details: body.Details}
}

// New returns an http.Handler exposing the work-order marketplace API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			parts := make([]string, 0, len(errs))
			for _, e := range errs {
				parts = append(parts, e.Error())
			}
			details = map[string]any{"errors": parts}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(authMiddleware(cfg.Auth))

	hcfg := huma.DefaultConfig("Hookline Marketplace API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerOpenAPI(router, api, basePath)
	registerHealth(group)
	registerConfig(group, cfg)
	registerWorkOrders(group, cfg)
	registerSolvers(group, cfg)
	registerChallenger(group, cfg)
	registerWebSocket(router, basePath, cfg, logger)

	return router, nil
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if e, ok := apperr.As(err); ok {
		return newAPIError(apperr.StatusCode(e.Kind), "", e.Error(), nil)
	}
	if err == store.ErrNotFound {
		return newAPIError(http.StatusNotFound, "", "not found", nil)
	}
	return newAPIError(http.StatusInternalServerError, "", err.Error(), nil)
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	return fmt.Sprintf(`<!doctype html><html><head><title>Hookline API</title></head>
<body><div id="swagger-ui"></div>
<script src="https://unpkg.com/swagger-ui-dist/swagger-ui-bundle.js"></script>
<script>window.onload=()=>SwaggerUIBundle({url:%q,dom_id:"#swagger-ui"})</script>
</body></html>`, path.Join(basePath, "openapi.json"))
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerConfig(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "get-config",
		Method:      http.MethodGet,
		Path:        "/config",
		Summary:     "Echo effective asset/chain configuration",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ConfigResponse `json:"body"`
	}, error) {
		return &struct {
			Body ConfigResponse `json:"body"`
		}{Body: ConfigResponse{
			AssetMode:                string(cfg.Config.AssetMode),
			MilestoneSplits:          cfg.Config.MilestoneSplits,
			DemoActions:              cfg.Config.DemoActions,
			ChallengeDurationSeconds: cfg.Config.ChallengeDurationSeconds,
		}}, nil
	})
}

// decodeSignature converts the wire SignatureDTO into a signature.Signature,
// parsing R/S as hex big.Int and the public key as a hex-encoded uncompressed
// P-256 point (see internal/signature for why P-256 stands in for secp256k1).
func decodeSignature(dto SignatureDTO) (signature.Signature, error) {
	r, ok := new(big.Int).SetString(dto.R, 16)
	if !ok {
		return signature.Signature{}, fmt.Errorf("invalid signature.r")
	}
	s, ok := new(big.Int).SetString(dto.S, 16)
	if !ok {
		return signature.Signature{}, fmt.Errorf("invalid signature.s")
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(dto.PublicKey, "0x"))
	if err != nil {
		return signature.Signature{}, fmt.Errorf("invalid signature.publicKey: %w", err)
	}
	x, y := elliptic.Unmarshal(elliptic.P256(), raw)
	if x == nil {
		return signature.Signature{}, fmt.Errorf("invalid signature.publicKey encoding")
	}
	return signature.Signature{R: r, S: s, PublicKey: &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}}, nil
}
