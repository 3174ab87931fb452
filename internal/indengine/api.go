package indengine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"ta-engine/internal/indicator"
)

const maxReloadBody = 64 << 10

// mountAPI registers the catalog, reload and live stream endpoints next to
// /healthz and /metrics. /reload is authenticated when an admin secret is
// configured and rate limited.
func (svc *Service) mountAPI(mux *http.ServeMux) {
	mux.Handle("/ws", svc.hub)
	mux.HandleFunc("/catalog", handleCatalog)
	mux.HandleFunc("/reload", withRequestID(svc.adminOnly(rateLimited(svc.reloadLimit, svc.handleReload))))
	mux.HandleFunc("/indicators", svc.handleIndicators)
}

func handleCatalog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, indicator.Catalog())
}

// handleIndicators reports the active indicator labels.
func (svc *Service) handleIndicators(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, svc.health.IndicatorLabels())
}

// handleReload handles POST /reload for live indicator updates.
func (svc *Service) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxReloadBody))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	var specs []indicator.Spec
	if isYAML(r.Header.Get("Content-Type")) {
		specs, err = indicator.ParseSpecYAML(body)
	} else {
		specs, err = parseSpecsPayload(body)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	slog.Info("reload requested", "request_id", requestID(r.Context()), "indicators", len(specs))
	res, err := svc.requestReload(r.Context(), specs)
	if err != nil {
		code := http.StatusBadRequest
		if !errors.Is(err, indicator.ErrInvalidParam) && !errors.Is(err, indicator.ErrUnknownIndicator) {
			code = http.StatusServiceUnavailable
		}
		http.Error(w, "reload: "+err.Error(), code)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
		reloadResult
	}{"ok", res})
}

// parseSpecsPayload accepts a JSON array of specs, an object with an
// "indicators" string, or the plain comma-separated text form.
func parseSpecsPayload(body []byte) ([]indicator.Spec, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty indicator list", indicator.ErrInvalidParam)
	}
	switch body[0] {
	case '[':
		var specs []indicator.Spec
		if err := json.Unmarshal(body, &specs); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		return specs, nil
	case '{':
		var req struct {
			Indicators string `json:"indicators"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		return indicator.ParseSpecs(req.Indicators)
	default:
		return indicator.ParseSpecs(string(body))
	}
}

func isYAML(contentType string) bool {
	return strings.Contains(contentType, "yaml")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("encode response", "error", err)
	}
}
