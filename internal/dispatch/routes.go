package dispatch

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	xerrors "ExtensionHost/internal/errors"
	"ExtensionHost/internal/sandbox"
)

// TenantFunc resolves the tenant and user of an inbound request.
type TenantFunc func(r *http.Request) (tenantID, userID string)

// HeaderTenant reads the tenant and user from request headers.
func HeaderTenant(tenantHeader, userHeader string) TenantFunc {
	return func(r *http.Request) (string, string) {
		return strings.TrimSpace(r.Header.Get(tenantHeader)), strings.TrimSpace(r.Header.Get(userHeader))
	}
}

// Host credentials never reach plugin code.
var strippedHeaders = map[string]struct{}{
	"authorization":       {},
	"cookie":              {},
	"proxy-authorization": {},
}

// Routes serves plugin routes under prefix, as prefix/<slug>/<declared path>. Requests that
// match no published route fall through to next.
func (d *Dispatcher) Routes(prefix string, tenantOf TenantFunc) func(http.Handler) http.Handler {
	prefix = "/" + strings.Trim(prefix, "/")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rel, ok := strings.CutPrefix(r.URL.Path, prefix)
			if !ok || (rel != "" && !strings.HasPrefix(rel, "/")) {
				next.ServeHTTP(w, r)
				return
			}
			tenantID, userID := tenantOf(r)
			if tenantID == "" {
				next.ServeHTTP(w, r)
				return
			}
			match, ok := d.tables.Table(tenantID).MatchRoute(r.Method, rel)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			req, err := d.requestArg(w, r, rel, match.Params)
			if err != nil {
				writeFailure(w, &sandbox.Failure{Kind: xerrors.CodeOf(err), Message: xerrors.MessageOf(err)})
				return
			}
			res := d.invoke(r.Context(), call{
				kind:     sandbox.KindRoute,
				plugin:   match.Plugin,
				handler:  match.Route.Handler,
				requires: match.Route.Requires,
				userID:   userID,
				args:     []any{req},
			})
			if !res.Success {
				writeFailure(w, res.Error)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			if err := json.NewEncoder(w).Encode(res.Value); err != nil {
				d.log.Warn("route response encode failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
			}
		})
	}
}

func (d *Dispatcher) requestArg(w http.ResponseWriter, r *http.Request, rel string, params map[string]string) (map[string]any, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, d.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, xerrors.New(xerrors.CodeLimitExceeded, "request body too large")
		}
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "read request body")
	}
	query := make(map[string]any, len(r.URL.Query()))
	for k, vs := range r.URL.Query() {
		if len(vs) == 1 {
			query[k] = vs[0]
			continue
		}
		list := make([]any, len(vs))
		for i, v := range vs {
			list[i] = v
		}
		query[k] = list
	}
	headers := make(map[string]any, len(r.Header))
	for k, vs := range r.Header {
		lower := strings.ToLower(k)
		if _, skip := strippedHeaders[lower]; skip {
			continue
		}
		headers[lower] = strings.Join(vs, ", ")
	}
	pathParams := make(map[string]any, len(params))
	for k, v := range params {
		pathParams[k] = v
	}
	req := map[string]any{
		"method":  r.Method,
		"path":    rel,
		"params":  pathParams,
		"query":   query,
		"headers": headers,
		"body":    string(body),
	}
	if mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mediaType == "application/json" && len(body) > 0 {
		var decoded any
		if err := json.Unmarshal(body, &decoded); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "malformed JSON body")
		}
		req["json"] = decoded
	}
	return req, nil
}

func writeFailure(w http.ResponseWriter, f *sandbox.Failure) {
	if f == nil {
		f = &sandbox.Failure{Kind: xerrors.CodeUnknown, Message: "unknown failure"}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(xerrors.HTTPStatus(f.Err()))
	_ = json.NewEncoder(w).Encode(map[string]any{"error": f})
}
