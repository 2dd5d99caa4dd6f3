// Package datasource defines the telemetry query capability the fetcher
// depends on, and one variant per backend kind selected by configuration.
package datasource

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	v1 "github.com/prometheus/client_golang/api/prometheus/v1"

	"github.com/observantio/becertain/internal/models"
	"github.com/observantio/becertain/internal/utils"
)

// DataSource answers range, instant, log and trace queries for one backend.
// Variants return ErrUnsupported for capabilities their backend lacks.
type DataSource interface {
	Name() string
	Kind() string
	Supports(signal models.SignalType) bool
	QueryRange(ctx context.Context, q models.Query) ([]models.TimeSeries, error)
	QueryInstant(ctx context.Context, q models.Query) ([]models.TimeSeries, error)
	QueryLogs(ctx context.Context, q models.Query) ([]models.LogLine, error)
	QueryTraces(ctx context.Context, q models.Query) ([]models.Span, error)
}

// TopologySource exposes a service dependency graph.
type TopologySource interface {
	FetchServiceGraph(ctx context.Context, tenant string, start, end time.Time) ([]models.ServiceGraphEdge, error)
}

// ErrUnsupported is returned for a capability the backend does not offer.
var ErrUnsupported = errors.New("datasource: capability not supported")

// StatusError is a non-2xx backend response.
type StatusError struct {
	Backend string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned %d", e.Backend, e.Code)
	}
	return fmt.Sprintf("%s returned %d: %s", e.Backend, e.Code, e.Body)
}

// Unwrap classifies server-side failures as ErrDataSourceUnavailable.
func (e *StatusError) Unwrap() error {
	if e.transient() {
		return utils.ErrDataSourceUnavailable
	}
	return nil
}

func (e *StatusError) transient() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// IsTransient reports whether a query failure is worth retrying: network
// errors, 5xx, 429 and backend-side timeouts. Context expiry is final.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrUnsupported) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.transient()
	}
	var apiErr *v1.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Type {
		case v1.ErrServer, v1.ErrTimeout, "unavailable":
			return true
		}
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

type tenantKey struct{}

// WithTenant scopes outbound queries on ctx to tenant.
func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenant)
}

// TenantFrom returns the tenant set by WithTenant.
func TenantFrom(ctx context.Context) string {
	v, _ := ctx.Value(tenantKey{}).(string)
	return v
}

// tenantTransport stamps static headers and the per-request tenant, and turns
// 429 responses into StatusError so retry classification sees them.
type tenantTransport struct {
	backend  string
	base     http.RoundTripper
	tenant   string
	headers  map[string]string
	noTenant bool
}

func (t *tenantTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	if !t.noTenant {
		tenant := TenantFrom(req.Context())
		if tenant == "" {
			tenant = t.tenant
		}
		if tenant != "" {
			req.Header.Set("X-Scope-OrgID", tenant)
		}
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		return nil, &StatusError{Backend: t.backend, Code: resp.StatusCode}
	}
	return resp, nil
}

func newHTTPClient(backend string, timeout time.Duration, tenant string, headers map[string]string, base http.RoundTripper) *http.Client {
	if base == nil {
		base = http.DefaultTransport
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: &tenantTransport{backend: backend, base: base, tenant: tenant, headers: headers},
	}
}

func signalSet(configured []string, native ...models.SignalType) map[models.SignalType]bool {
	out := make(map[models.SignalType]bool, len(native))
	if len(configured) == 0 {
		for _, s := range native {
			out[s] = true
		}
		return out
	}
	allowed := make(map[models.SignalType]bool, len(native))
	for _, s := range native {
		allowed[s] = true
	}
	for _, s := range configured {
		if st := models.SignalType(s); allowed[st] {
			out[st] = true
		}
	}
	return out
}
