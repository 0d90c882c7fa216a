package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddleware_CountsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware(nil))
	r.Get("/d/{dataset}/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/d/{dataset}/ping", "418"))
	for _, ds := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/d/"+ds+"/ping", nil))
		if rec.Code != http.StatusTeapot {
			t.Fatalf("unexpected status %d", rec.Code)
		}
	}
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/d/{dataset}/ping", "418"))
	if after-before != 2 {
		t.Fatalf("expected 2 requests recorded under the route pattern, got %g", after-before)
	}
}

func TestHandler_ExposesCollectors(t *testing.T) {
	Computations.WithLabelValues("test", "tiles").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "tileindex_index_computations_total") {
		t.Fatalf("expected index counter in exposition")
	}
}
