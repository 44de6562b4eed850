package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"dist/index.html": {Data: []byte("<html>console</html>")},
		"dist/app.js":     {Data: []byte("console.log('hi')")},
	}
}

func TestSPAHandler(t *testing.T) {
	h := spaHandler(testFS())

	tests := []struct {
		path     string
		wantCode int
		wantBody string
	}{
		{"/", http.StatusOK, "console</html>"},
		{"/app.js", http.StatusOK, "console.log"},
		{"/conversations/abc", http.StatusOK, "console</html>"},
		{"/api/unknown", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if w.Code != tt.wantCode {
			t.Errorf("%s: expected %d, got %d", tt.path, tt.wantCode, w.Code)
			continue
		}
		if tt.wantBody != "" && !strings.Contains(w.Body.String(), tt.wantBody) {
			t.Errorf("%s: unexpected body %q", tt.path, w.Body.String())
		}
	}
}

func TestEmbeddedConsolePresent(t *testing.T) {
	w := httptest.NewRecorder()
	SPAHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected embedded index.html, got %d", w.Code)
	}
}
