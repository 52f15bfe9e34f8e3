package symbolicator

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T) (*fakeSource, http.Handler) {
	t.Helper()
	source := newFakeSource()
	s := newTestSymbolicator(t, source, 0)
	r := mux.NewRouter()
	NewAPI(log.NewNopLogger(), s).RegisterRoutes(r)
	return source, r
}

func postJSON(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/symbolicate/v5", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestAPISymbolicate(t *testing.T) {
	source, h := newTestAPI(t)
	source.addTable(t, "xul.pdb", "FUNC 1000 100 0 do_work\n")

	body := fmt.Sprintf(`{"jobs":[{"memoryMap":[["xul.pdb","%s"]],"stacks":[[[0,4176],[0,80]]]}]}`, testDebugID)
	w := postJSON(t, h, body)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)

	frames := resp.Results[0].Stacks[0]
	require.Len(t, frames, 2)
	require.True(t, frames[0].Found)
	require.Equal(t, "do_work", frames[0].Function)
	require.Equal(t, "0x1050", frames[0].ModuleOffset)
	require.False(t, frames[1].Found)
}

func TestAPISymbolicateBareJob(t *testing.T) {
	source, h := newTestAPI(t)
	source.addTable(t, "xul.pdb", "FUNC 1000 100 0 do_work\n")

	body := fmt.Sprintf(`{"memoryMap":[["xul.pdb","%s"]],"stacks":[[[0,4176]]]}`, testDebugID)
	w := postJSON(t, h, body)
	require.Equal(t, http.StatusOK, w.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	require.True(t, resp.Results[0].Stacks[0][0].Found)
}

func TestAPIRejectsMalformedRequests(t *testing.T) {
	_, h := newTestAPI(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"jobs": [`},
		{"no jobs", `{}`},
		{"empty stacks", fmt.Sprintf(`{"jobs":[{"memoryMap":[["a.so","%s"]],"stacks":[]}]}`, testDebugID)},
		{"module index out of range", fmt.Sprintf(`{"jobs":[{"memoryMap":[["a.so","%s"]],"stacks":[[[3,16]]]}]}`, testDebugID)},
		{"module index below -1", fmt.Sprintf(`{"jobs":[{"memoryMap":[["a.so","%s"]],"stacks":[[[-2,16]]]}]}`, testDebugID)},
		{"negative offset", fmt.Sprintf(`{"jobs":[{"memoryMap":[["a.so","%s"]],"stacks":[[[0,-5]]]}]}`, testDebugID)},
		{"non-numeric frame", fmt.Sprintf(`{"jobs":[{"memoryMap":[["a.so","%s"]],"stacks":[[["x",16]]]}]}`, testDebugID)},
		{"memory map entry too short", `{"jobs":[{"memoryMap":[["a.so"]],"stacks":[[[0,16]]]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postJSON(t, h, tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

			var errResp map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
			require.NotEmpty(t, errResp["error"])
		})
	}
}

func TestAPIMethodNotAllowed(t *testing.T) {
	_, h := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/symbolicate/v5", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
