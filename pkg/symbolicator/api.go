package symbolicator

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
)

const maxRequestBody = 10 << 20 // 10 MiB of JSON is plenty for a crash report

// API exposes the symbolicator over HTTP.
type API struct {
	logger       log.Logger
	symbolicator *Symbolicator
}

func NewAPI(logger log.Logger, s *Symbolicator) *API {
	return &API{logger: logger, symbolicator: s}
}

// RegisterRoutes attaches the symbolication endpoint to a router.
func (a *API) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/symbolicate/v5", a.handleSymbolicate).Methods(http.MethodPost)
}

func (a *API) handleSymbolicate(w http.ResponseWriter, r *http.Request) {
	jobs, err := decodeJobs(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	for i := range jobs {
		if err := jobs[i].Validate(); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("job %d: %w", i, err))
			return
		}
	}

	resp := a.symbolicator.Symbolicate(r.Context(), jobs)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		level.Warn(a.logger).Log("msg", "failed to write symbolication response", "err", err)
	}
}

// decodeJobs accepts either {"jobs": [...]} or a bare single job.
func decodeJobs(body io.Reader) ([]Job, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxRequestBody+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if len(data) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}

	var batch struct {
		Jobs []Job `json:"jobs"`
	}
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("malformed request: %w", err)
	}
	if len(batch.Jobs) > 0 {
		return batch.Jobs, nil
	}

	var single Job
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("malformed request: %w", err)
	}
	if len(single.Stacks) == 0 {
		return nil, fmt.Errorf("request contains no jobs")
	}
	return []Job{single}, nil
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
