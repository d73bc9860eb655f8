package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/psen-processing/psen/pkg/types"
	"github.com/psen-processing/psen/processing/internal/manager"
	"github.com/psen-processing/psen/processing/internal/metrics"
	"github.com/psen-processing/psen/processing/internal/roi"
)

// maxBodySize bounds a ROI request body.
const maxBodySize = 4 << 10

// Controller is the subset of *manager.Manager the handlers drive.
type Controller interface {
	Start() error
	Stop()
	Status() manager.State
	Statistics() manager.Statistics
	ROISignal() roi.ROI
	SetROISignal(roi.ROI) error
	ROIBackground() roi.ROI
	SetROIBackground(roi.ROI) error
}

// Options configures New.
type Options struct {
	// Prefix is prepended to every route, e.g. "/psen". Empty for none.
	Prefix string
	// Metrics, when set, serves GET {prefix}/metrics.
	Metrics metrics.CollectFunc
	// Auth wraps the routes; nil leaves them open.
	Auth func(http.Handler) http.Handler
}

// Handler is the HTTP handler for the control API.
type Handler struct {
	ctl     Controller
	handler http.Handler
}

// New creates a Handler driving ctl and registers all routes.
func New(ctl Controller, opts Options) http.Handler {
	h := &Handler{ctl: ctl}

	mux := http.NewServeMux()
	p := opts.Prefix
	mux.HandleFunc(p+"/start", h.start)
	mux.HandleFunc(p+"/stop", h.stop)
	mux.HandleFunc(p+"/status", h.status)
	mux.HandleFunc(p+"/statistics", h.statistics)
	mux.HandleFunc(p+"/roi_signal", h.roiHandler("roi_signal", ctl.ROISignal, ctl.SetROISignal))
	mux.HandleFunc(p+"/roi_background", h.roiHandler("roi_background", ctl.ROIBackground, ctl.SetROIBackground))
	if opts.Metrics != nil {
		mux.Handle(p+"/metrics", metrics.Handler(opts.Metrics))
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		jsonErr(w, http.StatusNotFound, fmt.Sprintf("no route for %s", r.URL.Path))
	})

	var next http.Handler = mux
	if opts.Auth != nil {
		next = opts.Auth(next)
	}
	h.handler = cors(next)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// start handles POST /start.
func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if err := h.ctl.Start(); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, manager.ErrStartTimeout) {
			code = http.StatusServiceUnavailable
		}
		slog.Warn("api: start failed", "err", err)
		jsonErr(w, code, err.Error())
		return
	}
	jsonResp(w, http.StatusOK, types.Response{State: types.StateOK, Status: "Processing started."})
}

// stop handles POST /stop.
func (h *Handler) stop(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	h.ctl.Stop()
	jsonResp(w, http.StatusOK, types.Response{State: types.StateOK, Status: "Processing stopped."})
}

// status handles GET /status.
func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	status := types.StatusStopped
	if h.ctl.Status() == manager.Processing {
		status = types.StatusProcessing
	}
	jsonResp(w, http.StatusOK, types.Response{State: types.StateOK, Status: status})
}

// statistics handles GET /statistics.
func (h *Handler) statistics(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	stats := toStatistics(h.ctl.Statistics())
	jsonResp(w, http.StatusOK, types.Response{
		State:      types.StateOK,
		Status:     "Processing statistics.",
		Statistics: &stats,
	})
}

// roiHandler serves GET and POST for one ROI. name is both the payload key and
// the label used in messages.
func (h *Handler) roiHandler(name string, get func() roi.ROI, set func(roi.ROI) error) http.HandlerFunc {
	reply := func(w http.ResponseWriter, msg string) {
		v := get().Slice()
		resp := types.Response{State: types.StateOK, Status: msg}
		if name == "roi_signal" {
			resp.ROISignal = &v
		} else {
			resp.ROIBackground = &v
		}
		jsonResp(w, http.StatusOK, resp)
	}

	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			reply(w, fmt.Sprintf("Current %s.", name))
		case http.MethodPost:
			next, err := decodeROI(r)
			if err != nil {
				jsonErr(w, http.StatusBadRequest, err.Error())
				return
			}
			if err := set(next); err != nil {
				jsonErr(w, http.StatusBadRequest, err.Error())
				return
			}
			reply(w, fmt.Sprintf("%s set.", name))
		default:
			w.Header().Set("Allow", "GET, POST, OPTIONS")
			jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

// --- helpers ----------------------------------------------------------------

// decodeROI reads a ROI list from the request body. An empty body or JSON
// null is the empty ROI.
func decodeROI(r *http.Request) (roi.ROI, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return roi.ROI{}, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxBodySize {
		return roi.ROI{}, fmt.Errorf("request body larger than %d bytes", maxBodySize)
	}
	if len(body) == 0 {
		return roi.ROI{}, nil
	}
	var v roi.ROI
	if err := json.Unmarshal(body, &v); err != nil {
		return roi.ROI{}, err
	}
	return v, nil
}

func toStatistics(s manager.Statistics) types.Statistics {
	out := types.Statistics{SessionID: s.SessionID}
	if !s.ProcessingStartTime.IsZero() {
		t := s.ProcessingStartTime
		out.ProcessingStartTime = &t
	}
	if s.NProcessedImages > 0 {
		n, pulse, at := s.NProcessedImages, s.LastSentPulseID, s.LastSentTime
		out.NProcessedImages = &n
		out.LastSentPulseID = &pulse
		out.LastSentTime = &at
	}
	return out
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method+", OPTIONS")
	jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, types.Response{State: types.StateError, Status: msg})
}
