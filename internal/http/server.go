package http

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/ignatij/stepflow/internal/log"
	"github.com/ignatij/stepflow/internal/plan"
	"github.com/ignatij/stepflow/pkg/models"
	"github.com/ignatij/stepflow/pkg/service"
	"github.com/ignatij/stepflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StartServer serves the engine API on port until the listener fails.
func StartServer(port string, engine *service.Engine, gatherer prometheus.Gatherer) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           NewRouter(engine, gatherer),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.GetLogger().Infof("Starting Stepflow server on :%s", port)
	return srv.ListenAndServe()
}

// NewRouter wires the HTTP surface of the engine: plan submission,
// inspection of workflows and task records, remote step completion callbacks
// and metrics.
func NewRouter(engine *service.Engine, gatherer prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/workflows", WorkflowsHandler(engine)).Methods(http.MethodGet)
	r.HandleFunc("/workflows", SubmitWorkflowHandler(engine)).Methods(http.MethodPost)
	r.HandleFunc("/workflows/{id}", WorkflowByIDHandler(engine)).Methods(http.MethodGet)
	r.HandleFunc("/workflows/{id}/logs", ExecutionLogsHandler(engine)).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{taskID}", TaskRecordsHandler(engine)).Methods(http.MethodGet)
	r.HandleFunc("/steps/{id}/{event:executing|succeeded|failed}", StepEventHandler(engine)).Methods(http.MethodPost)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "Stepflow server is running")
}

// WorkflowsHandler lists workflows, optionally filtered by ?status=A,B.
func WorkflowsHandler(engine *service.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var statuses []models.WorkflowStatus
		for _, value := range r.URL.Query()["status"] {
			for _, s := range strings.Split(value, ",") {
				if s = strings.TrimSpace(s); s != "" {
					statuses = append(statuses, models.WorkflowStatus(strings.ToUpper(s)))
				}
			}
		}
		workflows, err := engine.ListWorkflows(statuses...)
		if err != nil {
			log.GetLogger().Errorf("Failed to list workflows: %v", err)
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list workflows: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, workflows)
	}
}

const maxPlanSize = 1 << 20

type submitResponse struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`
}

// SubmitWorkflowHandler runs a plan document (YAML or JSON, in the plan file
// format) on this process. The workflow is owned here, so the step callbacks
// of its asynchronous actions must be sent to this server.
func SubmitWorkflowHandler(engine *service.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxPlanSize))
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Failed to read request body: %v", err))
			return
		}
		f, err := plan.Parse(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid plan: %v", err))
			return
		}
		p, err := f.Build()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid plan: %v", err))
			return
		}
		taskID := p.TaskID()
		if taskID == "" {
			taskID = p.ID()
		}
		wlog := log.WithWorkflow(p.ID())

		err = engine.ExecutePlan(r.Context(), p, engine.NewTaskCompleter(taskID, f.Resources...), f.SuccessMessage)
		switch {
		case err == nil:
			wlog.Infof("Accepted workflow '%s' for task %s", f.Name, taskID)
			writeJSON(w, http.StatusAccepted, submitResponse{ID: p.ID(), TaskID: taskID})
		case service.IsLockRetry(err), errors.Is(err, service.ErrTaskInProgress):
			wlog.Infof("Rejected workflow '%s': %v", f.Name, err)
			writeError(w, http.StatusConflict, err.Error())
		case service.IsInternal(err):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			wlog.Errorf("Failed to execute workflow '%s': %v", f.Name, err)
			writeError(w, http.StatusInternalServerError, err.Error())
		}
	}
}

func WorkflowByIDHandler(engine *service.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		wf, err := engine.GetWorkflow(id)
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("Workflow %s not found", id))
			return
		}
		if err != nil {
			log.GetLogger().Errorf("Failed to get workflow %s: %v", id, err)
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to get workflow: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, wf)
	}
}

func ExecutionLogsHandler(engine *service.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		logs, err := engine.ExecutionLogs(id)
		if err != nil {
			log.GetLogger().Errorf("Failed to list execution logs of %s: %v", id, err)
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list execution logs: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, logs)
	}
}

// TaskRecordsHandler is what clients poll to follow a task.
func TaskRecordsHandler(engine *service.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := mux.Vars(r)["taskID"]
		records, err := engine.TaskRecords(taskID)
		if err != nil {
			log.GetLogger().Errorf("Failed to list task records of %s: %v", taskID, err)
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list task records: %v", err))
			return
		}
		if len(records) == 0 {
			writeError(w, http.StatusNotFound, fmt.Sprintf("Task %s not found", taskID))
			return
		}
		writeJSON(w, http.StatusOK, records)
	}
}

type stepEventRequest struct {
	Error string `json:"error"`
}

// StepEventHandler accepts completion callbacks from device controllers that
// were handed a Pending step.
func StepEventHandler(engine *service.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		id, event := vars["id"], vars["event"]

		var err error
		switch event {
		case "executing":
			err = engine.StepExecuting(r.Context(), id)
		case "succeeded":
			err = engine.StepSucceeded(r.Context(), id)
		case "failed":
			var req stepEventRequest
			if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr != nil && decodeErr != io.EOF {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", decodeErr))
				return
			}
			if req.Error == "" {
				req.Error = "step reported failure"
			}
			err = engine.StepFailed(r.Context(), id, errors.New(req.Error))
		}

		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]string{"id": id, "event": event})
		case errors.Is(err, service.ErrUnknownStep):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, service.ErrStepNotDispatched), errors.Is(err, service.ErrWorkflowNotRunning):
			writeError(w, http.StatusConflict, err.Error())
		default:
			log.GetLogger().Errorf("Failed to report step %s %s: %v", id, event, err)
			writeError(w, http.StatusInternalServerError, err.Error())
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
