package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"webship/internal/config"
	"webship/internal/database"
	"webship/internal/logger"
	"webship/internal/models"
	"webship/internal/pipeline"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// RunLauncher starts pipeline runs. Implemented by runner.Runner; tests use
// a fake so triggering a run does not shell out to build tools.
type RunLauncher interface {
	TryAcquire() error
	Release()
	AllocateBuildNumber() (int, error)
	Launch(ctx context.Context, buildNumber int, commitRef string) (*pipeline.Run, error)
}

type Handler struct {
	config *config.Config
	store  *database.Store
	runner RunLauncher
	logger *logrus.Entry
}

func NewHandler(cfg *config.Config, store *database.Store, r RunLauncher) *Handler {
	return &Handler{
		config: cfg,
		store:  store,
		runner: r,
		logger: logger.WithModule("handlers"),
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// Run triggers a pipeline run for a commit. The run executes in the
// background; a conflicting trigger for the same deployment target gets 409.
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	var req models.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	commitRef := req.CommitRef
	if commitRef == "" {
		commitRef = h.config.CommitRef
	}

	if err := h.runner.TryAcquire(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	buildNumber, err := h.runner.AllocateBuildNumber()
	if err != nil {
		h.runner.Release()
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	go func() {
		if _, err := h.runner.Launch(context.Background(), buildNumber, commitRef); err != nil {
			h.logger.WithError(err).Error("Pipeline run could not be launched")
		}
	}()

	response := models.RunResponse{
		Status:      "running",
		BuildNumber: buildNumber,
		CommitRef:   commitRef,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(response)
}

// Status returns a run's terminal status and stage results.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	buildNumber, err := strconv.Atoi(vars["build_number"])
	if err != nil {
		http.Error(w, "Invalid build number", http.StatusBadRequest)
		return
	}

	run, err := h.store.GetRun(buildNumber)
	if err != nil {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}

	response := models.RunStatusResponse{
		BuildNumber: run.BuildNumber,
		CommitRef:   run.CommitRef,
		Status:      string(run.Status),
		Summary:     run.Summary,
		Stages:      run.Results,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
