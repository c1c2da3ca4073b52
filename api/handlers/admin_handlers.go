package handlers

import (
	"net/http"

	"casetrack/core/store"
	"casetrack/core/utils"
	"casetrack/core/workflow"
)

type AdminHandler struct {
	cases    store.CasesStore
	workflow *workflow.Manager
	logger   *utils.Logger
}

func NewAdminHandler(cases store.CasesStore, wf *workflow.Manager, logger *utils.Logger) *AdminHandler {
	return &AdminHandler{cases: cases, workflow: wf, logger: logger}
}

func (h *AdminHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.workflow.Metrics(r.Context())
	if err != nil {
		h.logger.Errorf("admin: metrics: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (h *AdminHandler) Overdue(w http.ResponseWriter, r *http.Request) {
	overdue, err := h.workflow.OverdueCases(r.Context())
	if err != nil {
		h.logger.Errorf("admin: overdue: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if overdue == nil {
		overdue = []store.Case{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cases": overdue, "count": len(overdue)})
}
