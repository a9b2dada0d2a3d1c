package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/disk"

	"tdl-archive-manager/internal/model"
	"tdl-archive-manager/internal/scheduler"
	"tdl-archive-manager/internal/store"
)

type sourceDetail struct {
	model.Source
	Schedules []model.Schedule `json:"schedules"`
}

type diskUsage struct {
	Path        string  `json:"path"`
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	UsedPercent float64 `json:"used_percent"`
}

type statsResponse struct {
	store.Stats
	Disk      *diskUsage       `json:"disk,omitempty"`
	Scheduler scheduler.Status `json:"scheduler"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	resp := statsResponse{Stats: st, Scheduler: s.scheduler.Status()}
	if s.diskPath != "" {
		if u, err := disk.UsageWithContext(r.Context(), s.diskPath); err == nil {
			resp.Disk = &diskUsage{Path: s.diskPath, Total: u.Total, Free: u.Free, UsedPercent: u.UsedPercent}
		} else {
			s.logger.Debug("disk usage unavailable", "path", s.diskPath, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	active := r.URL.Query().Get("active")
	sources, err := s.store.ListSources(r.Context(), store.SourceFilter{ActiveOnly: active == "1" || active == "true"})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sources)
}

func (s *Server) getSource(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	src, err := s.store.GetSource(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	schedules, err := s.store.ListSchedules(r.Context(), store.ScheduleFilter{SourceID: id})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sourceDetail{Source: src, Schedules: schedules})
}

func (s *Server) listExports(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	runs, err := s.store.ListExportRuns(r.Context(), store.ExportFilter{SourceID: id, Status: r.URL.Query().Get("status"), Limit: limit})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) listDownloads(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	runs, err := s.store.ListDownloadRuns(r.Context(), store.DownloadFilter{SourceID: id, Status: r.URL.Query().Get("status"), Limit: limit})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	sourceID, ok := queryInt(w, r, "source_id")
	if !ok {
		return
	}
	jobType := q.Get("job_type")
	if jobType != "" && !model.IsJobType(jobType) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid job type %q", jobType))
		return
	}
	status := q.Get("status")
	if status != "" && !model.IsKnownStatus(status) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid status %q", status))
		return
	}
	jobs, err := s.store.ListJobLogs(r.Context(), store.JobLogFilter{SourceID: int64(sourceID), JobType: jobType, Status: status, Limit: limit})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) getScheduler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.Status())
}

func (s *Server) inflight(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.Status().InFlight)
}

func (s *Server) setFolder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		FolderName *string `json:"folder_name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.FolderName == nil {
		writeError(w, http.StatusBadRequest, errors.New("folder_name is required"))
		return
	}
	name := strings.TrimSpace(*req.FolderName)
	if err := model.ValidateFolderName(name); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	src, err := s.store.GetSource(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	src.FolderName = name
	if err := s.store.UpdateSource(r.Context(), src); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (s *Server) setSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	jobType, ok := pathJobType(w, r)
	if !ok {
		return
	}
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, errors.New("enabled is required"))
		return
	}
	sch, err := s.scheduler.SetEnabled(r.Context(), id, jobType, *req.Enabled)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func (s *Server) triggerJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	jobType, ok := pathJobType(w, r)
	if !ok {
		return
	}
	if err := s.scheduler.TriggerManually(r.Context(), id, jobType); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "source_id": id, "job_type": jobType})
}

func (s *Server) renameFiles(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if s.renamer == nil {
		writeError(w, http.StatusNotImplemented, errors.New("rename is not available"))
		return
	}
	n, err := s.renamer.RenameSourceFiles(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"renamed": n})
}

func (s *Server) updateScheduler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CronSchedule *string `json:"cron_schedule"`
		Enabled      *bool   `json:"enabled"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.CronSchedule == nil && req.Enabled == nil {
		writeError(w, http.StatusBadRequest, errors.New("cron_schedule or enabled is required"))
		return
	}
	if req.CronSchedule != nil {
		if err := s.scheduler.UpdateCron(r.Context(), *req.CronSchedule); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.Enabled != nil {
		if err := s.scheduler.SetGlobalEnabled(r.Context(), *req.Enabled); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
	}
	writeJSON(w, http.StatusOK, s.scheduler.Status())
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("invalid source id"))
		return 0, false
	}
	return id, true
}

func pathJobType(w http.ResponseWriter, r *http.Request) (string, bool) {
	jobType := mux.Vars(r)["job_type"]
	if !model.IsJobType(jobType) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid job type %q", jobType))
		return "", false
	}
	return jobType, true
}

func queryInt(w http.ResponseWriter, r *http.Request, key string) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid %s %q", key, raw))
		return 0, false
	}
	return n, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}
