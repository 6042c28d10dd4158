package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gorilla/mux"

	apperrors "github.com/zsiec/salvage/internal/errors"
	"github.com/zsiec/salvage/internal/jobs"
	"github.com/zsiec/salvage/internal/logger"
	"github.com/zsiec/salvage/internal/metrics"
	"github.com/zsiec/salvage/internal/repair"
	"github.com/zsiec/salvage/internal/repair/profile"
)

// FilenameHeader optionally names the uploaded file, so the download can
// be named after it.
const FilenameHeader = "X-Filename"

const defaultUploadName = "upload.mov"

// handleCreateRepair spools the request body to the work directory and
// repairs it before answering.
func (s *Server) handleCreateRepair(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	format := strings.TrimSpace(r.URL.Query().Get("format"))
	job := jobs.NewJob(uploadName(r), format)
	ctx = logger.WithJobID(ctx, job.ID)
	log := logger.FromContext(ctx).WithField("job_id", job.ID)
	s.inFlight.Store(job.ID, struct{}{})
	defer s.inFlight.Delete(job.ID)

	job.InputPath = filepath.Join(s.config.WorkDir, job.ID+".upload")
	n, err := s.spool(w, r, job.InputPath)
	if err != nil {
		_ = os.Remove(job.InputPath)
		s.writeError(w, r, err)
		return
	}
	job.InputBytes = n
	defer os.Remove(job.InputPath)

	if err := s.jobs.Create(ctx, job); err != nil {
		s.writeError(w, r, apperrors.WrapInternalError(err, "failed to register job"))
		return
	}

	metrics.JobStarted()
	defer metrics.JobFinished()

	job.Start()
	s.saveJob(r, job)
	log.WithFields(logger.Fields{
		"filename": job.Filename,
		"bytes":    n,
		"format":   format,
	}).Info("Repairing upload")

	rep, err := s.repairer.RepairFile(ctx, job.InputPath, repair.FileOptions{
		Format: format,
		Log:    logger.RepairLogger(ctx),
	})
	if err != nil {
		job.Fail(err)
		s.saveJob(r, job)
		if appErr, ok := apperrors.GetAppError(err); ok {
			appErr.WithDetails(map[string]interface{}{"job_id": job.ID})
		}
		s.writeError(w, r, err)
		return
	}

	// The spooled input name is internal; report the uploaded one.
	rep.Input = job.Filename
	job.OutputPath = rep.Output
	rep.Output = downloadName(job, s.repairer.Suffix())
	job.Complete(rep)
	s.saveJob(r, job)

	w.Header().Set("Location", "/api/v1/repairs/"+job.ID)
	s.writeJSON(w, r, http.StatusCreated, job)
}

// spool copies the body to path, enforcing the upload limit.
func (s *Server) spool(w http.ResponseWriter, r *http.Request, path string) (int64, error) {
	if r.ContentLength == 0 {
		return 0, apperrors.NewValidationError("request body is empty")
	}

	body := r.Body
	if s.config.MaxUploadBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return 0, apperrors.WrapInternalError(err, "failed to create upload file")
	}

	n, err := io.Copy(f, body)
	closeErr := f.Close()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return n, apperrors.New(apperrors.ErrorTypeValidation,
				fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit), http.StatusRequestEntityTooLarge)
		}
		return n, apperrors.WrapInternalError(err, "failed to read upload")
	}
	if closeErr != nil {
		return n, apperrors.WrapInternalError(closeErr, "failed to store upload")
	}
	if n == 0 {
		return 0, apperrors.NewValidationError("request body is empty")
	}
	return n, nil
}

// saveJob persists job state; failures are logged because the repair
// outcome is still returned to the caller.
func (s *Server) saveJob(r *http.Request, job *jobs.Job) {
	if err := s.jobs.Update(r.Context(), job); err != nil {
		logger.FromContext(r.Context()).WithError(err).WithField("job_id", job.ID).Warn("Failed to update job")
	}
}

func (s *Server) handleListRepairs(w http.ResponseWriter, r *http.Request) {
	list, err := s.jobs.List(r.Context())
	if err != nil {
		s.writeError(w, r, apperrors.NewServiceDownError("job registry"))
		return
	}
	s.writeJSON(w, r, http.StatusOK, struct {
		Jobs  []*jobs.Job `json:"jobs"`
		Count int         `json:"count"`
	}{Jobs: list, Count: len(list)})
}

func (s *Server) handleGetRepair(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, r, http.StatusOK, job)
}

// handleDownload streams the repaired file.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	if !job.HasOutput() {
		s.writeError(w, r, apperrors.NewNotFoundError(fmt.Sprintf("output of %s job %s", job.Status, job.ID)))
		return
	}

	f, err := os.Open(job.OutputPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.writeError(w, r, apperrors.NewNotFoundError("output file"))
			return
		}
		s.writeError(w, r, apperrors.WrapInternalError(err, "failed to open output"))
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.writeError(w, r, apperrors.WrapInternalError(err, "failed to stat output"))
		return
	}

	w.Header().Set("Content-Type", contentType(job.OutputPath))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", downloadName(job, s.repairer.Suffix())))
	http.ServeContent(w, r, "", info.ModTime(), f)
}

func (s *Server) handleDeleteRepair(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}

	for _, path := range []string{job.OutputPath, job.InputPath} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.writeError(w, r, apperrors.WrapInternalError(err, "failed to remove job files"))
			return
		}
	}
	if err := s.jobs.Delete(r.Context(), job.ID); err != nil && !errors.Is(err, jobs.ErrJobNotFound) {
		s.writeError(w, r, apperrors.WrapInternalError(err, "failed to delete job"))
		return
	}

	logger.FromContext(r.Context()).WithField("job_id", job.ID).Info("Repair job deleted")
	w.WriteHeader(http.StatusNoContent)
}

type formatEntry struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Codec       string `json:"codec"`
}

type hintEntry struct {
	Source string `json:"source"`
	Code   string `json:"code"`
}

type familyFormats struct {
	Family  profile.Family `json:"family"`
	Formats []formatEntry  `json:"formats"`
	Hints   []hintEntry    `json:"hints,omitempty"`
}

// handleFormats lists the format codes a repair may be given.
func (s *Server) handleFormats(w http.ResponseWriter, r *http.Request) {
	cat := s.repairer.Catalog()

	families := cat.Families()
	if want := r.URL.Query().Get("family"); want != "" {
		fam := profile.Family(want)
		if fam != profile.FamilyLegacy && fam != profile.FamilyNewStyle {
			s.writeError(w, r, apperrors.NewValidationError(fmt.Sprintf("unknown family %q", want)).
				WithDetails(map[string]interface{}{"families": cat.Families()}))
			return
		}
		families = []profile.Family{fam}
	}

	out := make([]familyFormats, 0, len(families))
	for _, fam := range families {
		ff := familyFormats{Family: fam, Formats: []formatEntry{}}
		for _, p := range cat.Profiles(fam) {
			ff.Formats = append(ff.Formats, formatEntry{Code: p.Code, Description: p.Description, Codec: string(p.Codec)})
		}
		for _, h := range cat.Hints(fam) {
			ff.Hints = append(ff.Hints, hintEntry{Source: h.Source, Code: h.Code})
		}
		out = append(out, ff)
	}

	s.writeJSON(w, r, http.StatusOK, struct {
		Families []familyFormats `json:"families"`
	}{Families: out})
}

func (s *Server) lookupJob(w http.ResponseWriter, r *http.Request) (*jobs.Job, bool) {
	id := mux.Vars(r)["id"]
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			s.writeError(w, r, apperrors.NewNotFoundError(fmt.Sprintf("repair job %s", id)))
		} else {
			s.writeError(w, r, apperrors.NewServiceDownError("job registry"))
		}
		return nil, false
	}
	return job, true
}

func uploadName(r *http.Request) string {
	name := r.Header.Get(FilenameHeader)
	if name == "" {
		name = r.URL.Query().Get("filename")
	}
	name = filepath.Base(filepath.Clean("/" + name))
	if name == "/" || name == "." {
		return defaultUploadName
	}
	return name
}

// downloadName names the repaired file after the uploaded one.
func downloadName(job *jobs.Job, suffix string) string {
	return repair.OutputPath(job.Filename, suffix, filepath.Ext(job.OutputPath))
}

func contentType(path string) string {
	if filepath.Ext(path) == ".mp4" {
		return "video/mp4"
	}
	return "application/octet-stream"
}

// writeJSON is a helper to write JSON responses
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.FromContext(r.Context()).WithError(err).Error("Failed to encode response")
	}
}

// writeError is a helper to write error responses
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.errorHandler.HandleError(w, r, err)
}
