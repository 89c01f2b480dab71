package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/loopsync/loopsync/internal/service"
)

// BackupHandler handles state backup and restore endpoints.
type BackupHandler struct {
	backups *service.BackupService
}

// NewBackupHandler creates a new backup handler.
func NewBackupHandler(backups *service.BackupService) *BackupHandler {
	return &BackupHandler{backups: backups}
}

// Register registers the backup routes with the Huma API.
func (h *BackupHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listBackups",
		Method:      "GET",
		Path:        "/api/backups",
		Summary:     "List backups",
		Description: "Returns every available state backup, newest first, with the active schedule.",
		Tags:        []string{"Backup"},
	}, h.ListBackups)

	huma.Register(api, huma.Operation{
		OperationID: "createBackup",
		Method:      "POST",
		Path:        "/api/backups",
		Summary:     "Create a backup",
		Description: "Snapshots the persisted playout state into a compressed backup.",
		Tags:        []string{"Backup"},
	}, h.CreateBackup)

	huma.Register(api, huma.Operation{
		OperationID: "getBackup",
		Method:      "GET",
		Path:        "/api/backups/{filename}",
		Summary:     "Get backup details",
		Description: "Returns metadata for a single backup.",
		Tags:        []string{"Backup"},
	}, h.GetBackup)

	huma.Register(api, huma.Operation{
		OperationID: "deleteBackup",
		Method:      "DELETE",
		Path:        "/api/backups/{filename}",
		Summary:     "Delete a backup",
		Description: "Deletes a backup archive and its metadata sidecar.",
		Tags:        []string{"Backup"},
	}, h.DeleteBackup)

	huma.Register(api, huma.Operation{
		OperationID: "restoreBackup",
		Method:      "POST",
		Path:        "/api/backups/{filename}/restore",
		Summary:     "Restore from backup",
		Description: "Restores the playout state from a backup and reloads the engine. Requires confirm=true. A pre-restore backup is taken first for rollback.",
		Tags:        []string{"Backup"},
	}, h.RestoreBackup)
}

// RegisterChiRoutes registers the raw routes for file transfer. These
// bypass Huma because it does not handle streaming bodies or multipart
// uploads well.
func (h *BackupHandler) RegisterChiRoutes(r chi.Router) {
	r.Get("/api/backups/{filename}/download", h.DownloadBackup)
	r.Post("/api/backups/upload", h.UploadBackup)
}

// ScheduleResponse is the backup schedule as the API reports it.
type ScheduleResponse struct {
	Enabled   bool   `json:"enabled"`
	Cron      string `json:"cron"`
	Retention int    `json:"retention"`
}

// ListBackupsInput is the input for listing backups.
type ListBackupsInput struct{}

// ListBackupsOutput is the output for listing backups.
type ListBackupsOutput struct {
	Body struct {
		OK              bool                  `json:"ok"`
		Backups         []*service.BackupInfo `json:"backups"`
		BackupDirectory string                `json:"backup_directory"`
		Schedule        ScheduleResponse      `json:"schedule"`
	}
}

// ListBackups lists all available backups.
func (h *BackupHandler) ListBackups(ctx context.Context, _ *ListBackupsInput) (*ListBackupsOutput, error) {
	backups, err := h.backups.ListBackups(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("listing backups", err)
	}

	sched := h.backups.ScheduleInfo()
	out := &ListBackupsOutput{}
	out.Body.OK = true
	out.Body.Backups = backups
	out.Body.BackupDirectory = h.backups.BackupDirectory()
	out.Body.Schedule = ScheduleResponse{
		Enabled:   sched.Enabled,
		Cron:      sched.Cron,
		Retention: sched.Retention,
	}
	return out, nil
}

// CreateBackupInput is the input for creating a backup.
type CreateBackupInput struct{}

// CreateBackupOutput is the output for creating a backup.
type CreateBackupOutput struct {
	Body struct {
		OK     bool                `json:"ok"`
		Backup *service.BackupInfo `json:"backup"`
	}
}

// CreateBackup snapshots the current state.
func (h *BackupHandler) CreateBackup(ctx context.Context, _ *CreateBackupInput) (*CreateBackupOutput, error) {
	info, err := h.backups.CreateBackup(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("creating backup", err)
	}

	out := &CreateBackupOutput{}
	out.Body.OK = true
	out.Body.Backup = info
	return out, nil
}

// GetBackupInput is the input for reading backup details.
type GetBackupInput struct {
	Filename string `path:"filename" doc:"Backup filename (e.g. loopsync-backup-2025-06-01T12-00-00.000.json.gz)"`
}

// GetBackupOutput is the output for reading backup details.
type GetBackupOutput struct {
	Body struct {
		OK     bool                `json:"ok"`
		Backup *service.BackupInfo `json:"backup"`
	}
}

// GetBackup returns metadata for one backup.
func (h *BackupHandler) GetBackup(ctx context.Context, input *GetBackupInput) (*GetBackupOutput, error) {
	if err := validateBackupFilename(input.Filename); err != nil {
		return nil, huma.Error400BadRequest(err.Error())
	}

	info, err := h.backups.GetBackup(ctx, input.Filename)
	if err != nil {
		return nil, huma.Error404NotFound("backup not found")
	}

	out := &GetBackupOutput{}
	out.Body.OK = true
	out.Body.Backup = info
	return out, nil
}

// DeleteBackupInput is the input for deleting a backup.
type DeleteBackupInput struct {
	Filename string `path:"filename" doc:"Backup filename"`
}

// DeleteBackupOutput is the output for deleting a backup.
type DeleteBackupOutput struct {
	Body struct {
		OK      bool   `json:"ok"`
		Message string `json:"message"`
	}
}

// DeleteBackup deletes a backup archive.
func (h *BackupHandler) DeleteBackup(ctx context.Context, input *DeleteBackupInput) (*DeleteBackupOutput, error) {
	if err := validateBackupFilename(input.Filename); err != nil {
		return nil, huma.Error400BadRequest(err.Error())
	}

	if err := h.backups.DeleteBackup(ctx, input.Filename); err != nil {
		return nil, huma.Error500InternalServerError("deleting backup", err)
	}

	out := &DeleteBackupOutput{}
	out.Body.OK = true
	out.Body.Message = fmt.Sprintf("backup %s deleted", input.Filename)
	return out, nil
}

// RestoreBackupInput is the input for restoring from a backup.
type RestoreBackupInput struct {
	Filename string `path:"filename" doc:"Backup filename to restore from"`
	Confirm  bool   `query:"confirm" doc:"Must be true to confirm the restore"`
}

// RestoreBackupOutput is the output for restoring from a backup.
type RestoreBackupOutput struct {
	Body struct {
		OK      bool   `json:"ok"`
		Message string `json:"message"`
	}
}

// RestoreBackup restores the playout state from a backup and hot-reloads
// the engine.
func (h *BackupHandler) RestoreBackup(ctx context.Context, input *RestoreBackupInput) (*RestoreBackupOutput, error) {
	if err := validateBackupFilename(input.Filename); err != nil {
		return nil, huma.Error400BadRequest(err.Error())
	}

	if !input.Confirm {
		return nil, huma.Error400BadRequest("restore requires confirmation: set confirm=true")
	}

	if err := h.backups.RestoreBackup(ctx, input.Filename); err != nil {
		if strings.Contains(err.Error(), "backup not found") {
			return nil, huma.Error404NotFound("backup not found")
		}
		return nil, huma.Error500InternalServerError("restoring backup", err)
	}

	out := &RestoreBackupOutput{}
	out.Body.OK = true
	out.Body.Message = fmt.Sprintf("state restored from %s", input.Filename)
	return out, nil
}

// DownloadBackup streams a backup archive. Raw chi route: Huma buffers
// bodies, and archives should stream.
func (h *BackupHandler) DownloadBackup(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")

	if err := validateBackupFilename(filename); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	file, err := h.backups.OpenBackupFile(r.Context(), filename)
	if err != nil {
		writeJSONError(w, "backup not found", http.StatusNotFound)
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		writeJSONError(w, "stat backup file", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", info.Size()))

	// A failed copy usually means the client went away; nothing to do.
	_, _ = io.Copy(w, file)
}

// UploadBackup accepts a backup archive for later restore. Raw chi route
// because of the multipart form.
func (h *BackupHandler) UploadBackup(w http.ResponseWriter, r *http.Request) {
	const maxUploadSize = 64 << 20
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeJSONError(w, fmt.Sprintf("parsing form: %v", err), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSONError(w, fmt.Sprintf("reading file field: %v", err), http.StatusBadRequest)
		return
	}
	defer file.Close()

	info, err := h.backups.ImportBackup(r.Context(), file, header.Filename)
	if err != nil {
		status := http.StatusInternalServerError
		if strings.Contains(err.Error(), "invalid filename") ||
			strings.Contains(err.Error(), "already exists") {
			status = http.StatusBadRequest
		}
		writeJSONError(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "backup": info})
}

// writeJSONError keeps the raw chi routes on the same error envelope as
// the Huma operations.
func writeJSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": message})
}

// validateBackupFilename rejects traversal attempts and names that do not
// look like backups.
func validateBackupFilename(filename string) error {
	if filename == "" {
		return fmt.Errorf("filename is required")
	}
	if strings.ContainsAny(filename, "/\\") || strings.Contains(filename, "..") {
		return fmt.Errorf("invalid filename")
	}
	if !strings.HasPrefix(filename, "loopsync-backup-") || !strings.HasSuffix(filename, ".json.gz") {
		return fmt.Errorf("invalid backup filename format")
	}
	return nil
}
