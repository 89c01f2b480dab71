// Package service provides the operational layer around the sync engine:
// state snapshots, restore, and scheduled maintenance.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/loopsync/loopsync/internal/config"
	"github.com/loopsync/loopsync/internal/version"
)

// BackupInfo describes one stored state snapshot.
type BackupInfo struct {
	Filename       string    `json:"filename"`
	FilePath       string    `json:"-"`
	CreatedAt      time.Time `json:"createdAt"`
	FileSize       int64     `json:"fileSize"`
	Checksum       string    `json:"checksum"`
	AppVersion     string    `json:"appVersion"`
	StateSize      int64     `json:"stateSize"`
	CompressedSize int64     `json:"compressedSize"`
	Slots          int       `json:"slots"`
}

// backupSidecar is the companion .meta.json written next to each snapshot.
type backupSidecar struct {
	AppVersion     string    `json:"appVersion"`
	StateSize      int64     `json:"stateSize"`
	CompressedSize int64     `json:"compressedSize"`
	Checksum       string    `json:"checksum"`
	CreatedAt      time.Time `json:"createdAt"`
	Slots          int       `json:"slots"`
}

// ReloadFunc hands a restored document back to the engine, which persists
// it and resets slot state.
type ReloadFunc func(ctx context.Context, doc *config.Playout) error

// BackupService snapshots the state file to gzip archives and restores
// them through the engine.
type BackupService struct {
	statePath  string
	cfg        config.BackupConfig
	storageDir string
	reload     ReloadFunc
	logger     *slog.Logger
}

// NewBackupService creates a backup service for the given state file.
func NewBackupService(statePath string, cfg config.BackupConfig, storageBaseDir string) *BackupService {
	return &BackupService{
		statePath:  statePath,
		cfg:        cfg,
		storageDir: cfg.BackupPath(storageBaseDir),
		logger:     slog.Default(),
	}
}

// WithLogger sets the logger for the service.
func (s *BackupService) WithLogger(logger *slog.Logger) *BackupService {
	s.logger = logger
	return s
}

// WithReloader sets the hook that adopts a restored document.
func (s *BackupService) WithReloader(fn ReloadFunc) *BackupService {
	s.reload = fn
	return s
}

// ScheduleInfo returns the backup schedule configuration.
func (s *BackupService) ScheduleInfo() config.BackupScheduleConfig {
	return s.cfg.Schedule
}

// BackupDirectory returns the snapshot storage directory.
func (s *BackupService) BackupDirectory() string {
	return s.storageDir
}

// CreateBackup snapshots the current state file.
func (s *BackupService) CreateBackup(ctx context.Context) (*BackupInfo, error) {
	if err := os.MkdirAll(s.storageDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}

	if err := s.checkDiskSpace(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.statePath)
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}

	slots := 0
	if doc, perr := config.ParsePlayout(data); perr != nil {
		s.logger.Warn("state file did not parse cleanly, snapshotting anyway",
			slog.String("error", perr.Error()))
	} else {
		slots = len(doc.Slots)
	}

	// Millisecond precision keeps names unique under rapid snapshots.
	timestamp := time.Now().UTC()
	baseName := fmt.Sprintf("loopsync-backup-%s", timestamp.Format("2006-01-02T15-04-05.000"))
	gzPath := filepath.Join(s.storageDir, baseName+".json.gz")
	metaPath := filepath.Join(s.storageDir, baseName+".meta.json")

	if _, err := os.Stat(gzPath); err == nil {
		return nil, fmt.Errorf("backup already exists: %s", filepath.Base(gzPath))
	}

	if err := writeCompressed(gzPath, data); err != nil {
		return nil, fmt.Errorf("compressing backup: %w", err)
	}

	gzInfo, err := os.Stat(gzPath)
	if err != nil {
		return nil, fmt.Errorf("stat compressed backup: %w", err)
	}

	checksum, err := s.calculateChecksum(gzPath)
	if err != nil {
		return nil, fmt.Errorf("calculating checksum: %w", err)
	}

	sidecar := &backupSidecar{
		AppVersion:     version.Version,
		StateSize:      int64(len(data)),
		CompressedSize: gzInfo.Size(),
		Checksum:       checksum,
		CreatedAt:      timestamp,
		Slots:          slots,
	}
	metaJSON, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}
	if err := os.WriteFile(metaPath, metaJSON, 0o644); err != nil {
		return nil, fmt.Errorf("writing metadata: %w", err)
	}

	info := &BackupInfo{
		Filename:       filepath.Base(gzPath),
		FilePath:       gzPath,
		CreatedAt:      timestamp,
		FileSize:       gzInfo.Size(),
		Checksum:       checksum,
		AppVersion:     version.Version,
		StateSize:      int64(len(data)),
		CompressedSize: gzInfo.Size(),
		Slots:          slots,
	}

	s.logger.Info("backup created",
		slog.String("filename", info.Filename),
		slog.Int64("size", info.FileSize),
		slog.String("checksum", truncateChecksum(info.Checksum)),
	)

	return info, nil
}

// ListBackups returns all stored snapshots, newest first.
func (s *BackupService) ListBackups(ctx context.Context) ([]*BackupInfo, error) {
	entries, err := os.ReadDir(s.storageDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*BackupInfo{}, nil
		}
		return nil, err
	}

	var backups []*BackupInfo
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".json.gz") {
			continue
		}

		info, err := s.loadBackupInfo(filepath.Join(s.storageDir, entry.Name()))
		if err != nil {
			s.logger.Warn("failed to load backup metadata",
				slog.String("filename", entry.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		backups = append(backups, info)
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})

	return backups, nil
}

// GetBackup retrieves metadata for one snapshot.
func (s *BackupService) GetBackup(ctx context.Context, filename string) (*BackupInfo, error) {
	if filepath.Base(filename) != filename {
		return nil, fmt.Errorf("invalid filename")
	}
	return s.loadBackupInfo(filepath.Join(s.storageDir, filename))
}

// DeleteBackup removes a snapshot and its sidecar.
func (s *BackupService) DeleteBackup(ctx context.Context, filename string) error {
	if filepath.Base(filename) != filename {
		return fmt.Errorf("invalid filename")
	}

	backupPath := filepath.Join(s.storageDir, filename)
	metaPath := strings.TrimSuffix(backupPath, ".json.gz") + ".meta.json"

	if err := os.Remove(backupPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing backup file: %w", err)
	}

	if err := os.Remove(metaPath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove metadata file",
			slog.String("path", metaPath),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("backup deleted", slog.String("filename", filename))
	return nil
}

// OpenBackupFile opens a snapshot for download.
func (s *BackupService) OpenBackupFile(ctx context.Context, filename string) (*os.File, error) {
	if filepath.Base(filename) != filename {
		return nil, fmt.Errorf("invalid filename")
	}
	return os.Open(filepath.Join(s.storageDir, filename))
}

// RestoreBackup validates a snapshot and hands its document to the engine.
// A pre-restore snapshot of the current state is taken first so the
// operator can roll back.
func (s *BackupService) RestoreBackup(ctx context.Context, filename string) error {
	if filepath.Base(filename) != filename {
		return fmt.Errorf("invalid filename")
	}
	if s.reload == nil {
		return fmt.Errorf("no reload hook configured")
	}

	backupPath := filepath.Join(s.storageDir, filename)
	if _, err := os.Stat(backupPath); err != nil {
		return fmt.Errorf("backup not found: %w", err)
	}

	info, err := s.loadBackupInfo(backupPath)
	if err != nil {
		return fmt.Errorf("loading backup metadata: %w", err)
	}

	if info.Checksum != "" {
		checksum, err := s.calculateChecksum(backupPath)
		if err != nil {
			return fmt.Errorf("calculating checksum: %w", err)
		}
		if checksum != info.Checksum {
			return fmt.Errorf("checksum mismatch: backup may be corrupted")
		}
	} else {
		s.logger.Warn("backup has no recorded checksum, skipping verification",
			slog.String("filename", filename))
	}

	data, err := readCompressed(backupPath)
	if err != nil {
		return fmt.Errorf("decompressing backup: %w", err)
	}

	doc, err := config.ParsePlayout(data)
	if err != nil {
		return fmt.Errorf("backup contents invalid: %w", err)
	}

	preRestore, err := s.CreateBackup(ctx)
	if err != nil {
		return fmt.Errorf("creating pre-restore backup: %w", err)
	}
	s.logger.Info("created pre-restore backup", slog.String("filename", preRestore.Filename))

	if err := s.reload(ctx, doc); err != nil {
		return fmt.Errorf("adopting restored state: %w", err)
	}

	s.logger.Info("state restored",
		slog.String("from_backup", filename),
		slog.String("pre_restore_backup", preRestore.Filename),
	)

	return nil
}

// ImportBackup stores an uploaded snapshot so it can be restored on a new
// installation.
func (s *BackupService) ImportBackup(ctx context.Context, reader io.Reader, originalFilename string) (*BackupInfo, error) {
	if err := os.MkdirAll(s.storageDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}

	if filepath.Base(originalFilename) != originalFilename {
		return nil, fmt.Errorf("invalid filename: must not contain path separators")
	}
	if !isValidBackupFilename(originalFilename) {
		return nil, fmt.Errorf("invalid filename format: expected loopsync-backup-YYYY-MM-DDTHH-MM-SS.json.gz")
	}

	destPath := filepath.Join(s.storageDir, originalFilename)
	if _, err := os.Stat(destPath); err == nil {
		return nil, fmt.Errorf("backup with filename %s already exists", originalFilename)
	}

	tempFile, err := os.CreateTemp(s.storageDir, "upload-*.json.gz")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := tempFile.Name()

	if _, err := io.Copy(tempFile, reader); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		return nil, fmt.Errorf("writing uploaded file: %w", err)
	}
	tempFile.Close()

	// The upload must decompress to a valid document before it is kept.
	data, err := readCompressed(tempPath)
	if err != nil {
		os.Remove(tempPath)
		return nil, fmt.Errorf("validating backup: %w", err)
	}
	doc, err := config.ParsePlayout(data)
	if err != nil {
		os.Remove(tempPath)
		return nil, fmt.Errorf("validating backup: %w", err)
	}

	if err := os.Rename(tempPath, destPath); err != nil {
		os.Remove(tempPath)
		return nil, fmt.Errorf("moving backup to final location: %w", err)
	}

	checksum, err := s.calculateChecksum(destPath)
	if err != nil {
		return nil, fmt.Errorf("calculating checksum: %w", err)
	}

	fileInfo, err := os.Stat(destPath)
	if err != nil {
		return nil, fmt.Errorf("getting file info: %w", err)
	}

	createdAt := parseTimestampFromFilename(originalFilename)
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	metaPath := strings.TrimSuffix(destPath, ".json.gz") + ".meta.json"
	sidecar := &backupSidecar{
		AppVersion:     "imported",
		StateSize:      int64(len(data)),
		CompressedSize: fileInfo.Size(),
		Checksum:       checksum,
		CreatedAt:      createdAt,
		Slots:          len(doc.Slots),
	}
	metaJSON, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}
	if err := os.WriteFile(metaPath, metaJSON, 0o644); err != nil {
		s.logger.Warn("failed to write metadata file", slog.String("error", err.Error()))
	}

	info := &BackupInfo{
		Filename:       originalFilename,
		FilePath:       destPath,
		CreatedAt:      createdAt,
		FileSize:       fileInfo.Size(),
		Checksum:       checksum,
		AppVersion:     sidecar.AppVersion,
		StateSize:      sidecar.StateSize,
		CompressedSize: sidecar.CompressedSize,
		Slots:          sidecar.Slots,
	}

	s.logger.Info("backup imported",
		slog.String("filename", info.Filename),
		slog.Int64("size", info.FileSize),
	)

	return info, nil
}

// CleanupOldBackups removes snapshots beyond the retention limit.
func (s *BackupService) CleanupOldBackups(ctx context.Context) (int, error) {
	retention := s.cfg.Schedule.Retention
	if retention <= 0 {
		return 0, nil
	}

	backups, err := s.ListBackups(ctx)
	if err != nil {
		return 0, err
	}

	if len(backups) <= retention {
		return 0, nil
	}

	deleted := 0
	for i := retention; i < len(backups); i++ {
		backup := backups[i]
		if err := s.DeleteBackup(ctx, backup.Filename); err != nil {
			s.logger.Warn("failed to delete old backup",
				slog.String("filename", backup.Filename),
				slog.String("error", err.Error()),
			)
			continue
		}
		deleted++
	}

	if deleted > 0 {
		s.logger.Info("cleaned up old backups", slog.Int("deleted", deleted))
	}

	return deleted, nil
}

// Minimum free disk space required for a snapshot (10MB).
const minBackupDiskSpace = 10 * 1024 * 1024

// checkDiskSpace is best-effort; it only fails on a positive signal that
// space is short.
func (s *BackupService) checkDiskSpace() error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(s.storageDir, &stat); err != nil {
		s.logger.Warn("unable to check disk space", slog.String("error", err.Error()))
		return nil
	}

	availableBytes := stat.Bavail * uint64(stat.Bsize)
	if availableBytes < minBackupDiskSpace {
		return fmt.Errorf("insufficient disk space for backup: %d bytes available, %d bytes required",
			availableBytes, minBackupDiskSpace)
	}

	return nil
}

func (s *BackupService) calculateChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

func (s *BackupService) loadBackupInfo(backupPath string) (*BackupInfo, error) {
	fi, err := os.Stat(backupPath)
	if err != nil {
		return nil, err
	}

	metaPath := strings.TrimSuffix(backupPath, ".json.gz") + ".meta.json"
	var sidecar backupSidecar

	metaData, err := os.ReadFile(metaPath)
	if err == nil {
		if err := json.Unmarshal(metaData, &sidecar); err != nil {
			s.logger.Warn("failed to parse metadata file",
				slog.String("path", metaPath),
				slog.String("error", err.Error()),
			)
		}
	}

	createdAt := sidecar.CreatedAt
	if createdAt.IsZero() {
		createdAt = parseTimestampFromFilename(filepath.Base(backupPath))
		if createdAt.IsZero() {
			createdAt = fi.ModTime()
		}
	}

	return &BackupInfo{
		Filename:       filepath.Base(backupPath),
		FilePath:       backupPath,
		CreatedAt:      createdAt,
		FileSize:       fi.Size(),
		Checksum:       sidecar.Checksum,
		AppVersion:     sidecar.AppVersion,
		StateSize:      sidecar.StateSize,
		CompressedSize: sidecar.CompressedSize,
		Slots:          sidecar.Slots,
	}, nil
}

func writeCompressed(dst string, data []byte) error {
	f, err := os.Create(dst)
	if err != nil {
		return err
	}

	gz := gzip.NewWriter(f)
	if _, err := gz.Write(data); err != nil {
		gz.Close()
		f.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// 16MB ceiling guards against decompression bombs on uploads.
const maxStateSize = 16 * 1024 * 1024

func readCompressed(src string) ([]byte, error) {
	f, err := os.Open(src)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	data, err := io.ReadAll(io.LimitReader(gz, maxStateSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxStateSize {
		return nil, fmt.Errorf("decompressed state exceeds %d bytes", maxStateSize)
	}
	return data, nil
}

// parseTimestampFromFilename extracts the creation time from a snapshot
// name, with or without the millisecond suffix.
func parseTimestampFromFilename(filename string) time.Time {
	reMs := regexp.MustCompile(`loopsync-backup-(\d{4}-\d{2}-\d{2}T\d{2}-\d{2}-\d{2}\.\d{3})\.json\.gz`)
	if matches := reMs.FindStringSubmatch(filename); len(matches) == 2 {
		if t, err := time.Parse("2006-01-02T15-04-05.000", matches[1]); err == nil {
			return t.UTC()
		}
	}

	re := regexp.MustCompile(`loopsync-backup-(\d{4}-\d{2}-\d{2}T\d{2}-\d{2}-\d{2})\.json\.gz`)
	matches := re.FindStringSubmatch(filename)
	if len(matches) != 2 {
		return time.Time{}
	}

	t, err := time.Parse("2006-01-02T15-04-05", matches[1])
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// truncateChecksum returns a shortened checksum for log lines.
func truncateChecksum(checksum string) string {
	if len(checksum) > 23 {
		return checksum[:23] + "..."
	}
	return checksum
}

// isValidBackupFilename checks an uploaded filename against the snapshot
// naming scheme.
func isValidBackupFilename(filename string) bool {
	const prefix = "loopsync-backup-"
	const suffix = ".json.gz"
	if !strings.HasPrefix(filename, prefix) || !strings.HasSuffix(filename, suffix) {
		return false
	}
	return !parseTimestampFromFilename(filename).IsZero()
}
