// Package output emits collected jobs as JSON, CSV, or text files, plus
// an optional MongoDB sink.
package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jobsift/jobsift/internal/config"
	"github.com/jobsift/jobsift/internal/obs"
	"github.com/jobsift/jobsift/internal/types"
)

// extensions maps a format name to its subdirectory and file extension.
var extensions = map[string]string{
	"json": "json",
	"csv":  "csv",
	"text": "txt",
}

// Writer emits run results under the output directory, one subdirectory
// per format, rotating old files beyond the per-type limit.
type Writer struct {
	dir      string
	maxFiles int
	logger   *obs.Logger
	metrics  *obs.Metrics
}

// NewWriter builds a writer over settings.Output.
func NewWriter(cfg config.OutputSettings, logger *obs.Logger, metrics *obs.Metrics) *Writer {
	return &Writer{
		dir:      cfg.Dir,
		maxFiles: cfg.MaxFilesPerType,
		logger:   logger,
		metrics:  metrics,
	}
}

// Slug derives the timestamped filename stem used across formats and the
// metrics snapshot.
func Slug(t time.Time) string {
	return "vagas_" + t.UTC().Format("20060102_150405")
}

// WriteAll emits the jobs in every requested format. Returns the written
// paths; a failing format aborts the remaining ones.
func (w *Writer) WriteAll(jobs []*types.Job, formats []string, slug string) ([]string, error) {
	var paths []string
	for _, format := range formats {
		ext, ok := extensions[format]
		if !ok {
			return paths, types.NewClassified(types.KindConfigInvalid,
				fmt.Errorf("unknown output format %q", format))
		}

		dir := filepath.Join(w.dir, ext)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return paths, types.NewClassified(types.KindIOUnavailable,
				fmt.Errorf("create output dir: %w", err))
		}

		path := filepath.Join(dir, slug+"."+ext)
		var err error
		switch format {
		case "json":
			err = writeAtomic(path, func(f *os.File) error { return encodeJSON(f, jobs) })
		case "csv":
			err = writeAtomic(path, func(f *os.File) error { return encodeCSV(f, jobs) })
		case "text":
			err = writeAtomic(path, func(f *os.File) error { return encodeText(f, jobs) })
		}
		if err != nil {
			return paths, fmt.Errorf("write %s output: %w", format, err)
		}

		paths = append(paths, path)
		w.metrics.Inc("output.files", map[string]string{"format": format})
		w.logger.Info("output written",
			"component", "output", "format", format,
			"path", path, "jobs", len(jobs))

		if err := w.rotate(dir, "."+ext); err != nil {
			w.logger.Warn("output rotation failed",
				"component", "output", "dir", dir, "error", err)
		}
	}
	return paths, nil
}

// rotate removes the oldest files beyond the per-type limit.
func (w *Writer) rotate(dir, ext string) error {
	if w.maxFiles <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ext) {
			names = append(names, e.Name())
		}
	}
	if len(names) <= w.maxFiles {
		return nil
	}
	// Slug timestamps sort lexically, oldest first.
	sort.Strings(names)
	for _, name := range names[:len(names)-w.maxFiles] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return err
		}
		w.logger.Debug("old output removed", "component", "output", "file", name)
	}
	return nil
}

func writeAtomic(path string, encode func(*os.File) error) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := encode(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func encodeJSON(f *os.File, jobs []*types.Job) error {
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if jobs == nil {
		jobs = []*types.Job{}
	}
	return enc.Encode(jobs)
}

func encodeCSV(f *os.File, jobs []*types.Job) error {
	cw := csv.NewWriter(f)
	if err := cw.Write(types.FieldOrder); err != nil {
		return err
	}
	for _, j := range jobs {
		if err := cw.Write(csvRecord(j)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func csvRecord(j *types.Job) []string {
	rec := make([]string, 0, len(types.FieldOrder))
	for _, field := range types.FieldOrder {
		rec = append(rec, fieldValue(j, field))
	}
	return rec
}

func fieldValue(j *types.Job, field string) string {
	switch field {
	case "url":
		return j.URL
	case "title":
		return j.Title
	case "company":
		return j.Company
	case "location":
		return j.Location
	case "work_mode":
		return string(j.WorkMode)
	case "level":
		return string(j.Level)
	case "salary_min":
		if j.SalaryMin == 0 {
			return ""
		}
		return strconv.Itoa(j.SalaryMin)
	case "salary_max":
		if j.SalaryMax == 0 {
			return ""
		}
		return strconv.Itoa(j.SalaryMax)
	case "description":
		return j.Description
	case "technologies":
		return strings.Join(j.Technologies, ";")
	case "benefits":
		return strings.Join(j.Benefits, ";")
	case "posted_at":
		if j.PostedAt.IsZero() {
			return ""
		}
		return j.PostedAt.UTC().Format(time.RFC3339)
	case "collected_at":
		return j.CollectedAt.UTC().Format(time.RFC3339)
	case "source_fingerprint":
		return j.SourceFingerprint
	default:
		return ""
	}
}

func encodeText(f *os.File, jobs []*types.Job) error {
	sep := strings.Repeat("-", 60)
	for i, j := range jobs {
		if i > 0 {
			if _, err := fmt.Fprintln(f, sep); err != nil {
				return err
			}
		}
		for _, field := range types.FieldOrder {
			v := fieldValue(j, field)
			if v == "" {
				continue
			}
			if _, err := fmt.Fprintf(f, "%s: %s\n", field, v); err != nil {
				return err
			}
		}
	}
	return nil
}
