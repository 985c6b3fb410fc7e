package recorder

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"text/template"
	"time"
)

// DefaultOutPattern places each epoch in its own folder under the stream's
// directory, named after the epoch start time.
const DefaultOutPattern = "{{.Source}}/{{.Epoch.Year}}-{{.Epoch.Month}}-{{.Epoch.Day}} {{.Epoch.Hour}}-{{.Epoch.Minute}}-{{.Epoch.Second}}"

// Timestamp holds the broken-out date/time fields for a single point in time.
type Timestamp struct {
	Year   string // 4-digit year
	Month  string // 2-digit month (01-12)
	Day    string // 2-digit day (01-31)
	Hour   string // 2-digit hour, 24h (00-23)
	Minute string // 2-digit minute (00-59)
	Second string // 2-digit second (00-59)
	Unix   int64  // Unix epoch seconds
}

// NewTimestamp creates a Timestamp from a time.Time.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{
		Year:   t.Format("2006"),
		Month:  t.Format("01"),
		Day:    t.Format("02"),
		Hour:   t.Format("15"),
		Minute: t.Format("04"),
		Second: t.Format("05"),
		Unix:   t.Unix(),
	}
}

// TemplateData holds all variables available in output folder templates.
//
// Usage examples:
//
//	{{.Source}}/{{.Epoch.Year}}-{{.Epoch.Month}}-{{.Epoch.Day}}
//	{{.Driver}}/{{.Source}}/{{.Session.Unix}}_{{.Epoch.Count}}
type TemplateData struct {
	Source string // Stream identifier
	Driver string // Driver name

	Session Timestamp // When the capture session started
	Epoch   struct {
		Timestamp     // When the epoch's folder was bound
		Count     int // Epoch number within the session (0-indexed)
	}
}

// NewTemplateData creates fully-populated template data.
func NewTemplateData(source, driverName string, sessionStart, epochStart time.Time, epochNum int) *TemplateData {
	td := &TemplateData{
		Source:  source,
		Driver:  driverName,
		Session: NewTimestamp(sessionStart),
	}
	td.Epoch.Timestamp = NewTimestamp(epochStart)
	td.Epoch.Count = epochNum
	return td
}

// FolderTemplate renders epoch folder paths below a root directory.
type FolderTemplate struct {
	root string
	tpl  *template.Template
}

// NewFolderTemplate parses pattern once so a bad pattern fails at startup
// rather than at the first epoch.
func NewFolderTemplate(root, pattern string) (*FolderTemplate, error) {
	tpl, err := template.New("folder").Option("missingkey=error").Parse(pattern)
	if err != nil {
		return nil, fmt.Errorf("output pattern: %w", err)
	}
	return &FolderTemplate{root: root, tpl: tpl}, nil
}

// Render returns the folder for data. The rendered path is slash separated
// and may not climb out of the root.
func (f *FolderTemplate) Render(data *TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := f.tpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("output pattern: %w", err)
	}
	rel := filepath.Clean(filepath.FromSlash(strings.TrimSpace(buf.String())))
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("output pattern: %q is outside %s", buf.String(), f.root)
	}
	return filepath.Join(f.root, rel), nil
}
