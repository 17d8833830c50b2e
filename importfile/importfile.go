/*
Package importfile loads normalized leave-day records for an import session.

PURPOSE:
  The calendar export is converted upstream into one record per leave-day
  request. This package reads those records from a YAML or JSON document and
  hands them to the engine as reconcile.ItemInput values.

FORMAT:
  calendar_id: cal-1        # optional, the CLI flag wins
  items:
    - employee_number: "1042"
      first_name: Amy
      last_name: Baker
      date: 2025-03-10
      leave_type: PLD       # PLD | SDV
      status: approved      # pending | approved | waitlisted | denied | cancelled | transferred
      source: calendar-export

  Unknown fields are rejected so typos surface before a session exists.
*/
package importfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/warp/leave-import/reconcile"
	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatOf picks the decoder from the file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unsupported import file %q: want .yaml, .yml or .json", path)
}

// File is one decoded import document.
type File struct {
	CalendarID reconcile.CalendarID  `yaml:"calendar_id" json:"calendar_id,omitempty"`
	Items      []reconcile.ItemInput `yaml:"items" json:"items"`
}

// Load reads and validates an import file.
func Load(path string) (*File, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read import file: %w", err)
	}
	return Parse(bytes.NewReader(data), format)
}

// Parse decodes a document and normalizes its records.
func Parse(r io.Reader, format Format) (*File, error) {
	var f File
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case FormatJSON:
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}

	for i := range f.Items {
		normalize(&f.Items[i])
	}
	if err := validate(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

func normalize(it *reconcile.ItemInput) {
	it.MemberID = reconcile.MemberID(strings.TrimSpace(string(it.MemberID)))
	it.EmployeeNumber = strings.TrimSpace(it.EmployeeNumber)
	it.FirstName = strings.TrimSpace(it.FirstName)
	it.LastName = strings.TrimSpace(it.LastName)
	it.LeaveType = reconcile.LeaveType(strings.ToUpper(strings.TrimSpace(string(it.LeaveType))))
	it.Status = reconcile.RequestStatus(strings.ToLower(strings.TrimSpace(string(it.Status))))
	it.Source = strings.TrimSpace(it.Source)
}

// validate reports every bad record at once, by position in the file.
func validate(f *File) error {
	if len(f.Items) == 0 {
		return fmt.Errorf("import file has no items: %w", reconcile.ErrInvalidInput)
	}
	var problems []string
	for i, it := range f.Items {
		switch {
		case it.Date.IsZero():
			problems = append(problems, fmt.Sprintf("item %d: date is required", i))
		case !it.LeaveType.Valid():
			problems = append(problems, fmt.Sprintf("item %d: unknown leave type %q", i, it.LeaveType))
		case !it.Status.Valid():
			problems = append(problems, fmt.Sprintf("item %d: unknown status %q", i, it.Status))
		case it.MemberID == "" && it.EmployeeNumber == "" && it.LastName == "" && it.FirstName == "":
			problems = append(problems, fmt.Sprintf("item %d: no member identity", i))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%s: %w", strings.Join(problems, "; "), reconcile.ErrInvalidInput)
	}
	return nil
}
