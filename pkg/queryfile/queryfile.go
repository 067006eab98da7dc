// Package queryfile reads query definitions from YAML files.
//
//	queries:
//	  - name: orders_by_day
//	    complexity: medium
//	    sql: |
//	      SELECT TOP 10 order_date, COUNT(*) FROM orders GROUP BY order_date
package queryfile

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ethpandaops/querybenchoor/pkg/model"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// File is the document layout of a query file.
type File struct {
	Queries []Entry `yaml:"queries"`
}

// Entry is one query definition. Active defaults to true.
type Entry struct {
	Name        string           `yaml:"name"`
	Description string           `yaml:"description,omitempty"`
	Complexity  model.Complexity `yaml:"complexity,omitempty"`
	Active      *bool            `yaml:"active,omitempty"`
	Native      bool             `yaml:"native,omitempty"`
	SQL         string           `yaml:"sql"`
}

// Load reads and validates the query file at path.
func Load(fs afero.Fs, path string) ([]model.Query, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading query file: %w", err)
	}

	queries, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	return queries, nil
}

// Parse decodes a query file document. Every invalid entry is reported.
func Parse(data []byte) ([]model.Query, error) {
	var f File

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decoding yaml: %w", err)
	}

	var (
		errs    []error
		seen    = make(map[string]struct{}, len(f.Queries))
		queries = make([]model.Query, 0, len(f.Queries))
	)

	for i, e := range f.Queries {
		name := strings.TrimSpace(e.Name)
		sql := strings.TrimSpace(e.SQL)

		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("query %d: name is required", i+1))

			continue
		case sql == "":
			errs = append(errs, fmt.Errorf("query %q: sql is required", name))

			continue
		case !e.Complexity.Valid():
			errs = append(errs, fmt.Errorf("query %q: unknown complexity %q", name, e.Complexity))

			continue
		}

		if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("query %q: defined more than once", name))

			continue
		}

		seen[name] = struct{}{}

		active := true
		if e.Active != nil {
			active = *e.Active
		}

		queries = append(queries, model.Query{
			Name:        name,
			Description: e.Description,
			Complexity:  e.Complexity,
			Active:      active,
			Native:      e.Native,
			SourceSQL:   sql,
		})
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return queries, nil
}
