// Package report converts migration results into a stable JSON record.
package report

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"go.hackfix.me/dictstep/engine"
	"go.hackfix.me/dictstep/step"
)

//go:embed schema.json
var schemaJSON []byte

var loadSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
})

// Entry is the record of a single applied step.
type Entry struct {
	Name       string     `json:"name"`
	StepNumber int        `json:"step_number"`
	State      step.State `json:"state"`
}

// Record is the wire form of the results of a migration run. Steps are in the
// order they were applied.
type Record struct {
	RunID          string   `json:"run_id,omitempty"`
	ContentState   string   `json:"content_state,omitempty"`
	Steps          []Entry  `json:"steps"`
	Skipped        []string `json:"skipped,omitempty"`
	Unmatched      []string `json:"unmatched,omitempty"`
	ChecksumBefore string   `json:"checksum_before,omitempty"`
	ChecksumAfter  string   `json:"checksum_after,omitempty"`
}

// ToWire converts step results into a Record.
func ToWire(results []step.Result) Record {
	rec := Record{Steps: make([]Entry, len(results))}
	for i, r := range results {
		rec.Steps[i] = Entry{Name: r.Name, StepNumber: r.Number, State: r.State}
	}
	return rec
}

// FromOutcome converts the outcome of a migration run into a Record.
func FromOutcome(o *engine.Outcome) Record {
	if o == nil {
		return ToWire(nil)
	}

	rec := ToWire(o.Results)
	rec.RunID = o.RunID
	rec.ContentState = o.ContentState.String()
	rec.ChecksumBefore = o.ChecksumBefore
	rec.ChecksumAfter = o.ChecksumAfter
	for _, d := range o.Skipped {
		rec.Skipped = append(rec.Skipped, d.String())
	}
	for _, k := range o.Unmatched {
		rec.Unmatched = append(rec.Unmatched, k.String())
	}

	return rec
}

// Results returns the step results in the record.
func (r Record) Results() []step.Result {
	results := make([]step.Result, len(r.Steps))
	for i, e := range r.Steps {
		results[i] = step.Result{Name: e.Name, Number: e.StepNumber, State: e.State}
	}
	return results
}

// Short returns the short form of a step result, e.g. "AddColumn-1R".
func Short(r step.Result) string {
	return r.String()
}

// Marshal encodes the record as indented JSON.
func Marshal(r Record) ([]byte, error) {
	if r.Steps == nil {
		r.Steps = []Entry{}
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed encoding report: %w", err)
	}
	return data, nil
}

// Parse decodes and validates a JSON record.
func Parse(data []byte) (Record, error) {
	sch, err := loadSchema()
	if err != nil {
		return Record{}, fmt.Errorf("failed loading report schema: %w", err)
	}

	res, err := sch.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return Record{}, fmt.Errorf("failed parsing report: %w", err)
	}
	if !res.Valid() {
		msgs := make([]string, len(res.Errors()))
		for i, e := range res.Errors() {
			msgs[i] = e.String()
		}
		return Record{}, errors.New("invalid report: " + strings.Join(msgs, "; "))
	}

	var rec Record
	if err = json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("failed decoding report: %w", err)
	}

	return rec, nil
}
