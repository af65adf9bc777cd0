// Package manifest tracks which hashed tile archive is published for each
// year and plans which files an upload must actually transfer.
package manifest

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/lucasnoah/chronotiles/internal/pipeline"
)

// Filename is the manifest's name in the dist directory and the bucket.
const Filename = "manifest.json"

// FileMeta is the integrity record of one published file.
type FileMeta struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// Manifest maps year keys to published filenames.
type Manifest struct {
	Version  int64               `json:"version"`
	Files    map[string]string   `json:"files"`
	Metadata map[string]FileMeta `json:"metadata,omitempty"`
}

// New returns an empty manifest.
func New() *Manifest {
	return &Manifest{Files: map[string]string{}, Metadata: map[string]FileMeta{}}
}

// Load reads the manifest at path. A missing file yields an empty manifest.
func Load(path string) (*Manifest, error) {
	m := New()
	if err := pipeline.ReadJSON(path, m); err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	if m.Files == nil {
		m.Files = map[string]string{}
	}
	if m.Metadata == nil {
		m.Metadata = map[string]FileMeta{}
	}
	return m, nil
}

// Save stamps a new version and writes m atomically.
func (m *Manifest) Save(path string) error {
	m.Version = time.Now().UnixMilli()
	if err := pipeline.WriteJSON(path, m); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	return nil
}

// Entry is one year's candidate file.
type Entry struct {
	Year     int    `json:"year"`
	Filename string `json:"filename"`
	Path     string `json:"path"`
	Hash     string `json:"hash"`
	Size     int64  `json:"size"`
}

// FromEntries builds a manifest describing entries.
func FromEntries(entries []Entry) *Manifest {
	m := New()
	for _, e := range entries {
		k := strconv.Itoa(e.Year)
		m.Files[k] = e.Filename
		m.Metadata[k] = FileMeta{Hash: e.Hash, Size: e.Size}
	}
	return m
}

// Years returns the manifest's years, ascending.
func (m *Manifest) Years() []int {
	var years []int
	for k := range m.Files {
		if y, err := strconv.Atoi(k); err == nil {
			years = append(years, y)
		}
	}
	sort.Ints(years)
	return years
}

// UploadPlan splits entries into those to push and those already published.
type UploadPlan struct {
	ToUpload []Entry `json:"toUpload"`
	ToSkip   []Entry `json:"toSkip"`
}

// Plan compares next against the previously published manifest. An entry
// is skipped only when prev records the same hash for its year.
func Plan(prev *Manifest, next []Entry) UploadPlan {
	plan := UploadPlan{ToUpload: []Entry{}, ToSkip: []Entry{}}
	for _, e := range next {
		if prev != nil {
			if meta, ok := prev.Metadata[strconv.Itoa(e.Year)]; ok && meta.Hash != "" && meta.Hash == e.Hash {
				plan.ToSkip = append(plan.ToSkip, e)
				continue
			}
		}
		plan.ToUpload = append(plan.ToUpload, e)
	}
	return plan
}
