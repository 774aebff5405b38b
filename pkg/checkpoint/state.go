// Package checkpoint persists per-repository mining progress so an
// interrupted run can resume after its last emitted release.
package checkpoint

import "github.com/Sumatoshi-tech/releaseminer/pkg/dataset"

// State is what a resumed run needs: the last emitted release and the
// snapshot that followed it.
type State struct {
	LastTag  string
	Releases int
	Records  []dataset.MethodRecord
}

// Snapshot rebuilds the previous-release snapshot.
func (s *State) Snapshot() dataset.Snapshot {
	snap := make(dataset.Snapshot, len(s.Records))
	for _, rec := range s.Records {
		snap[rec.Key] = rec
	}

	return snap
}

// NewState captures a snapshot after lastTag.
func NewState(lastTag string, releases int, snap dataset.Snapshot) *State {
	records := make([]dataset.MethodRecord, 0, len(snap))
	for _, rec := range snap {
		records = append(records, rec)
	}

	return &State{LastTag: lastTag, Releases: releases, Records: records}
}

// Metadata holds checkpoint metadata for validation and resume.
type Metadata struct {
	Version    int    `json:"version"`
	Repository string `json:"repository"`
	Project    string `json:"project"`
	RepoHash   string `json:"repo_hash"`
	CreatedAt  string `json:"created_at"`
	LastTag    string `json:"last_tag"`
	Releases   int    `json:"releases"`
	Methods    int    `json:"methods"`
}
