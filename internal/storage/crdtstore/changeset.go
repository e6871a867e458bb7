package crdtstore

import "github.com/nexusdata/nexusstore/internal/entity"

// ChangesetEntry is one row's state as of some HLC, as exposed by
// getChangeset/applyChangeset (spec.md §4.9 "Exposes getChangeset(since?)
// and applyChangeset(bytes) for peer merge").
type ChangesetEntry struct {
	ID        string
	Fields    entity.Map
	HLC       HLC
	NodeID    string
	IsDeleted bool
}

// Changeset is a schema-tagged batch of row changes since some point in
// time. SchemaVersion lets applyChangeset reject changesets produced by an
// incompatible schema rather than attempting a best-effort merge (spec.md
// §9 open question: "applying a changeset across incompatible schema
// versions is ... out of scope; treat as out of scope").
type Changeset struct {
	SchemaVersion string
	Entries       []ChangesetEntry
}
