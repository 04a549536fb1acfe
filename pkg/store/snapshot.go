package store

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sahan-penakalapati/hedwig/pkg/artifacts"
	"github.com/sahan-penakalapati/hedwig/pkg/faults"
	"github.com/sahan-penakalapati/hedwig/pkg/session"
)

// SchemaVersion is written into every snapshot. Snapshots with the same
// major version are readable.
const SchemaVersion = "1.0.0"

const schemaBase = "https://hedwig.schemas.local/store/"

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	schemasOnce sync.Once
	schemasErr  error
	threadSchema,
	artifactsSchema *jsonschema.Schema
	compatible *semver.Constraints
)

func loadSchemas() error {
	schemasOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		c.AssertFormat = true
		for _, name := range []string{"thread.schema.json", "artifacts.schema.json"} {
			raw, err := schemaFS.ReadFile("schemas/" + name)
			if err != nil {
				schemasErr = err
				return
			}
			if err := c.AddResource(schemaBase+name, bytes.NewReader(raw)); err != nil {
				schemasErr = fmt.Errorf("store: load %s: %w", name, err)
				return
			}
		}
		if threadSchema, schemasErr = c.Compile(schemaBase + "thread.schema.json"); schemasErr != nil {
			return
		}
		if artifactsSchema, schemasErr = c.Compile(schemaBase + "artifacts.schema.json"); schemasErr != nil {
			return
		}
		major := semver.MustParse(SchemaVersion).Major()
		compatible, schemasErr = semver.NewConstraint(fmt.Sprintf(">= %d.0.0-0, < %d.0.0-0", major, major+1))
	})
	return schemasErr
}

type threadDoc struct {
	SchemaVersion string `json:"schema_version"`
	session.ThreadState
}

type artifactsDoc struct {
	SchemaVersion string             `json:"schema_version"`
	ThreadID      string             `json:"thread_id"`
	Artifacts     []artifacts.Record `json:"artifacts"`
}

func encodeThread(st session.ThreadState) ([]byte, error) {
	if st.Messages == nil {
		st.Messages = []session.Message{}
	}
	if st.ArtifactIDs == nil {
		st.ArtifactIDs = []string{}
	}
	return json.MarshalIndent(threadDoc{SchemaVersion: SchemaVersion, ThreadState: st}, "", "  ")
}

func encodeArtifacts(threadID string, recs []artifacts.Record) ([]byte, error) {
	if recs == nil {
		recs = []artifacts.Record{}
	}
	return json.MarshalIndent(artifactsDoc{SchemaVersion: SchemaVersion, ThreadID: threadID, Artifacts: recs}, "", "  ")
}

// decodeThread validates and decodes a thread snapshot. Any structural
// problem is reported as SnapshotCorrupt.
func decodeThread(id string, data []byte) (session.ThreadState, error) {
	if err := validate(threadSchema, data); err != nil {
		return session.ThreadState{}, corrupt("store.load_thread", id, err)
	}
	var doc threadDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return session.ThreadState{}, corrupt("store.load_thread", id, err)
	}
	if err := checkVersion(doc.SchemaVersion); err != nil {
		return session.ThreadState{}, corrupt("store.load_thread", id, err)
	}
	if doc.ID != id {
		return session.ThreadState{}, corrupt("store.load_thread", id, fmt.Errorf("snapshot belongs to thread %q", doc.ID))
	}
	if doc.ArtifactIDs == nil {
		doc.ArtifactIDs = []string{}
	}
	return doc.ThreadState, nil
}

func decodeArtifacts(id string, data []byte) ([]artifacts.Record, error) {
	if err := validate(artifactsSchema, data); err != nil {
		return nil, corrupt("store.load_artifacts", id, err)
	}
	var doc artifactsDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, corrupt("store.load_artifacts", id, err)
	}
	if err := checkVersion(doc.SchemaVersion); err != nil {
		return nil, corrupt("store.load_artifacts", id, err)
	}
	if doc.ThreadID != id {
		return nil, corrupt("store.load_artifacts", id, fmt.Errorf("snapshot belongs to thread %q", doc.ThreadID))
	}
	for _, r := range doc.Artifacts {
		if r.ThreadID != id {
			return nil, corrupt("store.load_artifacts", id, fmt.Errorf("record %s belongs to thread %q", r.ID, r.ThreadID))
		}
	}
	return doc.Artifacts, nil
}

func validate(schema *jsonschema.Schema, data []byte) error {
	if err := loadSchemas(); err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}

func checkVersion(v string) error {
	ver, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("schema_version %q: %w", v, err)
	}
	if !compatible.Check(ver) {
		return fmt.Errorf("schema_version %s is not supported (want %s)", v, compatible)
	}
	return nil
}

func corrupt(op, id string, err error) error {
	return faults.New(faults.KindSnapshotCorrupt, op, id, err)
}
