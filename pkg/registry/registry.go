// Package registry is the schema-registry touchpoint described in
// SPEC_FULL.md §6.4: the core store never decodes payload bytes, it only
// carries (declared_type_id, declared_type_version, encoding, bytes)
// opaquely. Decoder turns that tuple into JSON for the HTTP façade's
// browsing endpoints, backed by a database/sql table of registered type
// descriptors reachable through pkg/db.Pool.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	_ "github.com/jackc/pgx/v5/stdlib" // DriverName "pgx"
	_ "github.com/lib/pq"              // DriverName "postgres"
	_ "github.com/mattn/go-sqlite3"    // DriverName "sqlite3"

	"github.com/cxdbhq/cxdb/pkg/db"
)

// ErrTypeNotRegistered is returned when no descriptor is registered for a
// (type_id, type_version) pair. The façade maps this to HTTP 424 (spec.md
// §6.4's "type descriptor miss"), distinct from a missing context/turn.
var ErrTypeNotRegistered = errors.New("registry: no descriptor registered for type")

// Descriptor is one registered payload type's metadata: enough for the
// façade to label a turn's payload, not enough to validate its shape (that
// would require the MessagePack schema itself, out of scope here — see
// Decoder.Decode).
type Descriptor struct {
	TypeID      string
	TypeVersion uint32
	DisplayName string
	SchemaBlob  []byte // opaque MessagePack schema bytes; never interpreted
}

// Decoder resolves (declared_type_id, declared_type_version, encoding,
// bytes) into a JSON-friendly view for the façade's /turns route.
type Decoder struct {
	pool *db.Pool
}

// NewDecoder wraps an already-open pool. Schema: cxdb keeps one table,
// `registered_types(type_id text, type_version int, display_name text,
// schema_blob bytea, primary key (type_id, type_version))`.
func NewDecoder(pool *db.Pool) *Decoder {
	return &Decoder{pool: pool}
}

// Lookup returns the descriptor registered for (typeID, typeVersion), or
// ErrTypeNotRegistered.
func (d *Decoder) Lookup(ctx context.Context, typeID string, typeVersion uint32) (Descriptor, error) {
	row := d.pool.QueryRow(ctx,
		`SELECT type_id, type_version, display_name, schema_blob FROM registered_types WHERE type_id = $1 AND type_version = $2`,
		typeID, typeVersion)

	var desc Descriptor
	if err := row.Scan(&desc.TypeID, &desc.TypeVersion, &desc.DisplayName, &desc.SchemaBlob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Descriptor{}, ErrTypeNotRegistered
		}
		return Descriptor{}, err
	}
	return desc, nil
}

// Decoded is what the façade serializes for a turn's payload view.
type Decoded struct {
	TypeID      string          `json:"type_id"`
	TypeVersion uint32          `json:"type_version"`
	DisplayName string          `json:"display_name,omitempty"`
	JSON        json.RawMessage `json:"json,omitempty"`
	Opaque      bool            `json:"opaque"`
}

// encodingJSON is the wire AppendTurn "encoding" value meaning "the payload
// bytes are already JSON" — the only encoding this registry resolves into
// structured data (SPEC_FULL.md §6.4: no MessagePack library is available
// in the retrieved pack, so the MessagePack-schema-driven path described by
// the original system is a named, logged limitation, not silently dropped).
const encodingJSON uint32 = 0

// Decode resolves a turn's declared type against the registry and renders
// its payload for the façade. An unregistered type is not an error: the
// display name stays empty and a valid JSON payload is still rendered.
// Non-JSON encodings and payloads that are not valid JSON return a Decoded
// with Opaque=true rather than failing the request — a browsing endpoint
// should degrade, not 500, on a payload it cannot fully render.
func (d *Decoder) Decode(ctx context.Context, typeID string, typeVersion, encoding uint32, payload []byte) (Decoded, error) {
	desc, err := d.Lookup(ctx, typeID, typeVersion)
	displayName := ""
	if err == nil {
		displayName = desc.DisplayName
	} else if !errors.Is(err, ErrTypeNotRegistered) {
		return Decoded{}, err
	}

	out := Decoded{TypeID: typeID, TypeVersion: typeVersion, DisplayName: displayName}
	if encoding != encodingJSON || !json.Valid(payload) {
		out.Opaque = true
		return out, nil
	}
	out.JSON = json.RawMessage(payload)
	return out, nil
}
