// Package revision defines the revision record (component C2): its shape,
// its JSON Schema validation, and the codec that moves a user-supplied
// patch between its storeable form (dots escaped to pipes) and its
// applicable form (a dotted-path $set).
//
// Grounded on caesium/document.py's AsyncSchedulableDocumentRevisionStack.SCHEMA
// and its __make_patch_storeable / __make_storeable_patch_patchable helpers.
package revision

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/urbn/Caesium/caesiumid"
)

// Action is the operation a revision applies to its master document.
type Action string

const (
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// ErrSchemaViolation wraps a revision's JSON Schema validation failure.
var ErrSchemaViolation = errors.New("revision: schema violation")

// Record is the persisted shape of a revision (spec §3, "Revision record").
type Record struct {
	ID         caesiumid.ID `bson:"_id,omitempty"`
	TOA        int64        `bson:"toa"`
	Processed  bool         `bson:"processed"`
	InProcess  bool         `bson:"inProcess"`
	Collection string       `bson:"collection"`
	MasterID   string       `bson:"master_id"`
	Action     Action       `bson:"action"`
	Patch      bson.M       `bson:"patch"`
	Snapshot   bson.M       `bson:"snapshot"`
	Meta       bson.M       `bson:"meta"`
}

// schemaJSON mirrors the source's jsonschema.validate(change, SCHEMA) call.
// Renders required fields and types; patch/snapshot stay loosely typed
// since their shape is entirely user-defined.
const schemaJSON = `{
	"title": "Schedulable Revision Document",
	"type": "object",
	"required": ["toa", "processed", "collection", "master_id", "action"],
	"properties": {
		"toa": {"type": "integer"},
		"processed": {"type": "boolean"},
		"inProcess": {"type": "boolean"},
		"collection": {"type": "string", "minLength": 1},
		"master_id": {"type": "string", "minLength": 1},
		"action": {"type": "string", "enum": ["insert", "update", "delete"]},
		"patch": {"type": ["object", "null"]},
		"snapshot": {"type": ["object", "null"]},
		"meta": {"type": "object"}
	}
}`

var schema *gojsonschema.Schema

func init() {
	loader := gojsonschema.NewStringLoader(schemaJSON)
	s, err := gojsonschema.NewSchema(loader)
	if err != nil {
		panic(fmt.Sprintf("revision: invalid embedded schema: %v", err))
	}
	schema = s
}

// Validate checks r against the revision schema and the delete/patch
// invariant from spec §3 ("patch = null iff action = delete").
func Validate(r Record) error {
	if (r.Patch == nil) != (r.Action == ActionDelete) {
		return fmt.Errorf("%w: patch must be null iff action is delete", ErrSchemaViolation)
	}

	payload := map[string]interface{}{
		"toa":        r.TOA,
		"processed":  r.Processed,
		"inProcess":  r.InProcess,
		"collection": r.Collection,
		"master_id":  r.MasterID,
		"action":     string(r.Action),
		"meta":       toJSONable(r.Meta),
	}
	if r.Patch != nil {
		payload["patch"] = toJSONable(r.Patch)
	} else {
		payload["patch"] = nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSchemaViolation, err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSchemaViolation, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrSchemaViolation, strings.Join(msgs, "; "))
	}
	return nil
}

// DetermineAction applies the action-determination table of spec §4.2:
// nil patch -> delete; object patch with a master id -> update; object
// patch with no master id -> insert. Spec §4.2 also names a fourth case,
// "any other type -> RevisionActionNotValid", for pushes carrying a patch
// that is neither an object nor nil; Push's patch parameter is statically
// typed bson.M, so that case cannot arise here and has no Go
// representation in this function.
func DetermineAction(patch bson.M, hasMasterID bool) Action {
	if patch == nil {
		return ActionDelete
	}
	if hasMasterID {
		return ActionUpdate
	}
	return ActionInsert
}

// EscapePatch converts a user-facing patch into its storeable form: every
// "." in a key is replaced with "|" so Mongo will accept the key verbatim
// instead of interpreting it as a nested path.
func EscapePatch(patch bson.M) bson.M {
	if patch == nil {
		return nil
	}
	out := make(bson.M, len(patch))
	for k, v := range patch {
		out[strings.ReplaceAll(k, ".", "|")] = v
	}
	return out
}

// UnescapePatch is EscapePatch's inverse: every "|" in a stored patch's
// keys is restored to "." so the patch can be applied as a dotted-path
// $set. EscapePatch and UnescapePatch round-trip for any patch whose keys
// contain neither "." nor "|" ambiguously (spec §8 round-trip property).
func UnescapePatch(patch bson.M) bson.M {
	if patch == nil {
		return nil
	}
	out := make(bson.M, len(patch))
	for k, v := range patch {
		out[strings.ReplaceAll(k, "|", ".")] = v
	}
	return out
}

// StripIdentityFields removes "_id" and "id" from a patch. A patch must
// never be able to carry a document's identity across; identity is always
// supplied out of band by the revision's master_id.
func StripIdentityFields(patch bson.M) bson.M {
	if patch == nil {
		return nil
	}
	out := make(bson.M, len(patch))
	for k, v := range patch {
		if k == "_id" || k == "id" {
			continue
		}
		out[k] = v
	}
	return out
}

func toJSONable(m bson.M) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
