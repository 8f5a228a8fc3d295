package stack

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/urbn/Caesium/caesiumid"
	"github.com/urbn/Caesium/revision"
)

// recordToDoc renders a revision.Record into the bson.M shape the store
// adapter expects. Identity is carried via "id" (hex string), matching
// every other document in the module; the adapter resolves it back to a
// native _id on insert.
func recordToDoc(r revision.Record) bson.M {
	doc := bson.M{
		"toa":        r.TOA,
		"processed":  r.Processed,
		"inProcess":  r.InProcess,
		"collection": r.Collection,
		"master_id":  r.MasterID,
		"action":     string(r.Action),
		"patch":      r.Patch,
		"snapshot":   r.Snapshot,
		"meta":       r.Meta,
	}
	if !r.ID.IsZero() {
		doc["id"] = r.ID.Hex()
	}
	return doc
}

// docToRecord parses a store-returned document back into a revision.Record.
func docToRecord(doc bson.M) (revision.Record, error) {
	var rec revision.Record

	if idStr, ok := doc["id"].(string); ok && idStr != "" {
		id, err := caesiumid.FromHex(idStr)
		if err != nil {
			return revision.Record{}, fmt.Errorf("stack: decode revision: %w", err)
		}
		rec.ID = id
	}

	rec.TOA = toInt64(doc["toa"])
	rec.Processed, _ = doc["processed"].(bool)
	rec.InProcess, _ = doc["inProcess"].(bool)
	rec.Collection, _ = doc["collection"].(string)
	rec.MasterID, _ = doc["master_id"].(string)

	if action, ok := doc["action"].(string); ok {
		rec.Action = revision.Action(action)
	}

	if patch, ok := doc["patch"].(bson.M); ok {
		rec.Patch = patch
	} else if patch, ok := doc["patch"].(map[string]interface{}); ok {
		rec.Patch = bson.M(patch)
	}

	if snapshot, ok := doc["snapshot"].(bson.M); ok {
		rec.Snapshot = snapshot
	} else if snapshot, ok := doc["snapshot"].(map[string]interface{}); ok {
		rec.Snapshot = bson.M(snapshot)
	}

	if meta, ok := doc["meta"].(bson.M); ok {
		rec.Meta = meta
	} else if meta, ok := doc["meta"].(map[string]interface{}); ok {
		rec.Meta = bson.M(meta)
	}

	return rec, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int32:
		return int64(t)
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func upsertOption() *options.UpdateOptions {
	return options.Update().SetUpsert(true)
}
