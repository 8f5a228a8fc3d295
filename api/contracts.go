// Package api defines the shapes the HTTP surface (out of scope, spec §6)
// binds to the core: request headers, the bulk-schedule payload, and the
// revision-list query options. No HTTP framework lives here — only the
// types and the pure translation helpers an HTTP handler would call into.
package api

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/urbn/Caesium/caesiumid"
)

// Headers carries the request metadata the core's contracts depend on
// (spec §6 "Headers").
type Headers struct {
	// TOA, when present, routes a write through push with this time of
	// action rather than applying it immediately.
	TOA *int64
	// Collection names the target collection on revision-management
	// endpoints.
	Collection string
	// IDAttr is an optional alternate lookup attribute name on GET-by-id.
	IDAttr string
	// Comment is forwarded into meta.comment.
	Comment string
}

// TOAFromHeader parses the Caesium-TOA header value, or returns (nil, nil)
// if raw is empty (meaning: apply immediately, not through push).
func TOAFromHeader(raw string) (*int64, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("api: malformed Caesium-TOA header: %w", err)
	}
	return &v, nil
}

// RevisionListOptions configures the revision-list-by-master_id endpoint
// (spec §6).
type RevisionListOptions struct {
	TOA *int64
	// AddCurrent prepends the last processed revision to the pending list.
	AddCurrent bool
	// ShowHistory returns processed revisions instead of pending ones.
	ShowHistory bool
}

// BulkScheduleRequest is the shape of the bulk scheduled-update endpoint
// (spec §6): apply the same patch, at the same time of action, across many
// master ids, tagged with a shared bulk id so the whole job can be looked
// up or cancelled together.
type BulkScheduleRequest struct {
	IDs     []caesiumid.ID
	Patch   bson.M
	TOA     *int64
	Comment string
}

// NewBulkID mints an opaque 32-hex-char bulk id (spec §6,
// "meta.bulk_id (opaque 32-hex string)").
func NewBulkID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("api: generate bulk id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// MetaForPush builds the meta object a push call should carry, given the
// request's comment header, the author resolved from the session (or the
// configured anonymous user fallback), and an optional bulk id.
func MetaForPush(comment, author, bulkID string) bson.M {
	meta := bson.M{"author": author}
	if comment != "" {
		meta["comment"] = comment
	}
	if bulkID != "" {
		meta["bulk_id"] = bulkID
	}
	return meta
}

// FilterFromQuery assembles a mongo-style filter from an HTTP query string,
// excluding the reserved parameter names the HTTP layer's config carries
// (spec §6, "reserved_query_string_params"). Values are kept as strings;
// the store adapter and caller-supplied schema are responsible for any
// further type coercion a given collection requires.
func FilterFromQuery(values url.Values, reserved []string) bson.M {
	skip := make(map[string]struct{}, len(reserved))
	for _, r := range reserved {
		skip[r] = struct{}{}
	}

	filter := bson.M{}
	for key, vals := range values {
		if _, ok := skip[key]; ok {
			continue
		}
		if len(vals) == 0 {
			continue
		}
		if len(vals) == 1 {
			filter[key] = vals[0]
			continue
		}
		filter[key] = bson.M{"$in": vals}
	}
	return filter
}

// ResolveAuthor returns the session's author identity, or the configured
// anonymous fallback if sessionUser is empty (spec §6,
// "annonymous_user": fallback author string when unauthenticated).
func ResolveAuthor(sessionUser, anonymousUser string) string {
	if sessionUser != "" {
		return sessionUser
	}
	return anonymousUser
}
