// Package stack implements the revision stack (component C3): the
// per-(collection, master_id) push / list / peek / pop / preview
// operations and the lazy-migration rule.
//
// Grounded on caesium/document.py's AsyncSchedulableDocumentRevisionStack,
// restructured per spec §9's design notes: the stack depends on the store
// adapter, never the other way around, and every identifier crossing this
// package's boundary is a caesiumid.ID rather than a bare string.
package stack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/jinzhu/copier"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/urbn/Caesium/caesiumid"
	"github.com/urbn/Caesium/core"
	"github.com/urbn/Caesium/revision"
	"github.com/urbn/Caesium/store"
)

// migratedComment is the meta.comment value stamped onto every
// automatically generated legacy revision (spec §4.3 step 4).
const migratedComment = "This document was migrated automatically."

// Clock returns the current wall-clock time. Overridable in tests.
type Clock func() time.Time

// Stack operates on the revisions of a single (collection, master_id)
// pair. A Stack created without a master id (NewForInsert) is only
// valid for an insert push, which assigns one.
type Stack struct {
	collectionName string
	masterID       caesiumid.ID
	hasMaster      bool

	target    *store.Adapter
	revisions *store.Adapter
	previews  *store.Adapter

	lazyMigratedPublishedDefault bool
	now                          Clock
}

// Option configures a Stack.
type Option func(*Stack)

// WithLazyMigratedPublishedDefault sets the value written into
// snapshot.published by lazy migration (spec §4.3 step 5, configured via
// scheduler.lazy_migrated_published_by_default).
func WithLazyMigratedPublishedDefault(v bool) Option {
	return func(s *Stack) { s.lazyMigratedPublishedDefault = v }
}

// WithClock overrides the stack's notion of "now". Intended for tests.
func WithClock(now Clock) Option {
	return func(s *Stack) { s.now = now }
}

// New returns a Stack over an existing master document.
func New(collectionName string, masterID caesiumid.ID, target, revisions, previews *store.Adapter, opts ...Option) *Stack {
	s := &Stack{
		collectionName: collectionName,
		masterID:       masterID,
		hasMaster:      true,
		target:         target,
		revisions:      revisions,
		previews:       previews,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewForInsert returns a Stack with no master document yet. Only Push with
// a non-nil patch is valid on it; the first such push assigns a master id.
func NewForInsert(collectionName string, target, revisions, previews *store.Adapter, opts ...Option) *Stack {
	s := &Stack{
		collectionName: collectionName,
		target:         target,
		revisions:      revisions,
		previews:       previews,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MasterID returns the stack's master document id. Only meaningful after
// an insert push has run on a stack created with NewForInsert.
func (s *Stack) MasterID() caesiumid.ID { return s.masterID }

// Push enqueues a future mutation (spec §4.2 push). patch == nil schedules
// a delete. toa defaults to now; meta defaults to empty.
func (s *Stack) Push(ctx context.Context, patch bson.M, toa *int64, meta bson.M) (caesiumid.ID, error) {
	if meta == nil {
		meta = bson.M{}
	}

	effectiveTOA := s.now().Unix()
	if toa != nil {
		effectiveTOA = *toa
	}

	if patch != nil {
		patch = revision.StripIdentityFields(patch)
	}

	action := revision.DetermineAction(patch, s.hasMaster)

	rec := revision.Record{
		TOA:        effectiveTOA,
		Processed:  false,
		Collection: s.collectionName,
		Action:     action,
		Meta:       meta,
	}

	switch action {
	case revision.ActionDelete:
		rec.MasterID = s.masterID.Hex()
		rec.Patch = nil

	case revision.ActionUpdate:
		rec.MasterID = s.masterID.Hex()
		rec.Patch = revision.EscapePatch(patch)

		if _, err := s.Migrate(ctx, nil, ptrInt64(effectiveTOA-1)); err != nil {
			// The source awaits this call but discards its result;
			// correctness does not depend on it succeeding. We still log
			// so an operator can see a failed migration attempt.
			core.Warn("stack: lazy migration before update push failed",
				zap.String("collection", s.collectionName),
				zap.String("master_id", s.masterID.Hex()),
				zap.Error(err))
		}

	case revision.ActionInsert:
		s.masterID = caesiumid.New()
		s.hasMaster = true
		rec.MasterID = s.masterID.Hex()
		rec.Patch = patch
	}

	if err := revision.Validate(rec); err != nil {
		return caesiumid.Nil, err
	}

	id, err := s.revisions.Insert(ctx, recordToDoc(rec))
	if err != nil {
		return caesiumid.Nil, fmt.Errorf("stack: push: %w", err)
	}

	return id, nil
}

// List returns the revisions for this stack's master id with
// processed == showHistory and toa <= toa, ordered ascending by toa (spec
// §4.2 list). A nil toa defaults to now.
func (s *Stack) List(ctx context.Context, toa *int64, showHistory bool) ([]revision.Record, error) {
	effectiveTOA := s.now().Unix()
	if toa != nil {
		effectiveTOA = *toa
	}

	docs, err := s.revisions.Find(ctx, store.FindQuery{
		Filter: bson.M{
			"master_id": s.masterID.Hex(),
			"processed": showHistory,
			"toa":       bson.M{"$lte": effectiveTOA},
		},
		OrderBy:   "toa",
		Direction: store.Ascending,
	})
	if err != nil {
		return nil, fmt.Errorf("stack: list: %w", err)
	}

	out := make([]revision.Record, 0, len(docs))
	for _, doc := range docs {
		rec, err := docToRecord(doc)
		if err != nil {
			return nil, fmt.Errorf("stack: list: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Peek returns the earliest due, unapplied revision, or nil if there is
// none.
func (s *Stack) Peek(ctx context.Context) (*revision.Record, error) {
	revs, err := s.List(ctx, nil, false)
	if err != nil {
		return nil, err
	}
	if len(revs) == 0 {
		return nil, nil
	}
	return &revs[0], nil
}

// Pop applies the earliest due, unapplied revision to the target document
// (spec §4.2 pop). Apply-time errors against the target document are
// logged and recorded in the revision's meta but do not abort the pop;
// the revision is still marked processed so the stack keeps draining (see
// spec §7, §9). A nil result with a nil error means there was nothing to
// pop.
func (s *Stack) Pop(ctx context.Context) (*revision.Record, error) {
	revs, err := s.List(ctx, nil, false)
	if err != nil {
		return nil, err
	}
	if len(revs) == 0 {
		return nil, nil
	}
	rec := revs[0]

	preImage, _ := s.target.FindByID(ctx, s.masterID)

	var applyErr error
	var snapshot bson.M

	switch rec.Action {
	case revision.ActionUpdate:
		patch := revision.UnescapePatch(revision.StripIdentityFields(rec.Patch))
		res, err := s.target.Patch(ctx, s.masterID, patch)
		if err != nil {
			applyErr = err
		} else if res.Matched == 0 {
			applyErr = ErrRevisionNotFound
		}

	case revision.ActionInsert:
		patch := bson.M{}
		for k, v := range rec.Patch {
			patch[k] = v
		}
		patch["_id"] = s.masterID.Hex()
		insertedID, err := s.target.Insert(ctx, patch)
		if err != nil {
			applyErr = err
		} else if insertedID.IsZero() {
			applyErr = ErrDocumentRevisionInsertFailed
		}

	case revision.ActionDelete:
		res, err := s.target.Delete(ctx, s.masterID)
		if err != nil {
			applyErr = err
		} else if res.N == 0 {
			applyErr = ErrDocumentRevisionDeleteFailed
		}
	}

	if applyErr != nil {
		fields := []zap.Field{
			zap.String("collection", s.collectionName),
			zap.String("master_id", s.masterID.Hex()),
			zap.String("action", string(rec.Action)),
			zap.Error(applyErr),
		}
		if diff, err := diagnosticDiff(ctx, preImage, s.target, s.masterID); err == nil && diff != "" {
			fields = append(fields, zap.String("diff", diff))
		}
		core.Error("stack: apply failed, marking revision processed anyway", fields...)
	}

	if rec.Action == revision.ActionDelete {
		snapshot = nil
	} else {
		doc, err := s.target.FindByID(ctx, s.masterID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("stack: pop: snapshot read: %w", err)
			}
			snapshot = nil
		} else {
			snapshot = doc
		}
	}

	update := bson.M{
		"processed": true,
		"inProcess": false,
		"snapshot":  snapshot,
	}
	if applyErr != nil {
		meta := bson.M{}
		for k, v := range rec.Meta {
			meta[k] = v
		}
		meta["apply_error"] = applyErr.Error()
		update["meta"] = meta
	}

	res, err := s.revisions.Patch(ctx, rec.ID, update)
	if err != nil {
		return nil, fmt.Errorf("stack: pop: %w", err)
	}
	if res.Matched == 0 {
		return nil, ErrRevisionUpdateFailed
	}

	doc, err := s.revisions.FindByID(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("stack: pop: re-read: %w", err)
	}
	updated, err := docToRecord(doc)
	if err != nil {
		return nil, fmt.Errorf("stack: pop: %w", err)
	}
	return &updated, nil
}

// Preview computes, without persisting, the master document state that
// would result from applying every revision up to and including
// revisionID (spec §4.2 preview). The previews collection is used purely
// as ephemeral scratch space and is guaranteed clean on every return path.
func (s *Stack) Preview(ctx context.Context, revisionID caesiumid.ID) (revision.Record, error) {
	doc, err := s.revisions.FindByID(ctx, revisionID)
	if err != nil {
		return revision.Record{}, fmt.Errorf("stack: preview: %w", err)
	}
	target, err := docToRecord(doc)
	if err != nil {
		return revision.Record{}, fmt.Errorf("stack: preview: %w", err)
	}

	if target.Snapshot != nil {
		return target, nil
	}

	if target.Action == revision.ActionDelete {
		target.Snapshot = nil
		return target, nil
	}

	masterID, err := caesiumid.FromHex(target.MasterID)
	if err != nil {
		return revision.Record{}, err
	}

	toa := target.TOA
	revs, err := s.List(ctx, &toa, false)
	if err != nil {
		return revision.Record{}, fmt.Errorf("stack: preview: %w", err)
	}
	if len(revs) == 0 {
		return revision.Record{}, ErrNoRevisionsAvailable
	}

	var base bson.M
	if revs[0].Action == revision.ActionInsert {
		base = revision.StripIdentityFields(revs[0].Patch)
	} else {
		base, err = s.target.FindByID(ctx, masterID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return revision.Record{}, ErrRevisionNotFound
			}
			return revision.Record{}, fmt.Errorf("stack: preview: base lookup: %w", err)
		}
	}

	previewID, err := s.previews.Insert(ctx, revision.StripIdentityFields(base))
	if err != nil {
		return revision.Record{}, fmt.Errorf("stack: preview: stage base: %w", err)
	}
	// The preview record is scratch space: always clean it up, success or
	// failure, before returning.
	defer func() {
		if _, err := s.previews.Delete(ctx, previewID); err != nil {
			core.Warn("stack: failed to delete scratch preview record",
				zap.String("preview_id", previewID.Hex()), zap.Error(err))
		}
	}()

	for _, rev := range revs {
		patch := revision.UnescapePatch(revision.StripIdentityFields(rev.Patch))
		if len(patch) == 0 {
			continue
		}
		if _, err := s.previews.Patch(ctx, previewID, patch); err != nil {
			return revision.Record{}, fmt.Errorf("stack: preview: apply revision %s: %w", rev.ID.Hex(), err)
		}
	}

	computed, err := s.previews.FindByID(ctx, previewID)
	if err != nil {
		return revision.Record{}, fmt.Errorf("stack: preview: read staged document: %w", err)
	}
	computed = revision.StripIdentityFields(computed)
	computed["id"] = target.MasterID

	target.Snapshot = computed
	return target, nil
}

// Migrate is the lazy-migration rule of spec §4.3: it ensures the revision
// collection always carries at least one insert-action revision for the
// stack's master id, manufacturing one from the document's current live
// state if none exists yet. If patch is nil, the live document is read
// from the target collection. A nil toa defaults to now.
//
// If any revision already exists for the master id, Migrate is a no-op and
// returns one of the existing revisions (the lookup is limited to a single
// record).
func (s *Stack) Migrate(ctx context.Context, patch bson.M, toa *int64) ([]revision.Record, error) {
	existing, err := s.revisions.Find(ctx, store.FindQuery{
		Filter: bson.M{"master_id": s.masterID.Hex()},
		Limit:  1,
	})
	if err != nil {
		return nil, fmt.Errorf("stack: migrate: %w", err)
	}
	if len(existing) > 0 {
		recs := make([]revision.Record, 0, len(existing))
		for _, doc := range existing {
			rec, err := docToRecord(doc)
			if err != nil {
				return nil, fmt.Errorf("stack: migrate: %w", err)
			}
			recs = append(recs, rec)
		}
		return recs, nil
	}

	if patch == nil {
		doc, err := s.target.FindByID(ctx, s.masterID)
		if err != nil {
			return nil, fmt.Errorf("stack: migrate: fetch live document: %w", err)
		}
		patch = doc
	}
	patch = revision.StripIdentityFields(patch)

	effectiveTOA := s.now().Unix()
	if toa != nil {
		effectiveTOA = *toa
	}

	var snapshot bson.M
	if err := copier.Copy(&snapshot, &patch); err != nil {
		// copier only fails on incompatible types, which bson.M -> bson.M
		// never is; fall back to a manual shallow copy defensively.
		snapshot = make(bson.M, len(patch))
		for k, v := range patch {
			snapshot[k] = v
		}
	}
	snapshot["id"] = s.masterID.Hex()
	snapshot["published"] = s.lazyMigratedPublishedDefault

	rec := revision.Record{
		TOA:        effectiveTOA,
		Processed:  true,
		Collection: s.collectionName,
		MasterID:   s.masterID.Hex(),
		Action:     revision.ActionInsert,
		Patch:      patch,
		Snapshot:   snapshot,
		Meta:       bson.M{"comment": migratedComment},
	}

	if err := revision.Validate(rec); err != nil {
		return nil, fmt.Errorf("stack: migrate: %w", err)
	}

	// Upsert on a filter unique to "the automatic migration revision for
	// this master" so that concurrent Migrate calls for the same document
	// converge on a single inserted revision (spec §8, lazy-migration
	// uniqueness) instead of a plain check-then-insert race. The filter
	// must stick to top-level fields only: a dotted path like
	// "meta.comment" alongside a $setOnInsert that writes the whole "meta"
	// object makes Mongo reject the upsert ("cannot infer query fields to
	// set, both paths 'meta' and 'meta.comment' are matched"), since the
	// document Mongo would compose on insert has no single value for both
	// the parent and child path.
	filter := bson.M{
		"master_id":  s.masterID.Hex(),
		"collection": s.collectionName,
		"action":     string(revision.ActionInsert),
	}
	_, err = s.revisions.Collection().UpdateOne(ctx, filter,
		bson.M{"$setOnInsert": recordToDoc(rec)},
		upsertOption())
	if err != nil {
		return nil, fmt.Errorf("stack: migrate: upsert: %w", err)
	}

	return []revision.Record{rec}, nil
}

func ptrInt64(v int64) *int64 { return &v }

// diagnosticDiff renders a JSON merge patch between the document's
// pre-apply state and its current (post-apply) state, purely for
// attaching to an apply-failure log line. It never participates in
// applying a revision: the store adapter's $set/replace/delete calls are
// the only mutation path.
func diagnosticDiff(ctx context.Context, preImage bson.M, target *store.Adapter, masterID caesiumid.ID) (string, error) {
	postImage, err := target.FindByID(ctx, masterID)
	if err != nil {
		postImage = nil
	}

	preBytes, err := json.Marshal(normalizeForDiff(preImage))
	if err != nil {
		return "", err
	}
	postBytes, err := json.Marshal(normalizeForDiff(postImage))
	if err != nil {
		return "", err
	}

	merge, err := jsonpatch.CreateMergePatch(preBytes, postBytes)
	if err != nil {
		return "", err
	}
	return string(merge), nil
}

func normalizeForDiff(doc bson.M) bson.M {
	if doc == nil {
		return bson.M{}
	}
	return doc
}
