package dispatch

import (
	"context"

	"refcore/internal/index"
	"refcore/internal/jobs"
	"refcore/pkg/document"
)

// SimpleFetcher serves kinds with no per-connection authorization: every
// connection receives the same projected document, optionally passed
// through a processor.
type SimpleFetcher struct {
	coll       document.Collection
	projection []string
	process    func(document.Doc) document.Doc
}

// NewSimpleFetcher builds a fetcher over coll. process may be nil.
func NewSimpleFetcher(coll document.Collection, projection []string, process func(document.Doc) document.Doc) *SimpleFetcher {
	return &SimpleFetcher{coll: coll, projection: projection, process: process}
}

func (f *SimpleFetcher) Fetch(ctx context.Context, conns []Connection, ids []string) ([]Delivery, error) {
	docs, err := f.coll.Find(ctx, idFilter(ids), f.projection)
	if err != nil {
		return nil, err
	}
	var out []Delivery
	for _, doc := range docs {
		if f.process != nil {
			doc = f.process(doc)
		}
		for _, conn := range conns {
			out = append(out, Delivery{Conn: conn, Doc: doc})
		}
	}
	return out, nil
}

// NewJobsFetcher serves job summaries with the status list flattened to
// the newest entry.
func NewJobsFetcher(db document.Database) *SimpleFetcher {
	return NewSimpleFetcher(db.Collection(document.CollectionJobs), jobs.ListProjection, jobs.Flatten)
}

// IndexesFetcher serves index listings enriched with the number of changes
// and distinct modified entities folded into each build.
type IndexesFetcher struct {
	indexes document.Collection
	history document.Collection
}

func NewIndexesFetcher(db document.Database) *IndexesFetcher {
	return &IndexesFetcher{
		indexes: db.Collection(document.CollectionIndexes),
		history: db.Collection(document.CollectionHistory),
	}
}

func (f *IndexesFetcher) Fetch(ctx context.Context, conns []Connection, ids []string) ([]Delivery, error) {
	docs, err := f.indexes.Find(ctx, idFilter(ids), index.Projection)
	if err != nil {
		return nil, err
	}
	var out []Delivery
	for _, doc := range docs {
		id := document.ID(doc)
		changeCount, err := f.history.Count(ctx, document.Doc{"index.id": id})
		if err != nil {
			return nil, err
		}
		modified, err := f.history.Distinct(ctx, "otu.id", document.Doc{"index.id": id})
		if err != nil {
			return nil, err
		}
		doc = document.Clone(doc)
		doc["change_count"] = changeCount
		doc["modified_otu_count"] = len(modified)
		for _, conn := range conns {
			out = append(out, Delivery{Conn: conn, Doc: doc})
		}
	}
	return out, nil
}

// LabelsFetcher serves labels enriched with the number of samples carrying
// each label.
type LabelsFetcher struct {
	labels  document.Collection
	samples document.Collection
}

func NewLabelsFetcher(db document.Database) *LabelsFetcher {
	return &LabelsFetcher{
		labels:  db.Collection(document.CollectionLabels),
		samples: db.Collection(document.CollectionSamples),
	}
}

func (f *LabelsFetcher) Fetch(ctx context.Context, conns []Connection, ids []string) ([]Delivery, error) {
	docs, err := f.labels.Find(ctx, idFilter(ids), nil)
	if err != nil {
		return nil, err
	}
	var out []Delivery
	for _, doc := range docs {
		count, err := f.samples.Count(ctx, document.Doc{"labels": document.ID(doc)})
		if err != nil {
			return nil, err
		}
		doc = document.Clone(doc)
		doc["count"] = count
		for _, conn := range conns {
			out = append(out, Delivery{Conn: conn, Doc: doc})
		}
	}
	return out, nil
}

// AuthorizedFetcher serves kinds whose documents carry their own read
// rights (references and samples). A document reaches a connection only
// when the connection's user or one of its groups appears in the
// document's authorized sets.
type AuthorizedFetcher struct {
	coll       document.Collection
	projection []string
}

func NewReferencesFetcher(db document.Database) *AuthorizedFetcher {
	return &AuthorizedFetcher{coll: db.Collection(document.CollectionReferences)}
}

func NewSamplesFetcher(db document.Database) *AuthorizedFetcher {
	return &AuthorizedFetcher{coll: db.Collection(document.CollectionSamples)}
}

func (f *AuthorizedFetcher) Fetch(ctx context.Context, conns []Connection, ids []string) ([]Delivery, error) {
	docs, err := f.coll.Find(ctx, idFilter(ids), f.projection)
	if err != nil {
		return nil, err
	}
	var out []Delivery
	for _, doc := range docs {
		for _, conn := range conns {
			if !canRead(doc, conn) {
				continue
			}
			out = append(out, Delivery{Conn: conn, Doc: doc})
		}
	}
	return out, nil
}

// canRead reports whether the connection's user id or group membership
// intersects the document's authorized users and groups. Documents flagged
// all_read are visible to everyone, and owners always see their own.
func canRead(doc document.Doc, conn Connection) bool {
	if allRead, ok := doc["all_read"].(bool); ok && allRead {
		return true
	}
	if ownerID, _ := document.Get(doc, "user.id"); conn.UserID() != "" && ownerID == conn.UserID() {
		return true
	}
	if memberListed(doc["users"], conn.UserID()) {
		return true
	}
	for _, group := range conn.Groups() {
		if memberListed(doc["groups"], group) {
			return true
		}
		if groupName, _ := document.Get(doc, "group"); groupName == group {
			return true
		}
	}
	return false
}

// memberListed checks a member list of {id: ...} documents for the id.
func memberListed(value any, id string) bool {
	members, ok := value.([]any)
	if !ok || id == "" {
		return false
	}
	for _, raw := range members {
		member, ok := raw.(document.Doc)
		if !ok {
			continue
		}
		if member["id"] == id {
			return true
		}
	}
	return false
}

func idFilter(ids []string) document.Doc {
	values := make([]any, len(ids))
	for i, id := range ids {
		values[i] = id
	}
	return document.Doc{"_id": document.Doc{"$in": values}}
}
