package query

import (
	"context"
	"sort"

	"mbquery/internal/api"
	"mbquery/internal/filters"
	"mbquery/internal/locator"
)

// MetadataFetcher is the read side of the Metabase API used during
// resolution. *api.Client implements it.
type MetadataFetcher interface {
	Card(ctx context.Context, origin string, id int) (*api.Card, error)
	TableMetadata(ctx context.Context, origin string, tableID string) (*api.Table, error)
}

// Resolve dispatches on the locator kind.
func Resolve(ctx context.Context, f MetadataFetcher, loc locator.Locator, fm filters.Map) (*Descriptor, error) {
	switch loc.Kind {
	case locator.KindCard:
		return ResolveCard(ctx, f, loc, fm)
	case locator.KindDataset:
		return ResolveDataset(ctx, f, loc, fm)
	case locator.KindNative:
		return ResolveNativeURL(loc, fm)
	default:
		return nil, invalidf("unknown locator kind %v", loc.Kind)
	}
}

// ResolveCard builds a card descriptor from GET /api/card/<id>.
//
// Declared parameters win over native template tags. Query-string values are
// overridden by filters with the same name.
func ResolveCard(ctx context.Context, f MetadataFetcher, loc locator.Locator, fm filters.Map) (*Descriptor, error) {
	if loc.Kind != locator.KindCard {
		return nil, invalidf("not a saved question url: %s", loc.Raw)
	}
	card, err := f.Card(ctx, loc.Origin, loc.QuestionID)
	if err != nil {
		return nil, err
	}

	d := &Descriptor{
		Domain:  loc.Origin,
		Kind:    EndpointCard,
		CardID:  loc.QuestionID,
		Columns: card.DisplayNames(),
	}

	merged := filters.FromValues(loc.Query).Merge(fm)

	switch tags := card.TemplateTags(); {
	case len(card.Parameters) > 0:
		d.Parameters, err = declaredParameters(card.Parameters, fm, merged)
	case len(tags) > 0:
		d.Parameters, err = templateTagParameters(tags, fm, merged)
	case len(merged) > 0:
		return nil, ErrUnresolvableParameters
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func declaredParameters(slots []api.CardParameter, fm, merged filters.Map) ([]Parameter, error) {
	bySlug := make(map[string]api.CardParameter, len(slots))
	names := make([]string, 0, len(slots))
	for _, s := range slots {
		bySlug[s.Slug] = s
		names = append(names, s.Slug)
	}
	if unknown := fm.Unknown(names); len(unknown) > 0 {
		return nil, unavailableFilters(unknown, names)
	}
	if unknown := merged.Unknown(names); len(unknown) > 0 {
		return nil, unavailableFilters(unknown, names)
	}

	params := make([]Parameter, 0, len(merged))
	for _, key := range merged.Keys() {
		s := bySlug[key]
		p, err := newParameter(key, s.Type, s.Target, merged[key])
		if err != nil {
			return nil, err
		}
		params = append(params, p)
	}
	return params, nil
}

func templateTagParameters(tags map[string]api.TemplateTag, fm, merged filters.Map) ([]Parameter, error) {
	names := make([]string, 0, len(tags))
	for name := range tags {
		names = append(names, name)
	}
	sort.Strings(names)

	if unknown := fm.Unknown(names); len(unknown) > 0 {
		return nil, unavailableFilters(unknown, names)
	}
	if unknown := merged.Unknown(names); len(unknown) > 0 {
		return nil, unavailableFilters(unknown, names)
	}

	params := make([]Parameter, 0, len(merged))
	for _, key := range merged.Keys() {
		tag := tags[key]
		typ, target, err := templateTagBinding(key, tag)
		if err != nil {
			return nil, err
		}
		p, err := newParameter(key, typ, target, merged[key])
		if err != nil {
			return nil, err
		}
		params = append(params, p)
	}
	return params, nil
}

// templateTagBinding maps a template tag to its parameter type and target.
func templateTagBinding(name string, tag api.TemplateTag) (string, []any, error) {
	ref := []any{"template-tag", name}
	switch tag.Type {
	case "dimension":
		return tag.WidgetType, []any{"dimension", ref}, nil
	case "date":
		return "date/single", []any{"variable", ref}, nil
	case "number":
		return "number/=", []any{"variable", ref}, nil
	case "text":
		return "category", []any{"variable", ref}, nil
	default:
		return "", nil, invalidf("template tag %q has unsupported type %q", name, tag.Type)
	}
}

// ResolveDataset builds a dataset descriptor from the URL fragment and the
// source table metadata.
func ResolveDataset(ctx context.Context, f MetadataFetcher, loc locator.Locator, fm filters.Map) (*Descriptor, error) {
	if loc.Kind != locator.KindDataset {
		return nil, invalidf("not an ad-hoc dataset url: %s", loc.Raw)
	}
	dq := copyObject(loc.DatasetQuery())
	inner, ok := dq["query"].(map[string]any)
	if !ok {
		return nil, invalidf("dataset_query has no query object")
	}
	src, ok := inner["source-table"]
	if !ok || keyString(src) == "" {
		return nil, invalidf("dataset_query.query has no source-table")
	}

	table, err := f.TableMetadata(ctx, loc.Origin, keyString(src))
	if err != nil {
		return nil, err
	}

	fieldIDs := make(map[string]any, len(table.Fields))
	display := make(map[string]string, len(table.Fields))
	natural := make([]string, 0, len(table.Fields))
	for _, fd := range table.Fields {
		fieldIDs[fd.Name] = fd.ID
		display[keyString(fd.ID)] = fd.DisplayName
		natural = append(natural, fd.DisplayName)
	}

	columns := natural
	if refs, ok := inner["fields"].([]any); ok && len(refs) > 0 {
		var picked []string
		for _, ref := range refs {
			id, ok := fieldRefID(ref)
			if !ok {
				continue
			}
			if name, ok := display[id]; ok {
				picked = append(picked, name)
			}
		}
		if len(picked) > 0 {
			columns = picked
		}
	}

	if len(fm) > 0 {
		available := table.FieldNames()
		if unknown := fm.Unknown(available); len(unknown) > 0 {
			return nil, unavailableFilters(unknown, available)
		}
		var clauses, ids []any
		for _, key := range fm.Keys() {
			id := fieldIDs[key]
			clauses = append(clauses, equalityClause(id, fm[key]))
			ids = append(ids, id)
		}
		inner["filter"] = MergeClauses(inner["filter"], clauses, ids)
	}

	return &Descriptor{
		Domain:       loc.Origin,
		Kind:         EndpointDataset,
		DatasetQuery: dq,
		Columns:      columns,
		fieldIDs:     fieldIDs,
	}, nil
}

func fieldRefID(ref any) (string, bool) {
	r, ok := ref.([]any)
	if !ok || len(r) < 2 {
		return "", false
	}
	if tag, _ := r[0].(string); tag != "field" {
		return "", false
	}
	return keyString(r[1]), true
}
