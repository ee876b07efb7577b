package api

import "sort"

// Card is the subset of GET /api/card/<id> the exporter reads.
type Card struct {
	ID             int              `json:"id"`
	Name           string           `json:"name"`
	ResultMetadata []ResultColumn   `json:"result_metadata"`
	Parameters     []CardParameter  `json:"parameters"`
	DatasetQuery   CardDatasetQuery `json:"dataset_query"`
}

type ResultColumn struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

// CardParameter is a declared dashboard-style parameter slot.
type CardParameter struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Slug   string `json:"slug"`
	Type   string `json:"type"`
	Target any    `json:"target"`
}

type CardDatasetQuery struct {
	Type     string       `json:"type"`
	Database any          `json:"database"`
	Native   *NativeQuery `json:"native"`
}

type NativeQuery struct {
	Query        string                 `json:"query"`
	TemplateTags map[string]TemplateTag `json:"template-tags"`
}

// TemplateTag is a {{variable}} declared in a native question.
type TemplateTag struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display-name"`
	Type        string `json:"type"`
	WidgetType  string `json:"widget-type"`
}

// DisplayNames returns result column display names in result order.
func (c *Card) DisplayNames() []string {
	if len(c.ResultMetadata) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.ResultMetadata))
	for _, col := range c.ResultMetadata {
		out = append(out, col.DisplayName)
	}
	return out
}

// TemplateTags returns the native template tags keyed by name, or nil.
func (c *Card) TemplateTags() map[string]TemplateTag {
	if c.DatasetQuery.Native == nil {
		return nil
	}
	return c.DatasetQuery.Native.TemplateTags
}

// Table is the subset of GET /api/table/<id>/query_metadata the exporter reads.
type Table struct {
	ID     any     `json:"id"`
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`
}

type Field struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Position    int    `json:"position"`
}

// FieldNames returns field names sorted, for error messages.
func (t *Table) FieldNames() []string {
	out := make([]string, 0, len(t.Fields))
	for _, f := range t.Fields {
		out = append(out, f.Name)
	}
	sort.Strings(out)
	return out
}
