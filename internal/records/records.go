// Package records reads source records and writes generated text back to them.
package records

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/lamim/copyforge/internal/config"
	"github.com/lamim/copyforge/pkg/models"
)

var (
	// ErrSourceUnavailable means the record source could not be opened or read
	ErrSourceUnavailable = errors.New("record source unavailable")
	// ErrNotFound means no record has the requested id
	ErrNotFound = errors.New("record not found")
)

// Page is one window of the source. Rows counts every row read at the
// offset, including rows that failed to decode, so callers advance by Rows.
// A page with zero Rows marks the end of the source.
type Page struct {
	Records []models.Record
	Rows    int
}

// Source pages through records in a stable order
type Source interface {
	FetchPage(ctx context.Context, offset, limit int) (Page, error)
	Get(ctx context.Context, id string) (*models.Record, error)
}

// Writer persists generated text. WriteOutput is called at most once per id
// per run and must be safe for concurrent calls on different ids.
type Writer interface {
	WriteOutput(ctx context.Context, id, text string) error
}

// Store is a source that can also be written to
type Store interface {
	Source
	Writer
	Close() error
}

// Open builds the store selected by cfg.Kind
func Open(ctx context.Context, cfg config.SourceConfig, logger *slog.Logger) (Store, error) {
	m := NewMapping(cfg)
	switch cfg.Kind {
	case "jsonfile":
		return OpenJSONFile(cfg.Path, cfg.JournalPath, cfg.MergeOnClose, m, logger)
	case "mongo":
		return OpenMongo(ctx, cfg.URI, cfg.Database, cfg.Collection, m, logger)
	case "sqlite":
		return OpenSQLite(cfg.Path, cfg.Table, m, logger)
	default:
		return nil, fmt.Errorf("%w: unknown source kind %q", ErrSourceUnavailable, cfg.Kind)
	}
}

// Mapping names the document fields that make up a record. Field names may be
// dotted paths into nested documents.
type Mapping struct {
	ID       string
	Name     string
	Location string
	Output   string
	Facts    string
	SubFacts string
}

// NewMapping takes the field names from the source config
func NewMapping(cfg config.SourceConfig) Mapping {
	return Mapping{
		ID:       cfg.IDField,
		Name:     cfg.NameField,
		Location: cfg.LocationField,
		Output:   cfg.OutputField,
		Facts:    cfg.FactsField,
		SubFacts: cfg.SubFactsField,
	}
}

// Decode maps a generic document onto a Record
func (m Mapping) Decode(doc map[string]any) (models.Record, error) {
	id := scalarString(lookup(doc, m.ID))
	if id == "" {
		return models.Record{}, fmt.Errorf("document has no %s", m.ID)
	}

	r := models.Record{
		ID:       id,
		Name:     scalarString(lookup(doc, m.Name)),
		Location: scalarString(lookup(doc, m.Location)),
		Output:   scalarString(lookup(doc, m.Output)),
	}

	if facts, ok := lookup(doc, m.Facts).(map[string]any); ok {
		r.Facts = facts
	}
	if list, ok := lookup(doc, m.SubFacts).([]any); ok {
		r.SubFacts = decodeFacts(list)
	}
	return r, nil
}

func decodeFacts(list []any) []models.Fact {
	facts := make([]models.Fact, 0, len(list))
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		f := models.Fact{
			Category: firstString(obj, "category", "type"),
			Name:     firstString(obj, "name", "title"),
			Distance: firstString(obj, "distance"),
			Detail:   firstString(obj, "detail", "description"),
		}
		if f.Name == "" {
			continue
		}
		facts = append(facts, f)
	}
	return facts
}

func firstString(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := scalarString(obj[k]); s != "" {
			return s
		}
	}
	return ""
}

// lookup resolves a dotted path inside nested maps
func lookup(doc map[string]any, path string) any {
	if path == "" {
		return nil
	}
	if v, ok := doc[path]; ok {
		return v
	}
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[part]
	}
	return cur
}

// assign sets a dotted path, creating intermediate maps
func assign(doc map[string]any, path string, value any) {
	if _, ok := doc[path]; ok || !strings.Contains(path, ".") {
		doc[path] = value
		return
	}
	parts := strings.Split(path, ".")
	cur := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

func scalarString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case fmt.Stringer:
		return t.String()
	default:
		return ""
	}
}
