package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/viper"
)

// Source produces the full set of entity definitions.
type Source interface {
	Entities(ctx context.Context) ([]*Entity, error)
}

// StaticSource serves a fixed slice. Used by tests and embedded setups.
type StaticSource []*Entity

func (s StaticSource) Entities(context.Context) ([]*Entity, error) {
	return []*Entity(s), nil
}

// FileSource reads an entities document (YAML, JSON or TOML, by extension)
// shaped as:
//
//	entities:
//	  user:
//	    table_name: users
//	    ...
type FileSource struct {
	Path string
}

func (s FileSource) Entities(context.Context) ([]*Entity, error) {
	v := viper.New()
	v.SetConfigFile(s.Path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read %s: %w", s.Path, err)
	}
	return DecodeEntities(v)
}

// DecodeEntities decodes the "entities" key of an already-read viper instance.
// The map key becomes the entity name.
func DecodeEntities(v *viper.Viper) ([]*Entity, error) {
	var doc struct {
		Entities map[string]*Entity `mapstructure:"entities"`
	}
	if err := v.Unmarshal(&doc); err != nil {
		return nil, fmt.Errorf("decode entities: %w", err)
	}

	names := make([]string, 0, len(doc.Entities))
	for name := range doc.Entities {
		names = append(names, name)
	}
	sort.Strings(names)

	entities := make([]*Entity, 0, len(names))
	for _, name := range names {
		e := doc.Entities[name]
		if e == nil {
			continue
		}
		e.Name = name
		entities = append(entities, e)
	}
	return entities, nil
}

type rowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// TableSource reads JSONB definitions from the _entities system table.
type TableSource struct {
	DB rowQuerier
}

func (s TableSource) Entities(ctx context.Context) ([]*Entity, error) {
	rows, err := s.DB.Query(ctx, "SELECT name, definition FROM _entities ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []*Entity
	for rows.Next() {
		var name string
		var defJSON []byte
		if err := rows.Scan(&name, &defJSON); err != nil {
			return nil, fmt.Errorf("scan entity row: %w", err)
		}

		var entity Entity
		if err := json.Unmarshal(defJSON, &entity); err != nil {
			slog.Warn("skipping entity with invalid definition", "entity", name, "error", err)
			continue
		}
		entity.Name = name
		entities = append(entities, &entity)
	}
	return entities, rows.Err()
}
