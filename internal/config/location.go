package config

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/Mschirtzinger/burnsync/internal/location"
)

// ParseSpec converts a decoded config value into a destination spec:
// a string names a server, a map is an object with optional filename and
// server, a list combines both. A nil value yields nil (home).
func ParseSpec(value any) (location.Spec, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		if v == "" {
			return nil, fmt.Errorf("location server cannot be empty")
		}
		return location.Literal(v), nil
	case map[string]any:
		return parseObject(v)
	case map[any]any:
		m := make(map[string]any, len(v))
		for k, val := range v {
			m[fmt.Sprint(k)] = val
		}
		return parseObject(m)
	case []any:
		list := make(location.List, 0, len(v))
		for i, elem := range v {
			spec, err := ParseSpec(elem)
			if err != nil {
				return nil, fmt.Errorf("location[%d]: %w", i, err)
			}
			if spec != nil {
				list = append(list, spec)
			}
		}
		return list, nil
	case []string:
		list := make(location.List, 0, len(v))
		for _, s := range v {
			list = append(list, location.Literal(s))
		}
		return list, nil
	default:
		return nil, fmt.Errorf("unsupported location value %v (%T)", value, value)
	}
}

func parseObject(m map[string]any) (location.Spec, error) {
	var obj location.Object
	for key, val := range m {
		s, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("location.%s must be a string", key)
		}
		switch strings.ToLower(key) {
		case "filename":
			obj.Filename = s
		case "server":
			obj.Server = s
		default:
			return nil, fmt.Errorf("unknown location key %q", key)
		}
	}
	return obj, nil
}

// Template expands the placeholders {file}, {server}, {dir}, {base},
// {name} and {ext} of a path template. file is slash-separated.
type Template string

// Expand returns the expanded template, or "" for an empty template.
func (t Template) Expand(file, server string) string {
	if t == "" {
		return ""
	}
	base := path.Base(file)
	ext := path.Ext(base)
	r := strings.NewReplacer(
		"{file}", file,
		"{server}", server,
		"{dir}", path.Dir(file),
		"{base}", base,
		"{name}", strings.TrimSuffix(base, ext),
		"{ext}", ext,
	)
	return r.Replace(string(t))
}

// dumpTemplate turns the dumpFiles setting into a template: a value with
// placeholders is used as is, a plain directory receives the file below it.
func dumpTemplate(value string) Template {
	if value == "" {
		return ""
	}
	if strings.Contains(value, "{") {
		return Template(value)
	}
	return Template(strings.TrimSuffix(value, "/") + "/{file}")
}

// parseWatch decodes the watch setting, either a list of items or a map of
// named items (applied in name order).
func parseWatch(value any) ([]location.WatchItem, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []any:
		items := make([]location.WatchItem, 0, len(v))
		for i, raw := range v {
			item, err := parseWatchItem(raw)
			if err != nil {
				return nil, fmt.Errorf("watch[%d]: %w", i, err)
			}
			items = append(items, item)
		}
		return items, nil
	case map[string]any:
		names := make([]string, 0, len(v))
		for name := range v {
			names = append(names, name)
		}
		sort.Strings(names)
		items := make([]location.WatchItem, 0, len(v))
		for _, name := range names {
			item, err := parseWatchItem(v[name])
			if err != nil {
				return nil, fmt.Errorf("watch.%s: %w", name, err)
			}
			items = append(items, item)
		}
		return items, nil
	default:
		return nil, fmt.Errorf("watch must be a list or a map, got %T", value)
	}
}

func parseWatchItem(raw any) (location.WatchItem, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		if mm, isAny := raw.(map[any]any); isAny {
			m = make(map[string]any, len(mm))
			for k, val := range mm {
				m[fmt.Sprint(k)] = val
			}
		} else {
			return location.WatchItem{}, fmt.Errorf("watch item must be a map, got %T", raw)
		}
	}

	item := location.WatchItem{Transform: true}
	for key, val := range m {
		switch strings.ToLower(key) {
		case "pattern":
			s, ok := val.(string)
			if !ok || s == "" {
				return item, fmt.Errorf("pattern must be a non-empty string")
			}
			item.Pattern = s
		case "transform":
			b, ok := val.(bool)
			if !ok {
				return item, fmt.Errorf("transform must be a boolean")
			}
			item.Transform = b
		case "location":
			spec, err := ParseSpec(val)
			if err != nil {
				return item, err
			}
			item.Location = spec
		default:
			return item, fmt.Errorf("unknown watch key %q", key)
		}
	}
	if item.Pattern == "" {
		return item, fmt.Errorf("pattern is required")
	}
	return item, nil
}
