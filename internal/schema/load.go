package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// File layout mirrors data/yaml conventions: one document per file, any number
// of files per directory, merged into a single Set.

type fileDoc struct {
	Messages   []messageDoc   `yaml:"messages"`
	Components []componentDoc `yaml:"components"`
}

type messageDoc struct {
	Name   string     `yaml:"name"`
	Fields []fieldDoc `yaml:"fields"`
}

type componentDoc struct {
	Name           string     `yaml:"name"`
	SpawnOnConnect bool       `yaml:"spawn_on_connect"`
	Fields         []fieldDoc `yaml:"fields"`
}

type fieldDoc struct {
	Name   string   `yaml:"name"`
	Number uint32   `yaml:"number"`
	Type   string   `yaml:"type"`
	Key    string   `yaml:"key"`   // map fields: u64 or string
	Value  string   `yaml:"value"` // map fields: sub-message name
	Dirs   []string `yaml:"dirs"`  // subset of net, db; empty = both
}

// Load reads every *.yaml file in dir and builds the validated schema set.
// All validation failures are fatal configuration errors.
func Load(dir string) (*Set, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read schema dir %s: %w", dir, err)
	}
	var docs []fileDoc
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", path, err)
		}
		var doc fileDoc
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", path, err)
		}
		docs = append(docs, doc)
	}
	return build(docs)
}

// Parse builds a schema set from a single in-memory document. Used by tests
// and by maskdump when pointed at one file.
func Parse(data []byte) (*Set, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	return build([]fileDoc{doc})
}

func build(docs []fileDoc) (*Set, error) {
	// First pass: create empty message shells so references resolve in any order.
	msgs := make(map[string]*Message)
	for _, doc := range docs {
		for _, md := range doc.Messages {
			if md.Name == "" {
				return nil, fmt.Errorf("message with empty name")
			}
			if _, dup := msgs[md.Name]; dup {
				return nil, fmt.Errorf("duplicate message %q", md.Name)
			}
			msgs[md.Name] = &Message{Name: md.Name}
		}
	}

	resolve := func(m *Message, fields []fieldDoc) error {
		for _, fd := range fields {
			f, err := buildField(m.Name, fd, msgs)
			if err != nil {
				return err
			}
			m.Fields = append(m.Fields, f)
		}
		sort.Slice(m.Fields, func(i, j int) bool {
			return m.Fields[i].Number < m.Fields[j].Number
		})
		seen := make(map[uint32]bool, len(m.Fields))
		names := make(map[string]bool, len(m.Fields))
		for i := range m.Fields {
			f := &m.Fields[i]
			if seen[f.Number] {
				return fmt.Errorf("%s: duplicate field number %d", m.Name, f.Number)
			}
			seen[f.Number] = true
			if names[f.Name] {
				return fmt.Errorf("%s: duplicate field name %q", m.Name, f.Name)
			}
			names[f.Name] = true
		}
		m.index()
		return nil
	}

	for _, doc := range docs {
		for _, md := range doc.Messages {
			if err := resolve(msgs[md.Name], md.Fields); err != nil {
				return nil, err
			}
		}
	}

	set := newSet()
	for _, doc := range docs {
		for _, cd := range doc.Components {
			if cd.Name == "" {
				return nil, fmt.Errorf("component with empty name")
			}
			if _, clash := msgs[cd.Name]; clash {
				return nil, fmt.Errorf("component %q shares a name with a message", cd.Name)
			}
			c := &Component{
				Message:        Message{Name: cd.Name},
				TypeID:         TypeID(cd.Name),
				SpawnOnConnect: cd.SpawnOnConnect,
			}
			if err := resolve(&c.Message, cd.Fields); err != nil {
				return nil, err
			}
			if len(c.Fields) == 0 {
				return nil, fmt.Errorf("component %q has no fields", cd.Name)
			}
			if err := set.add(c); err != nil {
				return nil, err
			}
		}
	}
	if set.Len() == 0 {
		return nil, fmt.Errorf("schema set declares no components")
	}

	// Nested messages must not contain themselves; the codec recurses.
	for name, m := range msgs {
		if cyclic(m, map[*Message]bool{}) {
			return nil, fmt.Errorf("message %q is recursive", name)
		}
	}
	return set, nil
}

func buildField(owner string, fd fieldDoc, msgs map[string]*Message) (Field, error) {
	if fd.Name == "" {
		return Field{}, fmt.Errorf("%s: field with empty name", owner)
	}
	if fd.Number < 1 || fd.Number > MaxFieldNumber {
		return Field{}, fmt.Errorf("%s.%s: field number %d out of range 1..%d",
			owner, fd.Name, fd.Number, MaxFieldNumber)
	}
	dirs, err := parseDirs(fd.Dirs)
	if err != nil {
		return Field{}, fmt.Errorf("%s.%s: %w", owner, fd.Name, err)
	}
	f := Field{Name: fd.Name, Number: fd.Number, Dirs: dirs}

	switch fd.Type {
	case "bool":
		f.Kind = KindBool
	case "u32":
		f.Kind = KindU32
	case "u64":
		f.Kind = KindU64
	case "s32":
		f.Kind = KindS32
	case "s64":
		f.Kind = KindS64
	case "f32":
		f.Kind = KindF32
	case "f64":
		f.Kind = KindF64
	case "string":
		f.Kind = KindString
	case "bytes":
		f.Kind = KindBytes
	case "map":
		f.Kind = KindMap
		switch fd.Key {
		case "u32", "u64":
			f.KeyKind = KindU64
		case "string":
			f.KeyKind = KindString
		default:
			return Field{}, fmt.Errorf("%s.%s: map key must be u32, u64 or string, got %q",
				owner, fd.Name, fd.Key)
		}
		sub, ok := msgs[fd.Value]
		if !ok {
			return Field{}, fmt.Errorf("%s.%s: map value must name a message, got %q",
				owner, fd.Name, fd.Value)
		}
		f.Msg = sub
	case "list":
		// Same restriction as the schema generator always had: repeated fields
		// cannot be diffed entry-wise, use a keyed map instead.
		return Field{}, fmt.Errorf("%s.%s: list fields are not supported", owner, fd.Name)
	default:
		if sub, ok := msgs[fd.Type]; ok {
			f.Kind = KindMessage
			f.Msg = sub
			break
		}
		return Field{}, fmt.Errorf("%s.%s: unknown type %q", owner, fd.Name, fd.Type)
	}
	return f, nil
}

func parseDirs(names []string) (Direction, error) {
	if len(names) == 0 {
		return DirAll, nil
	}
	var d Direction
	for _, n := range names {
		switch n {
		case "net":
			d |= DirNet
		case "db":
			d |= DirDB
		default:
			return 0, fmt.Errorf("unknown direction %q", n)
		}
	}
	return d, nil
}

func cyclic(m *Message, stack map[*Message]bool) bool {
	if stack[m] {
		return true
	}
	stack[m] = true
	for i := range m.Fields {
		if sub := m.Fields[i].Msg; sub != nil && cyclic(sub, stack) {
			return true
		}
	}
	delete(stack, m)
	return false
}
