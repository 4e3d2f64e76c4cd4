package elicitation

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	js "github.com/invopop/jsonschema"
)

// field captures per-field decoding expectations.
type field struct {
	name     string
	index    []int
	required bool
	kind     reflect.Kind
	enum     map[string]struct{}
	min, max *float64
	pointer  bool
}

// Projection is the schema derived from a struct type together with what is
// needed to decode an answer back into that type.
type Projection struct {
	typ    reflect.Type
	schema Schema
	fields []field
}

var projections sync.Map // map[reflect.Type]*Projection

// For derives the projection of T, which must be a struct type.
func For[T any]() (*Projection, error) {
	return Project(reflect.TypeOf((*T)(nil)).Elem())
}

// Project derives the projection of t. Results are cached per type.
func Project(t reflect.Type) (*Projection, error) {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("elicitation: type must be struct kind, got %s", t.Kind())
	}
	if v, ok := projections.Load(t); ok {
		return v.(*Projection), nil
	}

	byName := map[string]reflect.StructField{}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue
		}
		name := jsonName(f)
		if name == "-" {
			continue
		}
		byName[name] = f
	}

	r := &js.Reflector{DoNotReference: true, ExpandedStruct: true}
	root := r.Reflect(reflect.New(t).Interface())
	if root == nil || root.Type != "object" {
		return nil, fmt.Errorf("elicitation: projected root not object")
	}

	required := map[string]struct{}{}
	for _, n := range root.Required {
		required[n] = struct{}{}
	}

	out := Schema{Type: "object", Properties: map[string]Property{}}
	var fields []field

	if root.Properties != nil {
		for el := root.Properties.Oldest(); el != nil; el = el.Next() {
			name, v := el.Key, el.Value
			if v == nil {
				return nil, fmt.Errorf("elicitation: nil property schema for %s", name)
			}
			if v.Type == "object" || v.Type == "array" || v.Ref != "" || len(v.AllOf) > 0 || len(v.AnyOf) > 0 || len(v.OneOf) > 0 || v.Not != nil {
				return nil, fmt.Errorf("%w: field %s", ErrNotFlat, name)
			}

			sf, ok := byName[name]
			if !ok {
				return nil, fmt.Errorf("elicitation: property %s not matched to struct field", name)
			}
			ft := sf.Type
			ptr := false
			if ft.Kind() == reflect.Pointer {
				ptr = true
				ft = ft.Elem()
			}
			typ, ok := primitiveType(v.Type, ft.Kind())
			if !ok {
				return nil, fmt.Errorf("elicitation: unsupported type mapping for field %s", name)
			}

			p := Property{Type: typ, Description: v.Description}
			var enum map[string]struct{}
			if len(v.Enum) > 0 {
				if typ != "string" {
					return nil, fmt.Errorf("elicitation: enum only on string (%s)", name)
				}
				enum = make(map[string]struct{}, len(v.Enum))
				for _, ev := range v.Enum {
					s, ok := ev.(string)
					if !ok {
						return nil, fmt.Errorf("elicitation: non-string enum value field %s", name)
					}
					p.Enum = append(p.Enum, s)
					enum[s] = struct{}{}
				}
			}
			if v.Minimum != "" {
				if f, err := strconv.ParseFloat(string(v.Minimum), 64); err == nil {
					p.Minimum = &f
				}
			}
			if v.Maximum != "" {
				if f, err := strconv.ParseFloat(string(v.Maximum), 64); err == nil {
					p.Maximum = &f
				}
			}

			out.Properties[name] = p
			_, req := required[name]
			req = req && !ptr
			if req {
				out.Required = append(out.Required, name)
			}
			fields = append(fields, field{
				name:     name,
				index:    sf.Index,
				required: req,
				kind:     ft.Kind(),
				enum:     enum,
				min:      p.Minimum,
				max:      p.Maximum,
				pointer:  ptr,
			})
		}
	}

	if len(out.Properties) == 0 {
		return nil, fmt.Errorf("elicitation: struct has no exported fields")
	}
	proj := &Projection{typ: t, schema: out, fields: fields}
	actual, _ := projections.LoadOrStore(t, proj)
	return actual.(*Projection), nil
}

// Schema returns the derived schema.
func (p *Projection) Schema() Schema { return p.schema }

// Decode populates dst, a pointer to the projected struct type, from an
// accepted answer. Required fields, enum membership and numeric bounds are
// enforced. With strict set, keys that do not map to a field are rejected.
func (p *Projection) Decode(content json.RawMessage, dst any, strict bool) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return errors.New("elicitation: decode target must be non-nil pointer")
	}
	rv = rv.Elem()
	if rv.Type() != p.typ {
		return fmt.Errorf("elicitation: decode target is %s, projection is %s", rv.Type(), p.typ)
	}

	var m map[string]any
	if len(content) > 0 {
		if err := json.Unmarshal(content, &m); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidAnswer, err)
		}
	}
	if m == nil {
		m = map[string]any{}
	}

	byName := make(map[string]field, len(p.fields))
	for _, f := range p.fields {
		byName[f.name] = f
	}
	if strict {
		for k := range m {
			if _, ok := byName[k]; !ok {
				return fmt.Errorf("%w: unknown field %s", ErrInvalidAnswer, k)
			}
		}
	}

	// Decode into a shadow value so dst is untouched on failure.
	shadow := reflect.New(p.typ).Elem()
	for _, f := range p.fields {
		val, present := m[f.name]
		if !present || val == nil {
			if f.required {
				return fmt.Errorf("%w: missing required field %s", ErrInvalidAnswer, f.name)
			}
			continue
		}
		fv := shadow.FieldByIndex(f.index)
		target := fv
		if f.pointer {
			fv.Set(reflect.New(fv.Type().Elem()))
			target = fv.Elem()
		}
		if err := assign(target, f, val); err != nil {
			return err
		}
	}
	rv.Set(shadow)
	return nil
}

func assign(target reflect.Value, f field, val any) error {
	switch f.kind {
	case reflect.String:
		s, ok := val.(string)
		if !ok {
			return fmt.Errorf("%w: field %s expected string", ErrInvalidAnswer, f.name)
		}
		if f.enum != nil {
			if _, ok := f.enum[s]; !ok {
				return fmt.Errorf("%w: field %s enum mismatch", ErrInvalidAnswer, f.name)
			}
		}
		target.SetString(s)
	case reflect.Bool:
		b, ok := val.(bool)
		if !ok {
			return fmt.Errorf("%w: field %s expected boolean", ErrInvalidAnswer, f.name)
		}
		target.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := number(f, val)
		if err != nil {
			return err
		}
		target.SetInt(int64(n))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := number(f, val)
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("%w: field %s expected non-negative number", ErrInvalidAnswer, f.name)
		}
		target.SetUint(uint64(n))
	case reflect.Float32, reflect.Float64:
		n, err := number(f, val)
		if err != nil {
			return err
		}
		target.SetFloat(n)
	default:
		return fmt.Errorf("elicitation: unsupported field kind %s", f.kind)
	}
	return nil
}

func number(f field, val any) (float64, error) {
	n, ok := val.(float64)
	if !ok {
		return 0, fmt.Errorf("%w: field %s expected number", ErrInvalidAnswer, f.name)
	}
	if f.min != nil && n < *f.min {
		return 0, fmt.Errorf("%w: field %s below minimum", ErrInvalidAnswer, f.name)
	}
	if f.max != nil && n > *f.max {
		return 0, fmt.Errorf("%w: field %s above maximum", ErrInvalidAnswer, f.name)
	}
	return n, nil
}

func jsonName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return f.Name
	}
	return name
}

func primitiveType(schemaType string, k reflect.Kind) (string, bool) {
	switch schemaType {
	case "string":
		if k == reflect.String {
			return "string", true
		}
	case "integer", "number":
		if (k >= reflect.Int && k <= reflect.Int64) || (k >= reflect.Uint && k <= reflect.Uint64) || k == reflect.Float32 || k == reflect.Float64 {
			return "number", true
		}
	case "boolean":
		if k == reflect.Bool {
			return "boolean", true
		}
	}
	return "", false
}
