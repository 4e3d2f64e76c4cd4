package elicitation

import (
	"strings"
)

// Builder constructs a flat object schema programmatically.
//
//	s := NewBuilder().
//	    String("name", Required(), Description("User name")).
//	    Enum("role", []string{"admin", "user"}).
//	    Build()
type Builder struct {
	props map[string]Property
	order []string
	req   map[string]bool
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{props: map[string]Property{}, req: map[string]bool{}}
}

// PropOption configures a property.
type PropOption func(p *Property, required *bool)

// Required marks the property required.
func Required() PropOption { return func(_ *Property, r *bool) { *r = true } }

// Description adds human-readable description.
func Description(desc string) PropOption {
	return func(p *Property, _ *bool) { p.Description = desc }
}

// Minimum sets a numeric lower bound.
func Minimum(f float64) PropOption { return func(p *Property, _ *bool) { p.Minimum = &f } }

// Maximum sets a numeric upper bound.
func Maximum(f float64) PropOption { return func(p *Property, _ *bool) { p.Maximum = &f } }

func (b *Builder) String(name string, opts ...PropOption) *Builder {
	return b.add(name, Property{Type: "string"}, opts)
}

func (b *Builder) Number(name string, opts ...PropOption) *Builder {
	return b.add(name, Property{Type: "number"}, opts)
}

func (b *Builder) Boolean(name string, opts ...PropOption) *Builder {
	return b.add(name, Property{Type: "boolean"}, opts)
}

// Enum adds a string property restricted to values.
func (b *Builder) Enum(name string, values []string, opts ...PropOption) *Builder {
	return b.add(name, Property{Type: "string", Enum: append([]string(nil), values...)}, opts)
}

func (b *Builder) add(name string, p Property, opts []PropOption) *Builder {
	if strings.TrimSpace(name) == "" {
		panic("elicitation: empty property name")
	}
	required := false
	for _, o := range opts {
		if o != nil {
			o(&p, &required)
		}
	}
	if _, ok := b.props[name]; !ok {
		b.order = append(b.order, name)
	}
	b.props[name] = p
	b.req[name] = required
	return b
}

// Build returns the schema. Required properties are listed in the order they
// were added.
func (b *Builder) Build() Schema {
	s := Schema{Type: "object", Properties: make(map[string]Property, len(b.props))}
	for _, name := range b.order {
		s.Properties[name] = b.props[name]
		if b.req[name] {
			s.Required = append(s.Required, name)
		}
	}
	return s
}
