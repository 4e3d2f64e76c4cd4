// Package elicitation describes the structured input a tool asks a human
// for. An elicitation schema is a flat JSON object whose properties are
// primitives (string, number, boolean) with optional enum and bound
// constraints. Nested objects and arrays are rejected.
//
// Authoring Modes
//
//	Reflection  For[T]() derives a schema from a struct type. Exported fields
//	            become properties; value fields are required and pointer
//	            fields are optional. `jsonschema` struct tags supply
//	            descriptions, enums and numeric bounds.
//	Builder     NewBuilder() assembles a schema programmatically for cases
//	            where the shape is only known at runtime.
//
// The session runtime itself treats schemas as opaque payloads. Hosts that
// want to check a user's answer before forwarding it use Validate, which
// compiles the schema with a full JSON Schema validator. CheckFlat verifies
// that an arbitrary schema stays within the flat subset.
package elicitation
