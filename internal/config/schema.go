package config

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// SchemaID identifies the generated document.
const SchemaID = "https://github.com/haasonsaas/conductor/config.schema.json"

// JSONSchema describes the config file layout, with properties named by
// their yaml keys. Unknown properties are disallowed, as in Load.
func JSONSchema() ([]byte, error) {
	reflector := jsonschema.Reflector{
		FieldNameTag:   "yaml",
		DoNotReference: true,
		ExpandedStruct: true,
	}
	doc := reflector.Reflect(&Config{})
	doc.ID = jsonschema.ID(SchemaID)
	doc.Title = "conductor"
	doc.Description = "conductor configuration file (YAML or JSON5)"
	return json.MarshalIndent(doc, "", "  ")
}
