package transform

import (
	"encoding/json"

	"github.com/pkg/errors"

	"go.viam.com/arducap/dataflash"
)

const genericTopicPrefix = "/ardupilot/"

type capturedSchema struct {
	name string
	data []byte
}

// Generic mirrors every defined record type into its own channel: topic
// "/ardupilot/<name>", a synthesized JSON Schema listing the labels as
// numeric properties, and the raw field map as the payload.
type Generic struct {
	schemas map[uint8]capturedSchema
}

// NewGeneric returns a Generic with no captured schemas.
func NewGeneric() *Generic {
	return &Generic{schemas: map[uint8]capturedSchema{}}
}

// Register accepts every definition, deriving and capturing its schema.
func (g *Generic) Register(def *dataflash.Definition) bool {
	props := map[string]interface{}{}
	for _, label := range def.Labels {
		props[label] = map[string]interface{}{"type": "number"}
	}
	data, err := json.Marshal(map[string]interface{}{
		"type":       "object",
		"title":      def.Name,
		"properties": props,
	})
	if err != nil {
		// A map of string literals always marshals; keep the subscription
		// and let Transform surface the missing schema if this ever trips.
		data = nil
	}
	g.schemas[def.TypeID] = capturedSchema{name: def.Name, data: data}
	return true
}

// Transform emits exactly one message mirroring the record.
func (g *Generic) Transform(rec *dataflash.Record) ([]Message, error) {
	schema, ok := g.schemas[rec.TypeID]
	if !ok {
		return nil, errors.Errorf("no captured schema for type id %d", rec.TypeID)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to serialize %s record", schema.name)
	}
	return []Message{{
		Topic:          genericTopicPrefix + schema.name,
		SchemaName:     schema.name,
		SchemaEncoding: "jsonschema",
		SchemaData:     schema.data,
		Payload:        payload,
	}}, nil
}
