package transform

import (
	"encoding/json"
	"math"

	geo "github.com/kellydunn/golang-geo"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/arducap/dataflash"
	"go.viam.com/arducap/geodesy"
)

// Record type names the fused transformer consumes. GPS is the raw receiver
// fix, POS the EKF-fused position estimate, ATT the attitude estimate.
const (
	gpsRecordName = "GPS"
	attRecordName = "ATT"
	posRecordName = "POS"
)

const (
	worldFrameID = "world"
	bodyFrameID  = "base_link"

	mapOriginTopic = "/foxglove/map_origin"
	gpsTraceTopic  = "/foxglove/gps"
	transformTopic = "/foxglove/base_link_transform"

	locationFixSchemaName    = "foxglove.LocationFix"
	frameTransformSchemaName = "foxglove.FrameTransform"

	// Latitudes this close to zero are treated as "no fix yet" when deciding
	// whether to freeze the home origin.
	minValidLatitudeDeg = 0.1
)

var locationFixSchema = []byte(`{
  "type": "object",
  "properties": {
    "latitude": { "type": "number" },
    "longitude": { "type": "number" },
    "altitude": { "type": "number" },
    "position_covariance_type": { "type": "integer" },
    "position_covariance": { "type": "array", "items": { "type": "number" } }
  }
}`)

var frameTransformSchema = []byte(`{
  "type": "object",
  "properties": {
    "timestamp": {
      "type": "object",
      "properties": { "sec": { "type": "integer" }, "nsec": { "type": "integer" } }
    },
    "parent_frame_id": { "type": "string" },
    "child_frame_id": { "type": "string" },
    "translation": {
      "type": "object",
      "properties": { "x": {"type":"number"}, "y": {"type":"number"}, "z": {"type":"number"} }
    },
    "rotation": {
      "type": "object",
      "properties": { "x": {"type":"number"}, "y": {"type":"number"}, "z": {"type":"number"}, "w": {"type":"number"} }
    }
  }
}`)

type locationFix struct {
	FrameID   string  `json:"frame_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
}

type stamp struct {
	Sec  uint64 `json:"sec"`
	NSec uint64 `json:"nsec"`
}

type translation struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type rotation struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

type frameTransform struct {
	Timestamp     stamp       `json:"timestamp"`
	ParentFrameID string      `json:"parent_frame_id"`
	ChildFrameID  string      `json:"child_frame_id"`
	Translation   translation `json:"translation"`
	Rotation      rotation    `json:"rotation"`
}

// FoxgloveFused turns GPS/ATT/POS telemetry into world-anchored pose
// messages for 3D visualization. It accumulates position and attitude across
// records, freezes a home origin on the first valid fix, and from then on
// emits a world→base_link frame transform alongside the position traces.
// Once a POS (EKF-fused) record has been seen, raw GPS records are dropped.
type FoxgloveFused struct {
	home    *geo.Point
	homeAlt float64

	current    *geo.Point
	currentAlt float64

	// Attitude in centidegrees, as logged.
	roll, pitch, yaw float64

	fusedSeen bool
	names     map[uint8]string
}

// NewFoxgloveFused returns a FoxgloveFused with no home origin and zero
// attitude.
func NewFoxgloveFused() *FoxgloveFused {
	return &FoxgloveFused{
		current: geo.NewPoint(0, 0),
		names:   map[uint8]string{},
	}
}

// Register accepts only the GPS, ATT and POS record types.
func (f *FoxgloveFused) Register(def *dataflash.Definition) bool {
	switch def.Name {
	case gpsRecordName, attRecordName, posRecordName:
		f.names[def.TypeID] = def.Name
		return true
	}
	return false
}

// Transform applies the dispatch rules described on the type.
func (f *FoxgloveFused) Transform(rec *dataflash.Record) ([]Message, error) {
	name, ok := f.names[rec.TypeID]
	if !ok {
		return nil, errors.Errorf("no registered record name for type id %d", rec.TypeID)
	}

	if name == gpsRecordName && f.fusedSeen {
		return nil, nil
	}
	if name == posRecordName {
		f.fusedSeen = true
	}

	var out []Message

	if name == gpsRecordName || name == posRecordName {
		lat := float64(intField(rec, "Lat", "Latitude")) / 1e7
		lng := float64(intField(rec, "Lng", "Longitude")) / 1e7

		// GPS logs altitude in centimeters; POS is already in meters.
		altScale := 1.0
		if name == gpsRecordName {
			altScale = 0.01
		}
		alt := floatField(rec, "Alt", "Altitude") * altScale

		if f.home == nil && math.Abs(lat) > minValidLatitudeDeg {
			f.home = geo.NewPoint(lat, lng)
			f.homeAlt = alt

			// One-time anchor pinning the world frame to the map.
			anchor, err := encodeLocationFix(mapOriginTopic, worldFrameID, lat, lng, alt)
			if err != nil {
				return nil, err
			}
			out = append(out, anchor)
		}
		f.current = geo.NewPoint(lat, lng)
		f.currentAlt = alt

		trace, err := encodeLocationFix(gpsTraceTopic, bodyFrameID, lat, lng, alt)
		if err != nil {
			return nil, err
		}
		out = append(out, trace)
	}

	if name == attRecordName {
		f.roll = floatField(rec, "Roll")
		f.pitch = floatField(rec, "Pitch")
		f.yaw = floatField(rec, "Yaw")
	}

	if f.home != nil {
		enu := geodesy.ENUOffset(f.current, f.currentAlt, f.home, f.homeAlt)
		// Attitude fields are centidegrees.
		q := geodesy.NEDEulerToENUQuaternion(f.roll/100, f.pitch/100, f.yaw/100)

		tf, err := encodeFrameTransform(rec.TimestampNS, enu.X, enu.Y, enu.Z, q)
		if err != nil {
			return nil, err
		}
		out = append(out, tf)
	}

	return out, nil
}

func encodeLocationFix(topic, frameID string, lat, lng, alt float64) (Message, error) {
	payload, err := json.Marshal(locationFix{
		FrameID:   frameID,
		Latitude:  lat,
		Longitude: lng,
		Altitude:  alt,
	})
	if err != nil {
		return Message{}, errors.Wrap(err, "failed to serialize location fix")
	}
	return Message{
		Topic:          topic,
		SchemaName:     locationFixSchemaName,
		SchemaEncoding: "jsonschema",
		SchemaData:     locationFixSchema,
		Payload:        payload,
	}, nil
}

func encodeFrameTransform(timestampNS uint64, east, north, up float64, q quat.Number) (Message, error) {
	payload, err := json.Marshal(frameTransform{
		Timestamp:     stamp{Sec: timestampNS / 1e9, NSec: timestampNS % 1e9},
		ParentFrameID: worldFrameID,
		ChildFrameID:  bodyFrameID,
		Translation:   translation{X: east, Y: north, Z: up},
		Rotation:      rotation{X: q.Imag, Y: q.Jmag, Z: q.Kmag, W: q.Real},
	})
	if err != nil {
		return Message{}, errors.Wrap(err, "failed to serialize frame transform")
	}
	return Message{
		Topic:          transformTopic,
		SchemaName:     frameTransformSchemaName,
		SchemaEncoding: "jsonschema",
		SchemaData:     frameTransformSchema,
		Payload:        payload,
	}, nil
}

// intField returns the first of the named fields holding an integer, or 0.
func intField(rec *dataflash.Record, labels ...string) int64 {
	for _, l := range labels {
		if v, ok := rec.Value(l); ok {
			if n, ok := v.AsInt64(); ok {
				return n
			}
		}
	}
	return 0
}

// floatField returns the first of the named fields holding a numeric value,
// or 0.
func floatField(rec *dataflash.Record, labels ...string) float64 {
	for _, l := range labels {
		if v, ok := rec.Value(l); ok {
			if x, ok := v.AsFloat64(); ok {
				return x
			}
		}
	}
	return 0
}
