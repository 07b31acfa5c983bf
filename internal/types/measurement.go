package types

import (
	"encoding/json"
	"time"
)

// Feature names produced by the O-ring measurer
const (
	FeatureOuterDiameter = "outer_diameter_mm"
	FeatureInnerDiameter = "inner_diameter_mm"
	FeatureCrossSection  = "cross_section_mm"
	FeatureFeretMax      = "feret_max_mm"
	FeatureFeretMin      = "feret_min_mm"
	FeatureRoundness     = "roundness"
	FeatureCenter        = "center_px"
)

// MeasurementResult is the structured record produced once per accepted
// candidate region.
type MeasurementResult struct {
	ObjectID   string               `json:"object_id" msgpack:"object_id"`
	InstanceID string               `json:"instance_id,omitempty" msgpack:"instance_id,omitempty"`
	FrameSeq   uint64               `json:"frame_seq" msgpack:"frame_seq"`
	TraceID    string               `json:"trace_id" msgpack:"trace_id"`
	Bounds     Rect                 `json:"bounds" msgpack:"bounds"`
	Scalars    map[string]float64   `json:"scalars" msgpack:"scalars"`
	Vectors    map[string][]float64 `json:"vectors,omitempty" msgpack:"vectors,omitempty"`
	ProcessMS  float64              `json:"processing_time_ms" msgpack:"processing_time_ms"`
	MeasuredAt time.Time            `json:"measured_at" msgpack:"measured_at"`
}

// Type returns the message type used for topic routing
func (m *MeasurementResult) Type() string {
	return "measurement"
}

// ToJSON converts the result to JSON bytes
func (m *MeasurementResult) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// Scalar returns a named scalar feature and whether it is present
func (m *MeasurementResult) Scalar(name string) (float64, bool) {
	v, ok := m.Scalars[name]
	return v, ok
}
