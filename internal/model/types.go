package model

import "time"

type Tier string

const (
	TierFull    Tier = "full"
	TierReduced Tier = "reduced"
)

// FailureLabel is reported as predicted_scent whenever inference fails.
const FailureLabel = "error"

type Reading struct {
	DeviceID  string             `json:"device_id,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
	Values    map[string]float64 `json:"values"`
	Source    string             `json:"source,omitempty"`
	Raw       string             `json:"raw,omitempty"`
}

type RankedScent struct {
	Scent      string  `json:"scent"`
	Confidence float64 `json:"confidence"`
}

type Prediction struct {
	PredictedScent   string             `json:"predicted_scent"`
	Confidence       float64            `json:"confidence"`
	TopPredictions   []RankedScent      `json:"top_predictions"`
	AllProbabilities map[string]float64 `json:"all_probabilities"`
	FeaturesUsed     map[string]float64 `json:"features_used,omitempty"`
	ModelTier        Tier               `json:"model_tier"`
	PipelineVersion  string             `json:"pipeline_version"`
	Substituted      []string           `json:"substituted_fields,omitempty"`
	Debounced        bool               `json:"debounced,omitempty"`
	RawScent         string             `json:"raw_scent,omitempty"`
}

type Failure struct {
	Error          string  `json:"error"`
	Kind           string  `json:"error_kind"`
	PredictedScent string  `json:"predicted_scent"`
	Confidence     float64 `json:"confidence"`
}

func NewFailure(kind string, err error) Failure {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Failure{
		Error:          msg,
		Kind:           kind,
		PredictedScent: FailureLabel,
		Confidence:     0,
	}
}

// Record is one processed reading as kept by the stores and sent to sinks.
type Record struct {
	ID         string             `json:"id"`
	DeviceID   string             `json:"device_id"`
	Timestamp  time.Time          `json:"timestamp"`
	ReceivedAt time.Time          `json:"received_at"`
	Source     string             `json:"source,omitempty"`
	Values     map[string]float64 `json:"values,omitempty"`
	Prediction *Prediction        `json:"prediction,omitempty"`
	Failure    *Failure           `json:"failure,omitempty"`
	Emitter    map[string]int     `json:"emitter_control,omitempty"`
}

func (r Record) Scent() string {
	if r.Prediction != nil {
		return r.Prediction.PredictedScent
	}
	return FailureLabel
}

func (r Record) Confidence() float64 {
	if r.Prediction != nil {
		return r.Prediction.Confidence
	}
	return 0
}
