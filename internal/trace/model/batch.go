package model

// OpenBatchRequest is the payload for opening a new tracked batch.
// An empty SequenceID asks the service to assign one; an empty Algorithm
// uses the service's configured hasher.
type OpenBatchRequest struct {
	SequenceID string `json:"sequence_id"`
	Stage      string `json:"stage"     binding:"required"`
	Timestamp  string `json:"timestamp"`
	Algorithm  string `json:"algorithm,omitempty"`
}

// AppendStageRequest is the payload for recording a processing stage.
// An empty Timestamp is filled with the current UTC date.
type AppendStageRequest struct {
	Stage     string `json:"stage"     binding:"required"`
	Timestamp string `json:"timestamp"`
}

// BatchSummary describes the current state of a batch's chain.
type BatchSummary struct {
	SequenceID string `json:"sequence_id"`
	Algorithm  string `json:"algorithm"`
	Stages     int    `json:"stages"`
	Head       string `json:"head"`
	LastStage  string `json:"last_stage"`
}
