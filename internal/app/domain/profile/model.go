package profile

// Profile holds the per-user alert threshold and prediction model settings.
type Profile struct {
	UserID            string   `json:"UserId" dynamodbav:"UserId" db:"user_id"`
	Threshold         *float64 `json:"threshold,omitempty" dynamodbav:"threshold,omitempty" db:"threshold"`
	ModelEndpoint     string   `json:"sagemakerEndpoint,omitempty" dynamodbav:"sagemakerEndpoint,omitempty" db:"model_endpoint"`
	TrainingStartDate string   `json:"trainingStartDate,omitempty" dynamodbav:"trainingStartDate,omitempty" db:"training_start_date"`
	TTL               int64    `json:"TTL,omitempty" dynamodbav:"TTL,omitempty" db:"ttl"`
}

// HasModel reports whether a prediction endpoint is assigned.
func (p Profile) HasModel() bool { return p.ModelEndpoint != "" }
