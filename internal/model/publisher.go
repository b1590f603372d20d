package model

// Publisher fans live session data out to observers outside the process.
// Publishing is best-effort: errors are reported but never stop acquisition.
type Publisher interface {
	PublishSample(runID string, index int, sample Sample) error
	PublishClassification(runID string, event ClassificationEvent) error
	PublishStatus(runID string, status Status) error
}
