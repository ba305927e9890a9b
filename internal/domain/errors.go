package domain

import "errors"

var (
	ErrAssessmentNotFound = errors.New("assessment not found")
	ErrNoResponses        = errors.New("no survey responses found")
	ErrRegenerationFailed = errors.New("report regeneration failed")
)
