package handler

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ParseOrGenerateRequestID keeps a client supplied UUID and otherwise
// generates a UUIDv7.
func ParseOrGenerateRequestID(requestID string) string {
	if requestID != "" {
		parsed, err := uuid.Parse(requestID)
		if err == nil {
			return parsed.String()
		}
		logrus.WithFields(logrus.Fields{
			"prefix":             "ParseOrGenerateRequestID",
			"error":              err,
			"invalid_request_id": requestID,
		}).Debug("generating a new request id")
	}

	generated, err := uuid.NewV7()
	if err != nil {
		logrus.WithField("prefix", "ParseOrGenerateRequestID").Error(err)
		return uuid.NewString()
	}
	return generated.String()
}
