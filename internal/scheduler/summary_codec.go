package scheduler

import (
	"encoding/json"

	"futurestrader/internal/executor"
)

func marshalSummary(s *executor.Summary) ([]byte, error) {
	return json.Marshal(s)
}

func unmarshalSummary(raw []byte, s *executor.Summary) error {
	return json.Unmarshal(raw, s)
}
