package normalize

import "fmt"

// MalformedRecordError marks an input record that cannot take part in linking.
// It is counted and skipped; it never stops a run.
type MalformedRecordError struct {
	Side   Side
	ID     string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("malformed %s record: %s", e.Side, e.Reason)
	}
	return fmt.Sprintf("malformed %s record %s: %s", e.Side, e.ID, e.Reason)
}
