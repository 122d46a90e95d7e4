package rules

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConfiguration is matched by every ConfigError via errors.Is
var ErrConfiguration = errors.New("configuration error")

// ConfigError reports a rule table that cannot be executed. It is fatal for
// the run that hits it.
type ConfigError struct {
	Stage  string
	Rule   int
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	var where []string
	if e.Stage != "" {
		where = append(where, "stage "+e.Stage)
	}
	if e.Rule != 0 {
		where = append(where, fmt.Sprintf("rule %d", e.Rule))
	}
	if e.Field != "" {
		where = append(where, "field "+e.Field)
	}
	if len(where) == 0 {
		return fmt.Sprintf("%s: %s", ErrConfiguration, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrConfiguration, strings.Join(where, " "), e.Reason)
}

// Is lets errors.Is(err, ErrConfiguration) match
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}
