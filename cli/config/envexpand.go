// Package config handles genstream.yaml loading for the CLI.
package config

import (
	"os"
	"regexp"
)

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:-default} with values from the
// process environment. Unset variables without a default expand to the
// empty string; required values fail later in Validate or at dial time.
func ExpandEnv(input string) string {
	return ExpandWith(input, os.LookupEnv)
}

// ExpandWith is ExpandEnv over an arbitrary lookup. An empty value counts
// as unset when a default is given.
func ExpandWith(input string, lookup func(string) (string, bool)) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if value, ok := lookup(groups[1]); ok && value != "" {
			return value
		}
		return groups[2]
	})
}
