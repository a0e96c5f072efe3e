package config

import (
	"os"
	"regexp"
)

// envPattern matches ${NAME} references. Bare $NAME is left untouched so
// literal dollar signs in commands and regex patterns survive.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv substitutes ${NAME} references in YAML content with environment
// values. Missing variables expand to the empty string; validation catches
// required fields that end up empty.
//
// Only the braced form is expanded:
//   - api_key: "${REPLICATE_API_TOKEN}"  → substituted
//   - command: "echo $HOME"              → preserved literally
func ExpandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// ExpandString applies the same ${NAME} substitution to a single value.
// Used for credential references resolved at call time rather than load time.
func ExpandString(s string) string {
	return string(ExpandEnv([]byte(s)))
}
