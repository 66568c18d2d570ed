// Package configs holds configuration templates embedded at build time, so
// `contextual config init` works from any install.
package configs

import _ "embed"

// UserConfigTemplate is the commented user configuration written by
// `contextual config init` when no user config exists. Every option is
// commented out at its default.
//
//go:embed user-config.example.yaml
var UserConfigTemplate string
