// Package config handles configuration loading, parsing, and validation
// from defaults, an optional config file and XENGINE_ environment variables.
// It can also watch the config file and hand reloaded settings to the
// application.
package config
