// Package config provides configuration loading, merging, and path
// management for the daemon.
//
// # Configuration Loading
//
// Load implements a layered loading strategy, later sources overriding
// earlier ones:
//
//  1. Defaults (every path and pool size set to a production default)
//  2. Global config (~/.config/ksid/ksid.json or ksid.jsonc)
//  3. Project config (<directory>/.ksi/ksid.json or ksid.jsonc)
//  4. Environment variables (KSID_MODEL, KSID_SOCKET, KSID_STORE, and
//     per-provider API key variables such as ANTHROPIC_API_KEY)
//
// A missing config file is not an error: Load always returns a usable
// config, because the daemon must be able to start with zero
// configuration present.
//
// # Supported Formats
//
//   - ksid.json - standard JSON
//   - ksid.jsonc - JSON with // and /* */ comments stripped before parsing
//
// # Configuration Merging
//
// mergeConfig overlays a parsed file onto the config built so far,
// field by field: scalars are overwritten when the source sets a
// non-zero value, and the Provider map is merged key by key so a
// project config can add a provider without dropping providers the
// global config already configured.
//
// # Path Management
//
// GetPaths follows the XDG Base Directory Specification:
//
//   - Data: ~/.local/share/ksid (XDG_DATA_HOME)
//   - Config: ~/.config/ksid (XDG_CONFIG_HOME)
//   - Cache: ~/.cache/ksid (XDG_CACHE_HOME)
//   - State: ~/.local/state/ksid (XDG_STATE_HOME)
//
// Paths derives the daemon's socket, store, log, sandbox, and
// composition directories from these roots so the core never
// hard-codes a filesystem path.
package config
