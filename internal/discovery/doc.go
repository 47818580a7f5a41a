// Package discovery answers system:discover/system:help against the
// router's live handler registry. It is the teacher's
// internal/tool/registry.go ToolInfos() pattern one level up: instead of
// describing tool schemas to an LLM, it describes event schemas to a
// wire client.
package discovery
