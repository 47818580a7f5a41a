// Package composition is the pure-library component loader (spec.md
// §4.8): it reads a directory tree of YAML and Markdown-with-frontmatter
// files, resolves each component's `extends`/`mixins` chain (rejecting
// cycles), substitutes its declared variables, and yields validated
// types.Composition values indexed into internal/store for discovery.
//
// Grounded on the teacher's internal/config (Load/mergeConfig/
// stripJSONComments layered-override pattern, generalized here from
// "merge config files into a Config" into "merge a component's ancestor
// chain into a Composition") and internal/command/executor.go
// (loadFromFiles' frontmatter-delimited markdown parsing and
// text/template variable substitution, generalized from ad hoc
// key:value frontmatter into full YAML frontmatter parsed with
// gopkg.in/yaml.v3).
package composition
