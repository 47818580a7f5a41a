package discovery

import (
	"strings"

	"github.com/ksi-dev/ksid/internal/router"
)

// HandlerSummary is the level-0 system:discover entry for one handler.
type HandlerSummary struct {
	Name         string   `json:"name"`
	Namespace    string   `json:"namespace"`
	Capabilities []string `json:"capabilities,omitempty"`
	Emits        []string `json:"emits"`
}

// HandlerDetail is the level-1+ entry, adding the handler's full declared
// parameter schema.
type HandlerDetail struct {
	HandlerSummary
	Schema router.ParamSchema `json:"schema"`
}

func namespaceOf(name string) string {
	if i := strings.IndexByte(name, ':'); i >= 0 {
		return name[:i]
	}
	return name
}

// emitsOf best-effort-lists the event names reg's dispatch can produce:
// the router's own result/error convention, plus any transformer whose
// declared Source matches reg.Name. Registration carries no separate
// "emits" field of its own (the router only tracks name, schema, and
// capabilities), so this is derived rather than declared.
func emitsOf(rt *router.Router, reg router.Registration) []string {
	emits := []string{reg.Name + ":result", "error"}
	for _, t := range rt.Transformers().Match(reg.Name) {
		emits = append(emits, t.Target)
	}
	return emits
}

func summarize(rt *router.Router, reg router.Registration) HandlerSummary {
	return HandlerSummary{
		Name:         reg.Name,
		Namespace:    namespaceOf(reg.Name),
		Capabilities: reg.Capabilities,
		Emits:        emitsOf(rt, reg),
	}
}

func detail(rt *router.Router, reg router.Registration) HandlerDetail {
	return HandlerDetail{HandlerSummary: summarize(rt, reg), Schema: reg.Schema}
}

func matches(reg router.Registration, namespace, event string) bool {
	if namespace != "" && namespaceOf(reg.Name) != namespace {
		return false
	}
	if event != "" && reg.Name != event {
		return false
	}
	return true
}
