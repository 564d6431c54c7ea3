package registry

import "strings"

// defaultNamespace concatenates namespace and id using ::, trimming
// whitespace, adapted from flow/namespacing.go.
func defaultNamespace(namespace, id string) string {
	ns := strings.TrimSpace(namespace)
	ident := strings.TrimSpace(id)
	if ns == "" {
		return ident
	}
	return ns + "::" + ident
}
