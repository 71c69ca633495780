package registry

import "strings"

// node is one path segment in the routing trie.
type node struct {
	children map[string]*node
	svc      *Service // set when a prefix terminates here
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

// insert registers svc under its path prefix. Returns false if another
// service already owns the exact same prefix.
func (n *node) insert(svc *Service) bool {
	cur := n
	for _, seg := range splitPath(svc.PathPrefix) {
		next, ok := cur.children[seg]
		if !ok {
			next = newNode()
			cur.children[seg] = next
		}
		cur = next
	}
	if cur.svc != nil {
		return false
	}
	cur.svc = svc
	return true
}

// lookup walks the trie along the request path and returns the service with
// the longest matching prefix, or nil.
func (n *node) lookup(path string) *Service {
	cur := n
	best := cur.svc
	for _, seg := range splitPath(path) {
		next, ok := cur.children[seg]
		if !ok {
			break
		}
		cur = next
		if cur.svc != nil {
			best = cur.svc
		}
	}
	return best
}

// table is an immutable routing snapshot: one trie per host scope plus a
// global trie for services without a host. Built once per catalog load and
// swapped atomically.
type table struct {
	byHost   map[string]*node
	global   *node
	byID     map[string]*Service
	services []*Service
}

func newTable() *table {
	return &table{
		byHost: make(map[string]*node),
		global: newNode(),
		byID:   make(map[string]*Service),
	}
}

func (t *table) add(svc *Service) bool {
	root := t.global
	if svc.Host != "" {
		root = t.byHost[svc.Host]
		if root == nil {
			root = newNode()
			t.byHost[svc.Host] = root
		}
	}
	if !root.insert(svc) {
		return false
	}
	t.byID[svc.ID] = svc
	t.services = append(t.services, svc)
	return true
}

// match finds the service for a host+path pair. Host-scoped routes win over
// global ones; within a scope the longest prefix wins.
func (t *table) match(host, path string) *Service {
	host = normalizeHost(host)
	if root, ok := t.byHost[host]; ok {
		if svc := root.lookup(path); svc != nil {
			return svc
		}
	}
	return t.global.lookup(path)
}

// splitPath breaks a URL path into its non-empty segments.
func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// normalizeHost lowercases the host and drops any port.
func normalizeHost(host string) string {
	host = strings.ToLower(host)
	if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return strings.TrimSuffix(host, ".")
}
