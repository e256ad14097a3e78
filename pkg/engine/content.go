package engine

import (
	"sort"
	"strings"
)

type treeNode struct {
	name     string
	children map[string]*treeNode
}

func (n *treeNode) isDir() bool {
	return n.children != nil
}

// RenderTree draws paths as an indented directory listing rooted at root.
// Directories sort before files, then by name.
//
//	my-app
//	├── src
//	│   └── App.tsx
//	└── package.json
func RenderTree(root string, paths []string) string {
	top := &treeNode{name: root, children: map[string]*treeNode{}}
	for _, p := range paths {
		node := top
		parts := strings.Split(strings.Trim(p, "/"), "/")
		for i, part := range parts {
			if part == "" {
				continue
			}
			child, ok := node.children[part]
			if !ok {
				child = &treeNode{name: part}
				node.children[part] = child
			}
			if i < len(parts)-1 && child.children == nil {
				child.children = map[string]*treeNode{}
			}
			node = child
		}
	}

	var b strings.Builder
	b.WriteString(root)
	renderChildren(&b, top, "")
	return b.String()
}

func renderChildren(b *strings.Builder, node *treeNode, prefix string) {
	children := make([]*treeNode, 0, len(node.children))
	for _, c := range node.children {
		children = append(children, c)
	}
	sort.Slice(children, func(i, j int) bool {
		if children[i].isDir() != children[j].isDir() {
			return children[i].isDir()
		}
		return children[i].name < children[j].name
	})

	for i, c := range children {
		last := i == len(children)-1
		connector, indent := "├── ", "│   "
		if last {
			connector, indent = "└── ", "    "
		}
		b.WriteString("\n")
		b.WriteString(prefix)
		b.WriteString(connector)
		b.WriteString(c.name)
		if c.isDir() {
			renderChildren(b, c, prefix+indent)
		}
	}
}
