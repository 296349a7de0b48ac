package script

import (
	"reflect"

	"github.com/dop251/goja/ast"
)

// walkTree visits every node in the syntax tree rooted at root, parents
// before children. The ast package ships the node types but no traversal
// API, so children are discovered reflectively: every exported field,
// slice element or interface value implementing ast.Node is a child.
func walkTree(root ast.Node, visit func(ast.Node)) {
	rv := reflect.ValueOf(root)
	if !rv.IsValid() || (rv.Kind() == reflect.Ptr && rv.IsNil()) {
		return
	}
	visit(root)
	walkChildren(rv, visit)
}

// walkChildren descends into rv looking for child nodes to hand back to
// walkTree. Unexported fields (the position bookkeeping inside
// file.File) are skipped by walkChild.
func walkChildren(rv reflect.Value, visit func(ast.Node)) {
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return
		}
		walkChildren(rv.Elem(), visit)
	case reflect.Struct:
		for i := 0; i < rv.NumField(); i++ {
			walkChild(rv.Field(i), visit)
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			walkChild(rv.Index(i), visit)
		}
	}
}

func walkChild(rv reflect.Value, visit func(ast.Node)) {
	if !rv.IsValid() || !rv.CanInterface() {
		return
	}
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return
		}
		if n, ok := rv.Interface().(ast.Node); ok {
			walkTree(n, visit)
			return
		}
		walkChild(rv.Elem(), visit)
	case reflect.Struct:
		if rv.CanAddr() {
			if n, ok := rv.Addr().Interface().(ast.Node); ok {
				walkTree(n, visit)
				return
			}
		}
		walkChildren(rv, visit)
	case reflect.Slice, reflect.Array:
		walkChildren(rv, visit)
	}
}
