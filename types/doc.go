// Package types provides core types shared across the supportflow engine.
// This package has ZERO dependencies on other supportflow packages to avoid circular imports.
// All other packages should import types from here.
package types
