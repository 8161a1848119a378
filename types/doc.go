// Package types provides core types used across the workdeck orchestrator.
// This package has ZERO dependencies on other workdeck packages to avoid circular imports.
// All other packages should import types from here.
package types
