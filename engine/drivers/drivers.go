// Package drivers bundles the built-in driver factories the host runtime can
// bind to component x-runtime.driver references.
package drivers

import (
	"github.com/osiris-pipelines/osiris/engine/driver"
	"github.com/osiris-pipelines/osiris/engine/drivers/filesystem"
)

// Builtins returns the factory table keyed by x-runtime.driver reference.
// Connector families beyond filesystem ship out of tree and register their
// factories through the same table.
func Builtins() map[string]driver.Factory {
	return map[string]driver.Factory{
		"filesystem.csv_writer": filesystem.NewCSVWriter,
	}
}
