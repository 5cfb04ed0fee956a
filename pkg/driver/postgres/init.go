package postgres

import (
	"github.com/dataplane-io/dspool/pkg/driver"
)

func init() {
	// Register the PostgreSQL driver adapter under both URL schemes
	driver.Default().Register("postgres", &Driver{})
	driver.Default().Register("postgresql", &Driver{})
}
