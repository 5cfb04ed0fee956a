package mysql

import (
	"github.com/dataplane-io/dspool/pkg/driver"
)

func init() {
	// Register the MySQL driver adapter
	driver.Default().Register("mysql", &Driver{})
}
