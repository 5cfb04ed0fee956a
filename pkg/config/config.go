// Package config defines the two configuration shapes the host supplies,
// the managed-pool variant and the directory-lookup variant, and the
// property mapper that turns flat, loosely-typed property sets into typed
// pool configuration.
package config

import (
	"strings"

	"github.com/dataplane-io/dspool/pkg/dserrors"
)

// Raw configuration property names, the contract with the host framework.
const (
	PropDataSourceName      = "datasource.name"
	PropServicePropName     = "datasource.svc.prop.name"
	PropSvcProperties       = "datasource.svc.properties"
	PropDirectoryName       = "datasource.directory.name"
	PropDirectoryProperties = "directory.properties"

	PropDefaultAutoCommit           = "defaultAutoCommit"
	PropDefaultReadOnly             = "defaultReadOnly"
	PropDefaultTransactionIsolation = "defaultTransactionIsolation"
)

// DefaultValue is the sentinel meaning "omit, let the pool implementation
// choose its own default".
const DefaultValue = "default"

// Keys whose value DefaultValue is treated as absent rather than literal.
var sentinelKeys = map[string]struct{}{
	PropDefaultAutoCommit:           {},
	PropDefaultReadOnly:             {},
	PropDefaultTransactionIsolation: {},
}

// Managed configures a pool this module creates and supervises.
type Managed struct {
	Name                        string   `yaml:"name"`
	ServicePropertyName         string   `yaml:"service_property_name"`
	PoolProperties              []string `yaml:"pool_properties"`
	DefaultAutoCommit           string   `yaml:"default_autocommit"`
	DefaultReadOnly             string   `yaml:"default_readonly"`
	DefaultTransactionIsolation string   `yaml:"default_transaction_isolation"`
}

// EffectiveServicePropertyName returns the property key the datasource
// identity is published under.
func (c *Managed) EffectiveServicePropertyName() string {
	if c.ServicePropertyName == "" {
		return PropDataSourceName
	}
	return c.ServicePropertyName
}

// Lookup configures a datasource resolved from an external directory
// instead of being pooled here.
type Lookup struct {
	Name                string   `yaml:"name"`
	ServicePropertyName string   `yaml:"service_property_name"`
	DirectoryName       string   `yaml:"directory_name"`
	DirectoryProperties []string `yaml:"directory_properties"`
}

// EffectiveServicePropertyName returns the property key the datasource
// identity is published under.
func (c *Lookup) EffectiveServicePropertyName() string {
	if c.ServicePropertyName == "" {
		return PropDataSourceName
	}
	return c.ServicePropertyName
}

// ManagedFromMap builds a Managed config from a flat property map.
func ManagedFromMap(raw map[string]interface{}) (*Managed, error) {
	entries, err := stringsValue(raw, PropSvcProperties)
	if err != nil {
		return nil, err
	}
	return &Managed{
		Name:                        stringValue(raw, PropDataSourceName),
		ServicePropertyName:         stringValue(raw, PropServicePropName),
		PoolProperties:              entries,
		DefaultAutoCommit:           stringValue(raw, PropDefaultAutoCommit),
		DefaultReadOnly:             stringValue(raw, PropDefaultReadOnly),
		DefaultTransactionIsolation: stringValue(raw, PropDefaultTransactionIsolation),
	}, nil
}

// LookupFromMap builds a Lookup config from a flat property map.
func LookupFromMap(raw map[string]interface{}) (*Lookup, error) {
	entries, err := stringsValue(raw, PropDirectoryProperties)
	if err != nil {
		return nil, err
	}
	return &Lookup{
		Name:                stringValue(raw, PropDataSourceName),
		ServicePropertyName: stringValue(raw, PropServicePropName),
		DirectoryName:       stringValue(raw, PropDirectoryName),
		DirectoryProperties: entries,
	}, nil
}

func stringValue(raw map[string]interface{}, key string) string {
	if v, ok := raw[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func stringsValue(raw map[string]interface{}, key string) ([]string, error) {
	switch v := raw[key].(type) {
	case nil:
		return nil, nil
	case []string:
		return v, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, dserrors.Newf(dserrors.ErrorTypeInvalidConfig, "property [%s] must be a list of strings", key)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, dserrors.Newf(dserrors.ErrorTypeInvalidConfig, "property [%s] must be a list of strings", key)
	}
}
