package config

import (
	"strings"

	"github.com/dataplane-io/dspool/pkg/dserrors"
	"github.com/dataplane-io/dspool/pkg/pool"
)

// ParseEntries splits a list of key=value strings into a property map.
// Each entry is split on its first '='. Entries with an empty value after
// trimming are discarded; entries with no '=', an empty key, or a key seen
// before are malformed.
func ParseEntries(entries []string) (map[string]string, error) {
	props := make(map[string]string, len(entries))
	for _, entry := range entries {
		key, value, found := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			return nil, dserrors.Newf(dserrors.ErrorTypeInvalidConfig, "malformed property entry %q", entry)
		}
		if _, dup := props[key]; dup {
			return nil, dserrors.Newf(dserrors.ErrorTypeInvalidConfig, "duplicate property key %q", key)
		}
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		props[key] = value
	}
	return props, nil
}

// BuildPoolProperties maps a managed datasource configuration onto a flat
// pool property set. Free-form entries are applied first and the typed
// fields last, so a free-form entry can never shadow an explicitly typed
// setting. Pure; no side effects.
func BuildPoolProperties(c *Managed) (map[string]string, error) {
	if strings.TrimSpace(c.Name) == "" {
		return nil, dserrors.Newf(dserrors.ErrorTypeInvalidConfig,
			"datasource name must be specified via [%s] property", PropDataSourceName)
	}

	entries, err := ParseEntries(c.PoolProperties)
	if err != nil {
		return nil, err
	}

	props := make(map[string]string, len(entries)+4)
	for key, value := range entries {
		setProp(key, value, props)
	}

	props[pool.PropName] = c.Name

	// Typed settings win over free-form entries by being applied last.
	setProp(PropDefaultAutoCommit, c.DefaultAutoCommit, props)
	setProp(PropDefaultReadOnly, c.DefaultReadOnly, props)
	setProp(PropDefaultTransactionIsolation, c.DefaultTransactionIsolation, props)

	return props, nil
}

// setProp stores a property, normalizing the "default" sentinel on
// nullable-by-sentinel keys and blank values to absent.
func setProp(key, value string, props map[string]string) {
	if _, nullable := sentinelKeys[key]; nullable && value == DefaultValue {
		delete(props, key)
		return
	}

	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	props[key] = value
}
