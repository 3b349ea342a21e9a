package memswitch

import (
	"encoding/hex"
	"fmt"
	"io/ioutil"

	p4_v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"gopkg.in/yaml.v3"
)

// BootstrapEntry is one statically-configured table entry, as expressed in
// the server's YAML config file. It supports a single exact-match field,
// which is enough to seed a reference switch for demos and tests without
// pulling in a full P4Info-driven parser.
type BootstrapEntry struct {
	TableID  uint32 `yaml:"table_id"`
	FieldID  uint32 `yaml:"field_id"`
	MatchHex string `yaml:"match_hex"`
	Priority int32  `yaml:"priority"`
}

// BootstrapConfig is the memswitch section of the server's YAML config
// file: the device id it represents and the entries it starts with.
type BootstrapConfig struct {
	DeviceID uint64           `yaml:"device_id"`
	Entries  []BootstrapEntry `yaml:"entries"`
}

// LoadBootstrapConfig reads and parses a YAML bootstrap file, mirroring the
// teacher's parseSwConfig: read the whole file, then unmarshal.
func LoadBootstrapConfig(path string) (*BootstrapConfig, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg BootstrapConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Entities converts the bootstrap entries into P4Runtime entities suitable
// for New's seed argument.
func (c *BootstrapConfig) Entities() ([]*p4_v1.Entity, error) {
	entities := make([]*p4_v1.Entity, 0, len(c.Entries))
	for i, e := range c.Entries {
		value, err := hex.DecodeString(e.MatchHex)
		if err != nil {
			return nil, fmt.Errorf("entries[%d]: invalid match_hex %q: %w", i, e.MatchHex, err)
		}
		entities = append(entities, &p4_v1.Entity{
			Entity: &p4_v1.Entity_TableEntry{
				TableEntry: &p4_v1.TableEntry{
					TableId:  e.TableID,
					Priority: e.Priority,
					Match: []*p4_v1.FieldMatch{{
						FieldId: e.FieldID,
						FieldMatchType: &p4_v1.FieldMatch_Exact_{
							Exact: &p4_v1.FieldMatch_Exact{Value: value},
						},
					}},
				},
			},
		})
	}
	return entities, nil
}
