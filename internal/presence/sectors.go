package presence

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// SectorLookup maps a controller position to the airports it owns.
type SectorLookup interface {
	Airports(positionID string) ([]string, bool)
}

// Sector is one entry of the sector table.
type Sector struct {
	Airports []string `json:"airports"`
}

// SectorTable is a SectorLookup backed by a map.
type SectorTable map[string]Sector

// Airports implements SectorLookup.
func (t SectorTable) Airports(positionID string) ([]string, bool) {
	s, ok := t[positionID]
	if !ok || len(s.Airports) == 0 {
		return nil, false
	}
	return s.Airports, true
}

// ParseSectors decodes a sector table. Comments and trailing commas are allowed.
func ParseSectors(data []byte) (SectorTable, error) {
	table := SectorTable{}
	if err := json.Unmarshal(jsonc.ToJSON(data), &table); err != nil {
		return nil, fmt.Errorf("failed to parse sectors: %w", err)
	}
	return table, nil
}

// LoadSectors reads a sector table from path. A missing file yields an empty
// table.
func LoadSectors(path string) (SectorTable, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return SectorTable{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sectors: %w", err)
	}
	return ParseSectors(data)
}
