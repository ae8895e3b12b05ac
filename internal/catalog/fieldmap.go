package catalog

import (
	"fmt"

	"github.com/duro-db/duro/internal/field"
	"github.com/duro-db/duro/internal/rdberr"
)

// assignFieldNumbers implements create_stored_table step 3: key
// attributes receive 0..key_field_count-1 in the order imposed by the
// primary index (def.PrimaryKey, or def.SortOrder when set), non-key
// attributes receive the remaining numbers in heading order.
func assignFieldNumbers(def TableDef) (attrMap map[string]int, infos []field.Info, keyFieldCount int, err error) {
	byName := map[string]Attribute{}
	for _, a := range def.Heading {
		byName[a.Name] = a
	}

	keyOrder := def.PrimaryKey
	if len(def.SortOrder) > 0 {
		keyOrder = make([]string, len(def.SortOrder))
		for i, sa := range def.SortOrder {
			keyOrder[i] = sa.AttrName
		}
	}

	attrMap = make(map[string]int, len(def.Heading))
	infos = make([]field.Info, len(def.Heading))

	seen := map[string]bool{}
	no := 0
	for _, name := range keyOrder {
		a, ok := byName[name]
		if !ok {
			return nil, nil, 0, rdberr.New(rdberr.InvalidArgument, "create_stored_table", def.Name,
				fmt.Errorf("primary key attribute %q not in heading", name))
		}
		attrMap[name] = no
		infos[no] = a.Info
		seen[name] = true
		no++
	}
	keyFieldCount = no

	for _, a := range def.Heading {
		if seen[a.Name] {
			continue
		}
		attrMap[a.Name] = no
		infos[no] = a.Info
		no++
	}

	return attrMap, infos, keyFieldCount, nil
}
