package graph

import (
	"github.com/WessleyAI/meterscan/pkg/repo"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

// newPremiseRepo creates a Neo4j-backed repository for Premise nodes.
func newPremiseRepo(sessions repo.SessionFunc) *repo.Neo4jRepo[Premise, string] {
	return repo.NewNeo4jRepo[Premise, string](
		sessions,
		LabelPremise,
		premiseToMap,
		premiseFromRecord,
	)
}

func premiseToMap(p Premise) map[string]any {
	return map[string]any{
		"id":            p.ID,
		"city":          p.City,
		"street_name":   p.StreetName,
		"street_number": p.StreetNumber,
		"full_address":  p.FullAddress,
	}
}

func premiseFromRecord(rec *neo4j.Record) (Premise, error) {
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
	if err != nil {
		return Premise{}, err
	}
	return premiseFromProps(node.Props), nil
}

func premiseFromProps(props map[string]any) Premise {
	return Premise{
		ID:           strProp(props, "id"),
		City:         strProp(props, "city"),
		StreetName:   strProp(props, "street_name"),
		StreetNumber: strProp(props, "street_number"),
		FullAddress:  strProp(props, "full_address"),
	}
}

func strProp(props map[string]any, key string) string {
	if v, ok := props[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
