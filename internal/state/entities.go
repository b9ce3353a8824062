package state

import (
	"fmt"
	"reflect"

	"github.com/pitabwire/sequencer/model"
)

// Identity fields tried, in order, when unioning entity records.
var (
	contactIdentity = []string{"id", "contact_id", "email"}
	companyIdentity = []string{"id", "company_id", "domain"}
	dealIdentity    = []string{"id", "deal_id"}
)

// mergeEntities folds entity records and key facts from a result's data into
// the accumulated context.
func mergeEntities(c *model.StateContext, data map[string]any) {
	if len(data) == 0 {
		return
	}

	c.Entities.Contacts = unionRecords(c.Entities.Contacts, collectRecords(data, "contacts", "contact"), contactIdentity)
	c.Entities.Companies = unionRecords(c.Entities.Companies, collectRecords(data, "companies", "company"), companyIdentity)
	c.Entities.Deals = unionRecords(c.Entities.Deals, collectRecords(data, "deals", "deal"), dealIdentity)

	if facts, ok := data["key_facts"].(map[string]any); ok {
		if c.Findings.KeyFacts == nil {
			c.Findings.KeyFacts = map[string]any{}
		}
		for k, v := range facts {
			c.Findings.KeyFacts[k] = v
		}
	}
}

// collectRecords gathers records stored under a plural list key or a
// singular object key.
func collectRecords(data map[string]any, plural, singular string) []map[string]any {
	var out []map[string]any
	switch v := data[plural].(type) {
	case []any:
		for _, e := range v {
			if rec, ok := e.(map[string]any); ok {
				out = append(out, rec)
			}
		}
	case []map[string]any:
		out = append(out, v...)
	}
	if rec, ok := data[singular].(map[string]any); ok {
		out = append(out, rec)
	}
	return out
}

// unionRecords adds incoming records to existing. A record whose identity
// matches an existing one is overlaid onto it; records without identity are
// added only if no identical record is present.
func unionRecords(existing, incoming []map[string]any, identity []string) []map[string]any {
	for _, rec := range incoming {
		id, hasID := recordIdentity(rec, identity)
		matched := false
		for i, cur := range existing {
			if hasID {
				if curID, ok := recordIdentity(cur, identity); ok && curID == id {
					merged := model.CloneMap(cur)
					for k, v := range rec {
						merged[k] = v
					}
					existing[i] = merged
					matched = true
					break
				}
				continue
			}
			if reflect.DeepEqual(cur, rec) {
				matched = true
				break
			}
		}
		if !matched {
			existing = append(existing, model.CloneMap(rec))
		}
	}
	return existing
}

func recordIdentity(rec map[string]any, identity []string) (string, bool) {
	for _, field := range identity {
		v, ok := rec[field]
		if !ok || v == nil {
			continue
		}
		s := fmt.Sprint(v)
		if s == "" {
			continue
		}
		return field + ":" + s, true
	}
	return "", false
}
