package store

import (
	"encoding/json"
	"fmt"

	"github.com/pitabwire/sequencer/model"
)

// hitlJSONColumns holds the JSON encoded columns of a HITL request row.
type hitlJSONColumns struct {
	options      []byte
	defaultValue []byte
	channels     []byte
}

func marshalHITLColumns(req model.HITLRequest) (hitlJSONColumns, error) {
	var cols hitlJSONColumns
	var err error
	if cols.options, err = json.Marshal(req.Options); err != nil {
		return cols, fmt.Errorf("marshal options: %w", err)
	}
	if cols.defaultValue, err = json.Marshal(req.DefaultValue); err != nil {
		return cols, fmt.Errorf("marshal default value: %w", err)
	}
	if cols.channels, err = json.Marshal(req.Channels); err != nil {
		return cols, fmt.Errorf("marshal channels: %w", err)
	}
	return cols, nil
}

func (c hitlJSONColumns) unmarshalInto(req *model.HITLRequest) error {
	if len(c.options) > 0 {
		if err := json.Unmarshal(c.options, &req.Options); err != nil {
			return fmt.Errorf("unmarshal options: %w", err)
		}
	}
	if len(c.defaultValue) > 0 {
		if err := json.Unmarshal(c.defaultValue, &req.DefaultValue); err != nil {
			return fmt.Errorf("unmarshal default value: %w", err)
		}
	}
	if len(c.channels) > 0 {
		if err := json.Unmarshal(c.channels, &req.Channels); err != nil {
			return fmt.Errorf("unmarshal channels: %w", err)
		}
	}
	return nil
}
