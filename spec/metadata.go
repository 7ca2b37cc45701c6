package spec

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Metadata is a string map persisted as a JSON column
type Metadata map[string]string

func (p *Metadata) Scan(value interface{}) error {
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	case nil:
		*p = make(Metadata)
		return nil
	default:
		return fmt.Errorf("Failed to unmarshal json value: %v", value)
	}
	if len(bytes) == 0 {
		*p = make(Metadata)
		return nil
	}
	return json.Unmarshal(bytes, p)
}

func (p Metadata) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (Metadata) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	switch db.Dialector.Name() {
	case "mysql", "sqlite":
		return "JSON"
	case "postgres":
		return "JSONB"
	}
	return ""
}

func (p Metadata) Clone() Metadata {
	clone := make(Metadata, len(p))
	for k, v := range p {
		clone[k] = v
	}
	return clone
}

// Get returns the value for key, or an empty string
func (p Metadata) Get(key string) string {
	if p == nil {
		return ""
	}
	return p[key]
}
