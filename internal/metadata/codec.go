package metadata

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/objectfs/geds/pkg/types"
)

var encOptions = cbor.EncOptions{
	Sort:        cbor.SortCanonical,
	Time:        cbor.TimeRFC3339Nano,
	IndefLength: cbor.IndefLengthForbidden,
}

var em, _ = encOptions.EncMode()

var decOptions = cbor.DecOptions{
	MaxArrayElements: 10000,
	MaxMapPairs:      10000,
	MaxNestedLevels:  16,
	IndefLength:      cbor.IndefLengthForbidden,
	DupMapKey:        cbor.DupMapKeyEnforcedAPF,
}

var dm, _ = decOptions.DecMode()

// EncodeObject serializes a record for storage.
func EncodeObject(obj Object) ([]byte, error) {
	return em.Marshal(obj)
}

// DecodeObject parses a record written by EncodeObject.
func DecodeObject(data []byte) (Object, error) {
	var obj Object
	err := dm.Unmarshal(data, &obj)
	return obj, err
}

// EncodeEvent serializes an event for the pub/sub transport.
func EncodeEvent(event types.Event) ([]byte, error) {
	return em.Marshal(event)
}

// DecodeEvent parses an event written by EncodeEvent.
func DecodeEvent(data []byte) (types.Event, error) {
	var event types.Event
	err := dm.Unmarshal(data, &event)
	return event, err
}

// EncodeStoreConfig serializes an object store config.
func EncodeStoreConfig(cfg types.ObjectStoreConfig) ([]byte, error) {
	return em.Marshal(cfg)
}

// DecodeStoreConfig parses a config written by EncodeStoreConfig.
func DecodeStoreConfig(data []byte) (types.ObjectStoreConfig, error) {
	var cfg types.ObjectStoreConfig
	err := dm.Unmarshal(data, &cfg)
	return cfg, err
}
