// Package json allows swapping the JSON implementation used for the voice
// gateway frames. The default driver is encoding/json.
package json

import (
	"encoding/json"
	"io"
)

// Driver is a JSON implementation.
type Driver interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
	DecodeStream(r io.Reader, v interface{}) error
}

type stdDriver struct{}

func (stdDriver) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (stdDriver) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (stdDriver) DecodeStream(r io.Reader, v interface{}) error {
	return json.NewDecoder(r).Decode(v)
}

// Default is the driver used by the package-level functions. It must only be
// changed before any connection is made.
var Default Driver = stdDriver{}

// Marshal uses the default driver.
func Marshal(v interface{}) ([]byte, error) {
	return Default.Marshal(v)
}

// Unmarshal uses the default driver.
func Unmarshal(data []byte, v interface{}) error {
	return Default.Unmarshal(data, v)
}

// DecodeStream uses the default driver.
func DecodeStream(r io.Reader, v interface{}) error {
	return Default.DecodeStream(r, v)
}
