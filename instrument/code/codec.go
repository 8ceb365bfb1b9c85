package code

import (
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// FormatVersion is written in front of every encoded module.
const FormatVersion uint16 = 1

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic("code: failed to create CBOR enc mode: " + err.Error())
	}
	encMode = em
}

type envelope struct {
	Version uint16  `cbor:"1,keyasint"`
	Module  *Module `cbor:"2,keyasint"`
}

// Encode serializes m to its loadable CBOR form.
func Encode(m *Module) ([]byte, error) {
	return encMode.Marshal(envelope{Version: FormatVersion, Module: m})
}

func Decode(data []byte) (*Module, error) {
	var env envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "decode module")
	}
	if env.Version != FormatVersion {
		return nil, errors.Errorf("unsupported module format version %d", env.Version)
	}
	if env.Module == nil {
		return nil, errors.New("decode module: empty")
	}
	return env.Module, nil
}

func Write(w io.Writer, m *Module) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func Read(r io.Reader) (*Module, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}
