package slurmconfig

import (
	"encoding/hex"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// encMode uses core deterministic encoding: sorted map keys, shortest integer
// forms and no indefinite lengths, so equal documents encode to equal bytes.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("slurmconfig: CBOR encoder initialization failed: " + err.Error())
	}
}

// Encode returns the canonical byte form of the document.
func (d *Document) Encode() ([]byte, error) {
	return encMode.Marshal(d)
}

// Fingerprint is the hex BLAKE3-256 digest of the canonical encoding.
func (d *Document) Fingerprint() (string, error) {
	data, err := d.Encode()
	if err != nil {
		return "", err
	}

	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Decode parses bytes produced by Encode.
func Decode(data []byte) (*Document, error) {
	var doc Document
	err := cbor.Unmarshal(data, &doc)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// RenderYAML renders the document for humans and file based collaborators.
// yaml.v3 sorts map keys, so the output is as stable as the canonical form.
func (d *Document) RenderYAML() ([]byte, error) {
	return yaml.Marshal(d)
}
