package source

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Fingerprint is a sha256 digest over the source id and the canonical JSON
// of fields. encoding/json sorts map keys, so equal field sets hash equally
// regardless of insertion order.
func Fingerprint(sourceID string, fields map[string]any) (string, error) {
	b, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(sourceID))
	h.Write([]byte{0})
	h.Write(b)
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

func finalize(it Item) (Item, error) {
	if it.Fingerprint != "" {
		return it, nil
	}
	fp, err := Fingerprint(it.SourceID, it.Fields)
	if err != nil {
		return it, fetchErr(it.SourceID, "fingerprint", err)
	}
	it.Fingerprint = fp
	return it, nil
}
