package build

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Returns the hex sha256 of the JSON encoding of inputs.
//
// The first input of every step key is the key of the step before it, which
// chains keys so a change invalidates all later steps.
func cacheKey(inputs ...string) (string, error) {
	hasher := sha256.New()
	enc := json.NewEncoder(hasher)
	if err := enc.Encode(inputs); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Hashes the archive name, mode, ownership and content of a layer entry.
//
// Symlinks hash their target instead of content. The host path is not
// included, so moving the build context keeps keys stable.
func hashEntry(e tarEntry) (string, error) {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d:%d\x00", e.name, e.mode, e.uid, e.gid)

	switch {
	case e.link != "":
		io.WriteString(h, e.link)
	case e.mode.IsRegular():
		f, err := os.Open(e.hostPath)
		if err != nil {
			return "", err
		}
		defer f.Close()
		if _, err := io.Copy(h, f); err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
