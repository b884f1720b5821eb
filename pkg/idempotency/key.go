// Package idempotency derives the stable keys that collapse retried
// submissions of the same document content into one tracked unit of work.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const keyPrefix = "stk1_"

// Key returns a deterministic one-way digest of (documentID, contentVersion,
// context). Context entries are canonicalized by sorted key so map iteration
// order never changes the result. Each field is length-prefixed, which keeps
// distinct inputs from concatenating to the same byte stream.
func Key(documentID uuid.UUID, contentVersion int, context map[string]string) string {
	var b strings.Builder
	writeField(&b, documentID.String())
	writeField(&b, strconv.Itoa(contentVersion))

	keys := make([]string, 0, len(context))
	for k := range context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writeField(&b, strconv.Itoa(len(keys)))
	for _, k := range keys {
		writeField(&b, k)
		writeField(&b, context[k])
	}

	sum := sha256.Sum256([]byte(b.String()))
	return keyPrefix + hex.EncodeToString(sum[:])
}

func writeField(b *strings.Builder, v string) {
	b.WriteString(strconv.Itoa(len(v)))
	b.WriteByte(':')
	b.WriteString(v)
	b.WriteByte(';')
}
