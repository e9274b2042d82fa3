package session

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// Parameters the platform signer is known to exclude from the signed payload.
var ignoredSignatureKeys = map[string]bool{
	"signature":    true,
	"parentOrigin": true,
	"app":          true,
	"debug":        true,
}

// The canonical allow-listed parameter names.
var allowedSignatureKeys = map[string]bool{
	"userId":    true,
	"sessionId": true,
	"agentId":   true,
	"time":      true,
	"origin":    true,
	"nonce":     true,
}

// SignatureAttempt records one canonicalization variant tried during
// verification, for debug-mode diagnostics.
type SignatureAttempt struct {
	Keys      []string `json:"keys"`
	Payload   string   `json:"payload"`
	Signature string   `json:"signature"`
}

// VerifySignature checks the provided signature against every candidate
// canonicalization of params. Signer implementations drift on which optional
// fields they include, so up to three key sets are tried: all parameters,
// all minus known non-signed parameters, and only the allow-listed canonical
// names. A match on any candidate is a pass; the attacker still needs the
// secret either way.
func VerifySignature(params map[string]string, secretKey string) (bool, []SignatureAttempt) {
	provided := params["signature"]
	if provided == "" {
		return false, nil
	}
	providedLower := strings.ToLower(provided)

	allKeys := make([]string, 0, len(params))
	for key := range params {
		if key != "signature" {
			allKeys = append(allKeys, key)
		}
	}
	sort.Strings(allKeys)

	variants := dedupeKeyLists([][]string{
		allKeys,
		filterKeys(allKeys, func(key string) bool { return !ignoredSignatureKeys[key] }),
		filterKeys(allKeys, func(key string) bool { return allowedSignatureKeys[key] }),
	})

	var attempts []SignatureAttempt
	seen := map[string]bool{}
	valid := false
	for _, keys := range variants {
		payload, payloadKeys := canonicalPayload(params, keys)
		if payload == "" || seen[payload] {
			continue
		}
		seen[payload] = true

		calculated := computeHmacHex(secretKey, payload)
		attempts = append(attempts, SignatureAttempt{
			Keys:      payloadKeys,
			Payload:   payload,
			Signature: calculated,
		})
		if hmac.Equal([]byte(calculated), []byte(providedLower)) {
			valid = true
			break
		}
	}
	return valid, attempts
}

// canonicalPayload serializes the present parameters for keys as a JSON
// object with sorted keys. HTML escaping is disabled so the bytes match the
// platform signer's serialization of origin URLs.
func canonicalPayload(params map[string]string, keys []string) (string, []string) {
	canonical := make(map[string]string, len(keys))
	present := make([]string, 0, len(keys))
	for _, key := range keys {
		if value, ok := params[key]; ok {
			canonical[key] = value
			present = append(present, key)
		}
	}
	if len(canonical) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(canonical); err != nil {
		return "", nil
	}
	return strings.TrimSuffix(buf.String(), "\n"), present
}

func computeHmacHex(secretKey, payload string) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func filterKeys(keys []string, keep func(string) bool) []string {
	var out []string
	for _, key := range keys {
		if keep(key) {
			out = append(out, key)
		}
	}
	return out
}

func dedupeKeyLists(lists [][]string) [][]string {
	var out [][]string
	seen := map[string]bool{}
	for _, list := range lists {
		if len(list) == 0 {
			continue
		}
		joined := strings.Join(list, "|")
		if seen[joined] {
			continue
		}
		seen[joined] = true
		out = append(out, list)
	}
	return out
}
